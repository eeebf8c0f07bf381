// Package idgen mints the opaque string identifiers used throughout the
// pipeline (runId, traceId, partitionId suffixes).
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh UUIDv4 string, matching "All identifiers are opaque
// strings (UUIDs acceptable)" from the data model.
func New() string {
	return uuid.NewString()
}

// Partition deterministically names the Nth partition of a run:
// "partition-0", "partition-1", ... as required by the heatmap partitioner.
func Partition(index int) string {
	return fmt.Sprintf("partition-%d", index)
}
