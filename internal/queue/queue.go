// Package queue implements the three durable, at-least-once topics named in
// §6 (work-items, work-done, consolidate) on top of
// github.com/twmb/franz-go/pkg/kgo, grounded on the consume/commit loop
// shape of the retrieval pack's grafana-tempo partition reader: poll
// fetches, hand records to a typed callback, commit offsets only after the
// callback returns. An in-memory implementation of the same interface
// backs tests, the same way the pack uses an in-memory store wherever a
// broker isn't available in-process.
package queue

import (
	"context"
	"encoding/json"
)

// Message is one opaque, JSON-encoded entry with the feed/partition key it
// should be routed or sharded by (franz-go partitions by record key).
type Message struct {
	Key   string
	Value []byte
}

// Handler processes one delivered message. Returning an error leaves the
// message unacknowledged so the queue implementation redelivers it,
// matching "the consolidation message is abandoned so the queue
// redelivers" (§4.5) and the analogous worker behavior in §4.4 step 10.
type Handler func(ctx context.Context, msg Message) error

// Queue is the capability every producer/consumer of the three topics
// depends on. Workers, the scheduler, and the consolidator are
// transport-agnostic beyond this interface.
type Queue interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Consume(ctx context.Context, topic, group string, h Handler) error
	Close()
}

// Encode marshals v to JSON for a queue payload.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a queue payload into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
