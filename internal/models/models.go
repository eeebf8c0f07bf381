// Package models holds the data-model entities from the ingestion core's
// relational store, following the teacher's internal/models convention of
// one flat file of plain structs with json/db tags, no behavior attached.
package models

import "time"

// RunType distinguishes a full catalog crawl from an incremental one.
type RunType string

const (
	RunTypeFull        RunType = "full"
	RunTypeIncremental RunType = "incremental"
)

// ConsolidationStatus is the raw row's lifecycle state. The teacher's raw
// tables carry both a boolean "consolidated" flag and a status enum; per
// DESIGN.md's resolution of the corresponding Open Question, this
// implementation collapses that pair down to the enum alone.
type ConsolidationStatus string

const (
	StatusPending    ConsolidationStatus = "pending"
	StatusProcessing ConsolidationStatus = "processing"
	StatusDone       ConsolidationStatus = "done"
	StatusFailed     ConsolidationStatus = "failed"
)

// Run is one ingestion attempt for one feed.
type Run struct {
	RunID         string     `json:"run_id" db:"run_id"`
	FeedID        string     `json:"feed_id" db:"feed_id"`
	RunType       RunType    `json:"run_type" db:"run_type"`

	ExpectedWorkers int `json:"expected_workers" db:"expected_workers"`
	CompletedWorkers int `json:"completed_workers" db:"completed_workers"`
	FailedWorkers    int `json:"failed_workers" db:"failed_workers"`

	StartedAt               time.Time  `json:"started_at" db:"started_at"`
	CompletedAt              *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ConsolidationStartedAt   *time.Time `json:"consolidation_started_at,omitempty" db:"consolidation_started_at"`

	UpdatedFrom time.Time `json:"updated_from" db:"updated_from"`
	UpdatedTo   time.Time `json:"updated_to" db:"updated_to"`

	// Force records the trigger's force flag on the run the scheduler
	// returns. Not persisted: a run row's db tag set intentionally omits it.
	// Workers read the flag from WorkMessage.Force, which worker.done copies
	// onto the ConsolidateMessage it emits.
	Force bool `json:"force,omitempty" db:"-"`
}

// Done reports whether every expected worker has reached a terminal state.
func (r Run) Done() bool {
	return r.CompletedWorkers+r.FailedWorkers >= r.ExpectedWorkers
}

// AllSucceeded reports whether the run finished with zero worker failures.
func (r Run) AllSucceeded() bool {
	return r.Done() && r.FailedWorkers == 0
}

// PartitionProgress is the per-partition bookkeeping row inside a run.
type PartitionProgress struct {
	RunID       string `json:"run_id" db:"run_id"`
	PartitionID string `json:"partition_id" db:"partition_id"`
	NextOffset  int    `json:"next_offset" db:"next_offset"`
	Completed   bool   `json:"completed" db:"completed"`
	Failed      bool   `json:"failed" db:"failed"`
}

// Terminal reports whether this partition has reached completed or failed.
func (p PartitionProgress) Terminal() bool {
	return p.Completed || p.Failed
}

// WorkMessage is one continuation of one partition, carried on the
// "work-items" queue.
type WorkMessage struct {
	RunID       string    `json:"run_id"`
	TraceID     string    `json:"trace_id"`
	FeedID      string    `json:"feed_id"`
	PartitionID string    `json:"partition_id"`
	PriceMin    int64     `json:"price_min"`
	PriceMax    int64     `json:"price_max"`
	UpdatedFrom time.Time `json:"updated_from"`
	UpdatedTo   time.Time `json:"updated_to"`
	Offset      int       `json:"offset"`
	Limit       int       `json:"limit"`
	Shapes      []string  `json:"shapes,omitempty"`
	SizeMin     float64   `json:"size_min,omitempty"`
	SizeMax     float64   `json:"size_max,omitempty"`
	Force       bool      `json:"force,omitempty"`
}

// WorkDoneMessage reports the outcome of a single WorkMessage, carried on
// the "work-done" queue. Consumers are observability-only per §6.
type WorkDoneMessage struct {
	RunID            string `json:"run_id"`
	PartitionID      string `json:"partition_id"`
	WorkerID         string `json:"worker_id"`
	RecordsProcessed int    `json:"records_processed"`
	Status           string `json:"status"` // "ok" | "failed"
	Error            string `json:"error,omitempty"`
}

// ConsolidateMessage triggers one consolidation pass for a run, carried on
// the "consolidate" queue.
type ConsolidateMessage struct {
	RunID      string    `json:"run_id"`
	FeedID     string    `json:"feed_id"`
	TraceID    string    `json:"trace_id"`
	UpdatedTo  time.Time `json:"updated_to"`
	Force      bool      `json:"force,omitempty"`
}

// TriggerMessage carries a scheduler trigger across process boundaries,
// used by the consolidator's fire-and-forget feed-chain hop (§4.5 step 7)
// so that triggering "the next feed's scheduler" doesn't require the
// consolidator to know how the scheduler's own CLI/HTTP transport works.
type TriggerMessage struct {
	FeedID  string  `json:"feed_id"`
	RunType RunType `json:"run_type"`
	Force   bool    `json:"force,omitempty"`
}

// RawRecord is the landing-zone row for a single supplier item.
type RawRecord struct {
	SupplierStoneID string  `json:"supplier_stone_id" db:"supplier_stone_id"`
	RunID           string  `json:"run_id" db:"run_id"`
	FeedID          string  `json:"feed_id" db:"feed_id"`
	OfferID         string  `json:"offer_id" db:"offer_id"`
	Payload         []byte  `json:"payload,omitempty" db:"payload"`
	PayloadHash     string  `json:"payload_hash" db:"payload_hash"`
	SourceUpdatedAt time.Time `json:"source_updated_at" db:"source_updated_at"`

	ConsolidationStatus ConsolidationStatus `json:"consolidation_status" db:"consolidation_status"`
	ClaimedAt           *time.Time          `json:"claimed_at,omitempty" db:"claimed_at"`
	ClaimedBy           *string             `json:"claimed_by,omitempty" db:"claimed_by"`
	ConsolidatedAt      *time.Time          `json:"consolidated_at,omitempty" db:"consolidated_at"`
}

// CanonicalRecord is the output table row the rest of the system consumes.
// Individual field semantics beyond what the core reads/writes are
// out-of-scope per §1; this struct carries exactly the fields the
// consolidator itself reads or writes (price, rating, identity,
// dedupe/no-op keys) plus an opaque Attributes blob for everything else
// the pricing/rating rules or downstream readers care about.
type CanonicalRecord struct {
	FeedID          string    `json:"feed_id" db:"feed_id"`
	SupplierStoneID string    `json:"supplier_stone_id" db:"supplier_stone_id"`
	OfferID         string    `json:"offer_id" db:"offer_id"`

	ComputedPrice int64   `json:"computed_price" db:"computed_price"`
	Rating        float64 `json:"rating" db:"rating"`
	Status        string  `json:"status" db:"status"`

	SourceUpdatedAt time.Time `json:"source_updated_at" db:"source_updated_at"`
	Attributes      []byte    `json:"attributes,omitempty" db:"attributes"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// NoOpAgainst reports whether upserting `other` over this record would be a
// no-op per the invariant in §3: "upsert is a no-op when (sourceUpdatedAt,
// computedPrice, status) are unchanged."
func (c CanonicalRecord) NoOpAgainst(other CanonicalRecord) bool {
	return c.SourceUpdatedAt.Equal(other.SourceUpdatedAt) &&
		c.ComputedPrice == other.ComputedPrice &&
		c.Status == other.Status
}

// Watermark is the per-feed progress marker persisted to object storage.
type Watermark struct {
	FeedID             string    `json:"feed_id"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
	LastRunID          string    `json:"last_run_id"`
	LastRunCompletedAt time.Time `json:"last_run_completed_at"`
}

// DatasetVersion is the monotonic per-feed counter downstream caches use to
// invalidate.
type DatasetVersion struct {
	FeedID  string `json:"feed_id" db:"feed_id"`
	Version int64  `json:"version" db:"version"`
}

// PricingRule and RatingRule are opaque rule rows; evaluation of these is
// explicitly out-of-scope (§1: "treated as pure functions from
// (raw_attributes, rules) to (price, rating)"), so only the identity and
// raw definition needed to load and pass them to the evaluator are modeled
// here.
type PricingRule struct {
	ID         string `json:"id" db:"id"`
	FeedID     string `json:"feed_id" db:"feed_id"`
	Definition []byte `json:"definition" db:"definition"`
}

type RatingRule struct {
	ID         string `json:"id" db:"id"`
	FeedID     string `json:"feed_id" db:"feed_id"`
	Definition []byte `json:"definition" db:"definition"`
}

// ErrorLog is a persisted failure record, the durable half of the
// fire-and-forget error-log sink described in §9.
type ErrorLog struct {
	ID        int64     `json:"id" db:"id"`
	FeedID    string    `json:"feed_id" db:"feed_id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Stage     string    `json:"stage" db:"stage"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
