// Package adapter defines the supplier adapter capability set (C1): the
// polymorphic interface that hides supplier-specific wire protocols from
// the heatmap partitioner, worker fleet, and consolidator. The teacher
// models this kind of seam as a Go interface plus a small metadata struct
// rather than class inheritance (internal/flow.Client played the same role
// for the Flow blockchain RPC surface); see DESIGN.md.
package adapter

import (
	"context"
	"time"
)

// Order is always createdAt ascending per §4.1: "order is always required
// and is always createdAt ASC to guarantee that items do not shift between
// pages during a run."
type Order string

const OrderCreatedAtAsc Order = "createdAt ASC"

// Query is the flat, supplier-agnostic filter record. Each adapter
// translates this into its native request shape.
type Query struct {
	PriceMin int64 // inclusive, minor units
	PriceMax int64 // exclusive (half-open), minor units

	UpdatedFrom time.Time
	UpdatedTo   time.Time

	Shapes   []string
	SizeMin  float64
	SizeMax  float64
}

// Item is one raw supplier record as handed back from search, opaque to
// everything except the adapter that produced it and mapRawToCanonical.
type Item struct {
	SupplierStoneID string
	OfferID         string
	SourceUpdatedAt time.Time
	Payload         []byte // opaque blob, supplier's native JSON/etc.
	PayloadHash     string
}

// SearchResult is one deterministically ordered page.
type SearchResult struct {
	Items      []Item
	TotalCount int
}

// CanonicalFields is the pure-function output of mapRawToCanonical: no I/O,
// just a transform of the opaque payload into the fields the core itself
// reads or writes. Pricing/rating rule evaluation is layered on top of this
// by internal/pricing, not inside the adapter.
type CanonicalFields struct {
	OfferID         string
	RawAttributes   []byte // passed verbatim to the pricing/rating evaluator
	SourceUpdatedAt time.Time
	Status          string
}

// HeatmapTuning lets a supplier override the default heatmap scan
// parameters (e.g. a supplier whose catalog clusters differently).
type HeatmapTuning struct {
	DenseZoneThreshold int64
	DenseZoneStep      int64
	InitialStep        int64
}

// Authenticator is an optional capability a SupplierAdapter may implement
// to refresh its credentials after an auth failure. §4.1/§7: "auth triggers
// re-authentication once then fails" — adapters that never fail with
// KindAuth (Synthetic included) have no need to implement this.
type Authenticator interface {
	Reauthenticate(ctx context.Context) error
}

// Meta is the supplier-adapter metadata bundle from §4.1.
type Meta struct {
	FeedID         string
	RawTable       string
	WatermarkName  string
	MaxPageSize    int
	HeatmapTuning  HeatmapTuning
}

// SupplierAdapter is the capability set every supplier implementation must
// satisfy. One implementation per supplier; the worker and consolidator
// stay adapter-agnostic by depending only on this interface.
type SupplierAdapter interface {
	// GetCount returns the exact number of items matching q. Must be
	// monotone in query tightness. May be cached by the adapter.
	GetCount(ctx context.Context, q Query) (int, error)

	// Search returns a deterministically ordered page. limit is clamped to
	// Meta().MaxPageSize by the implementation.
	Search(ctx context.Context, q Query, offset, limit int, order Order) (SearchResult, error)

	// MapRawToCanonical is a pure function: no I/O, no retries.
	MapRawToCanonical(payload []byte) (CanonicalFields, error)

	Meta() Meta
}
