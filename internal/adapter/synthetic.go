package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// syntheticItem is the shape synthetic.Payload()/MapRawToCanonical()
// exchange; it stands in for whatever wire format a real REST/GraphQL
// supplier would use.
type syntheticItem struct {
	StoneID   string    `json:"stone_id"`
	OfferID   string    `json:"offer_id"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Shape     string    `json:"shape"`
	CaratSize float64   `json:"carat_size"`
}

// Synthetic is an in-memory, deterministic SupplierAdapter used by tests
// and local demos, matching §4.1's "variants may be {REST, GraphQL,
// file-drop, synthetic}".
type Synthetic struct {
	meta  Meta
	items []syntheticItem // sorted by CreatedAt ascending, the adapter's native order
}

// NewSynthetic builds a Synthetic adapter whose inventory is deterministic
// for a given item count and priceFn: item i gets price priceFn(i), so the
// caller's priceFn alone decides the price range and density curve.
func NewSynthetic(meta Meta, count int, priceFn func(i int) int64) *Synthetic {
	items := make([]syntheticItem, 0, count)
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		items = append(items, syntheticItem{
			StoneID:   fmt.Sprintf("stone-%06d", i),
			OfferID:   fmt.Sprintf("offer-%06d", i),
			Price:     priceFn(i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
			Shape:     "round",
			CaratSize: 1.0,
		})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].CreatedAt.Before(items[b].CreatedAt) })
	return &Synthetic{meta: meta, items: items}
}

func (s *Synthetic) Meta() Meta { return s.meta }

func (s *Synthetic) matches(it syntheticItem, q Query) bool {
	if it.Price < q.PriceMin || it.Price >= q.PriceMax {
		return false
	}
	if !q.UpdatedFrom.IsZero() && it.UpdatedAt.Before(q.UpdatedFrom) {
		return false
	}
	if !q.UpdatedTo.IsZero() && it.UpdatedAt.After(q.UpdatedTo) {
		return false
	}
	return true
}

func (s *Synthetic) GetCount(_ context.Context, q Query) (int, error) {
	n := 0
	for _, it := range s.items {
		if s.matches(it, q) {
			n++
		}
	}
	return n, nil
}

func (s *Synthetic) Search(_ context.Context, q Query, offset, limit int, order Order) (SearchResult, error) {
	if limit > s.meta.MaxPageSize && s.meta.MaxPageSize > 0 {
		limit = s.meta.MaxPageSize
	}

	var matched []syntheticItem
	for _, it := range s.items {
		if s.matches(it, q) {
			matched = append(matched, it)
		}
	}
	// s.items is already createdAt ascending; matched preserves that order.

	total := len(matched)
	if offset >= total {
		return SearchResult{Items: nil, TotalCount: total}, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := matched[offset:end]
	out := make([]Item, 0, len(page))
	for _, it := range page {
		payload, _ := json.Marshal(it)
		sum := sha256.Sum256(payload)
		out = append(out, Item{
			SupplierStoneID: it.StoneID,
			OfferID:         it.OfferID,
			SourceUpdatedAt: it.UpdatedAt,
			Payload:         payload,
			PayloadHash:     hex.EncodeToString(sum[:]),
		})
	}
	return SearchResult{Items: out, TotalCount: total}, nil
}

func (s *Synthetic) MapRawToCanonical(payload []byte) (CanonicalFields, error) {
	var it syntheticItem
	if err := json.Unmarshal(payload, &it); err != nil {
		return CanonicalFields{}, NewError(KindProtocol, err)
	}
	attrs, _ := json.Marshal(map[string]any{
		"price":      it.Price,
		"shape":      it.Shape,
		"carat_size": it.CaratSize,
	})
	return CanonicalFields{
		OfferID:         it.OfferID,
		RawAttributes:   attrs,
		SourceUpdatedAt: it.UpdatedAt,
		Status:          "available",
	}, nil
}
