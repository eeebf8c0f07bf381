package adapter

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey identifies one counted query shape in the cache: GetCount is
// declared monotone in query tightness by §4.1, so a count for the exact
// same (price, updated, shape) tuple can be reused for the lifetime of the
// cache without staleness beyond that window.
type cacheKey struct {
	priceMin, priceMax int64
	updatedFrom        int64
	updatedTo          int64
	shapes             string
}

// CachingAdapter wraps a SupplierAdapter and memoizes GetCount results in a
// bounded LRU, the "MAY be cached by the adapter" clause in §4.1. The
// heatmap scanner reissues overlapping count queries across its dense-zone
// and adaptive passes (and a two-pass scan reprobes refined boundaries), so
// a small cache removes real round trips without affecting correctness:
// Search and MapRawToCanonical are untouched, and the cache is keyed on the
// query shape, never the offset/limit of a page.
type CachingAdapter struct {
	SupplierAdapter
	cache *lru.Cache[cacheKey, int]
}

// NewCaching wraps ad with an LRU of the given size. size <= 0 disables
// caching and returns ad unwrapped, since an lru.Cache requires a positive
// capacity.
func NewCaching(ad SupplierAdapter, size int) SupplierAdapter {
	if size <= 0 {
		return ad
	}
	c, err := lru.New[cacheKey, int](size)
	if err != nil {
		// size <= 0 is the only error path in lru.New and is already
		// excluded above, so this is unreachable in practice.
		return ad
	}
	return &CachingAdapter{SupplierAdapter: ad, cache: c}
}

func (c *CachingAdapter) GetCount(ctx context.Context, q Query) (int, error) {
	key := cacheKey{
		priceMin:    q.PriceMin,
		priceMax:    q.PriceMax,
		updatedFrom: q.UpdatedFrom.Unix(),
		updatedTo:   q.UpdatedTo.Unix(),
		shapes:      fmt.Sprint(q.Shapes),
	}
	if n, ok := c.cache.Get(key); ok {
		return n, nil
	}
	n, err := c.SupplierAdapter.GetCount(ctx, q)
	if err != nil {
		return 0, err
	}
	c.cache.Add(key, n)
	return n, nil
}
