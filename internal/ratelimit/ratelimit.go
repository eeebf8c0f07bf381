// Package ratelimit implements the distributed token bucket described in
// §5/§9: a single supplier budget shared across the whole worker fleet, so
// an in-process limiter per worker is insufficient. The bucket's state
// lives in one row per (feedId, "global") key, mutated under the same
// conditional-update discipline the teacher uses for worker_leases in
// postgres_leasing.go — a SELECT ... FOR UPDATE window refill followed by a
// conditional decrement, never an in-memory counter.
package ratelimit

import (
	"context"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/metrics"
)

// Limiter is the capability every rate-limited call site depends on.
// Acquire blocks (honoring ctx) until a token is available or maxWait
// elapses, returning ok=false on timeout per §5's "acquire() -> ok |
// timeout" contract.
type Limiter interface {
	Acquire(ctx context.Context, feedID string) (ok bool, err error)
}

// Store is the persistence seam a Limiter uses to mutate the shared bucket
// row. A Postgres-backed implementation lives in internal/repository
// (Repository.TryAcquireToken); tests use an in-memory Store.
type Store interface {
	// TryAcquireToken atomically refills the bucket for key if the current
	// window has elapsed, then decrements it if count > 0. Returns
	// acquired=true when a token was taken.
	TryAcquireToken(ctx context.Context, key string, maxPerWindow int, window time.Duration) (acquired bool, err error)
}

// key is the bucket identity called out in §5: "(feedId, 'global')".
func key(feedID string) string {
	return feedID + ":global"
}

// DBLimiter polls Store.TryAcquireToken until it succeeds or maxWait
// elapses. Polling (rather than a blocking DB primitive) is the same
// approach the teacher's reaper loop uses against worker_leases: a cheap,
// short-interval retry against a row that many processes contend for.
type DBLimiter struct {
	store        Store
	maxPerWindow int
	window       time.Duration
	maxWait      time.Duration
	pollInterval time.Duration
}

func NewDBLimiter(store Store, maxPerWindow int, window, maxWait time.Duration) *DBLimiter {
	return &DBLimiter{
		store:        store,
		maxPerWindow: maxPerWindow,
		window:       window,
		maxWait:      maxWait,
		pollInterval: 25 * time.Millisecond,
	}
}

func (l *DBLimiter) Acquire(ctx context.Context, feedID string) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.RateLimiterWaitSeconds.WithLabelValues(feedID).Observe(time.Since(start).Seconds())
	}()

	deadline := start.Add(l.maxWait)
	k := key(feedID)

	for {
		acquired, err := l.store.TryAcquireToken(ctx, k, l.maxPerWindow, l.window)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}
