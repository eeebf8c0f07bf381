package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemStore is an in-process Store used by tests and local runs, backing
// each key with a golang.org/x/time/rate.Limiter the way the teacher's
// api.ipLimiter backs each client IP. It satisfies the same Store contract
// a distributed Postgres row would, so DBLimiter's polling logic is
// exercised identically whether the backing store is local or shared.
type MemStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMemStore() *MemStore {
	return &MemStore{limiters: make(map[string]*rate.Limiter)}
}

func (m *MemStore) TryAcquireToken(_ context.Context, key string, maxPerWindow int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[key]
	if !ok {
		rps := rate.Limit(float64(maxPerWindow) / window.Seconds())
		l = rate.NewLimiter(rps, maxPerWindow)
		m.limiters[key] = l
	}
	return l.Allow(), nil
}
