package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBLimiter_AcquireWithinBudget(t *testing.T) {
	store := NewMemStore()
	l := NewDBLimiter(store, 2, time.Second, 50*time.Millisecond)

	ok, err := l.Acquire(context.Background(), "feed-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(context.Background(), "feed-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDBLimiter_TimesOutWhenExhausted(t *testing.T) {
	store := NewMemStore()
	l := NewDBLimiter(store, 1, time.Minute, 60*time.Millisecond)

	ok, err := l.Acquire(context.Background(), "feed-b")
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	ok, err = l.Acquire(context.Background(), "feed-b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDBLimiter_KeysAreIsolatedPerFeed(t *testing.T) {
	store := NewMemStore()
	l := NewDBLimiter(store, 1, time.Minute, 50*time.Millisecond)

	ok, err := l.Acquire(context.Background(), "feed-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(context.Background(), "feed-c")
	require.NoError(t, err)
	assert.True(t, ok, "different feed keys must not share a bucket")
}

func TestDBLimiter_RespectsContextCancellation(t *testing.T) {
	store := NewMemStore()
	l := NewDBLimiter(store, 1, time.Minute, time.Second)

	ok, err := l.Acquire(context.Background(), "feed-d")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx, "feed-d")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
