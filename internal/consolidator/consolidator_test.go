package consolidator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/shaunnez/diamond-opus-sub003/internal/objectstore"
	"github.com/shaunnez/diamond-opus-sub003/internal/pricing"
	"github.com/shaunnez/diamond-opus-sub003/internal/queue"
	"github.com/shaunnez/diamond-opus-sub003/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConsolidatorRepo struct {
	mu          sync.Mutex
	run         models.Run
	claims      []repository.RawClaim
	canonical   []models.CanonicalRecord
	done        []string
	failed      []string
	statsCalled bool
	versionCall int
}

func (f *fakeConsolidatorRepo) GetRun(ctx context.Context, runID string) (models.Run, error) {
	return f.run, nil
}

func (f *fakeConsolidatorRepo) MarkConsolidationStarted(ctx context.Context, runID string) error {
	return nil
}

func (f *fakeConsolidatorRepo) ResetStuckClaims(ctx context.Context, feedID string, ttl time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeConsolidatorRepo) LoadPricingRules(ctx context.Context, feedID string) ([]models.PricingRule, error) {
	return nil, nil
}

func (f *fakeConsolidatorRepo) LoadRatingRules(ctx context.Context, feedID string) ([]models.RatingRule, error) {
	return nil, nil
}

func (f *fakeConsolidatorRepo) ClaimBatch(ctx context.Context, feedID, instanceID string, batchSize int) ([]repository.RawClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claims) == 0 {
		return nil, nil
	}
	n := batchSize
	if n > len(f.claims) {
		n = len(f.claims)
	}
	batch := f.claims[:n]
	f.claims = f.claims[n:]
	return batch, nil
}

func (f *fakeConsolidatorRepo) UpsertCanonicalRecords(ctx context.Context, records []models.CanonicalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canonical = append(f.canonical, records...)
	return nil
}

func (f *fakeConsolidatorRepo) MarkRawDone(ctx context.Context, feedID string, ids []string, clearPayload bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, ids...)
	return nil
}

func (f *fakeConsolidatorRepo) MarkRawFailed(ctx context.Context, feedID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, ids...)
	return nil
}

func (f *fakeConsolidatorRepo) RecordRunStats(ctx context.Context, stats repository.RunStats) error {
	f.statsCalled = true
	return nil
}

func (f *fakeConsolidatorRepo) BumpDatasetVersion(ctx context.Context, feedID string) (int64, error) {
	f.versionCall++
	return int64(f.versionCall), nil
}

func (f *fakeConsolidatorRepo) LogError(ctx context.Context, entry models.ErrorLog) error {
	return nil
}

func syntheticAdapter(feedID string, count int) adapter.SupplierAdapter {
	return adapter.NewSynthetic(adapter.Meta{FeedID: feedID, MaxPageSize: 1000}, count, func(i int) int64 {
		return int64(i) * 10
	})
}

func payloadFor(t *testing.T, ad adapter.SupplierAdapter, stoneID string) []byte {
	t.Helper()
	res, err := ad.Search(context.Background(), adapter.Query{PriceMax: 1_000_000}, 0, 1000, adapter.OrderCreatedAtAsc)
	require.NoError(t, err)
	for _, item := range res.Items {
		if item.SupplierStoneID == stoneID {
			return item.Payload
		}
	}
	t.Fatalf("stone %s not found", stoneID)
	return nil
}

func TestConsolidate_ClaimsMapsAndWritesCanonicalRecords(t *testing.T) {
	ad := syntheticAdapter("acme", 5)

	repo := &fakeConsolidatorRepo{
		run: models.Run{RunID: "run-1", FeedID: "acme", ExpectedWorkers: 1, CompletedWorkers: 1},
		claims: []repository.RawClaim{
			{ID: "1", SupplierStoneID: "stone-000000", Payload: payloadFor(t, ad, "stone-000000")},
			{ID: "2", SupplierStoneID: "stone-000001", Payload: payloadFor(t, ad, "stone-000001")},
		},
	}

	store := objectstore.NewWatermarkStore(objectstore.NewFileStore(t.TempDir()))
	q := queue.NewMemQueue()
	cfg := Config{BatchSize: 10, UpsertBatchSize: 5, Concurrency: 2, ClaimTTL: 10 * time.Minute, ClearPayload: true}

	c := New("instance-1", repo, store, map[string]adapter.SupplierAdapter{"acme": ad}, pricing.NewDefaultEvaluator(), q, cfg, zap.NewNop().Sugar())

	err := c.Consolidate(context.Background(), models.ConsolidateMessage{RunID: "run-1", FeedID: "acme", UpdatedTo: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	assert.Len(t, repo.canonical, 2)
	assert.Len(t, repo.done, 2)
	assert.Empty(t, repo.failed)
	assert.True(t, repo.statsCalled)
	assert.Equal(t, 1, repo.versionCall)

	wm, err := store.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "run-1", wm.LastRunID)
}

func TestConsolidate_SkipsWhenWorkerFailuresPresentAndNotForced(t *testing.T) {
	ad := syntheticAdapter("acme", 5)
	repo := &fakeConsolidatorRepo{
		run:    models.Run{RunID: "run-2", FeedID: "acme", ExpectedWorkers: 2, CompletedWorkers: 1, FailedWorkers: 1},
		claims: []repository.RawClaim{{ID: "1", SupplierStoneID: "stone-000000", Payload: payloadFor(t, ad, "stone-000000")}},
	}

	store := objectstore.NewWatermarkStore(objectstore.NewFileStore(t.TempDir()))
	q := queue.NewMemQueue()
	cfg := Config{BatchSize: 10, UpsertBatchSize: 5, Concurrency: 2, ClaimTTL: 10 * time.Minute}

	c := New("instance-1", repo, store, map[string]adapter.SupplierAdapter{"acme": ad}, pricing.NewDefaultEvaluator(), q, cfg, zap.NewNop().Sugar())

	err := c.Consolidate(context.Background(), models.ConsolidateMessage{RunID: "run-2", FeedID: "acme"})
	require.NoError(t, err)

	assert.Empty(t, repo.canonical)
	assert.False(t, repo.statsCalled)
}

func TestConsolidate_MalformedPayloadMovesRowToFailed(t *testing.T) {
	ad := syntheticAdapter("acme", 1)
	repo := &fakeConsolidatorRepo{
		run: models.Run{RunID: "run-3", FeedID: "acme", ExpectedWorkers: 1, CompletedWorkers: 1},
		claims: []repository.RawClaim{
			{ID: "1", SupplierStoneID: "stone-bad", Payload: []byte("not json")},
		},
	}

	store := objectstore.NewWatermarkStore(objectstore.NewFileStore(t.TempDir()))
	q := queue.NewMemQueue()
	cfg := Config{BatchSize: 10, UpsertBatchSize: 5, Concurrency: 1, ClaimTTL: 10 * time.Minute}

	c := New("instance-1", repo, store, map[string]adapter.SupplierAdapter{"acme": ad}, pricing.NewDefaultEvaluator(), q, cfg, zap.NewNop().Sugar())

	err := c.Consolidate(context.Background(), models.ConsolidateMessage{RunID: "run-3", FeedID: "acme"})
	require.NoError(t, err)

	assert.Empty(t, repo.canonical)
	assert.Equal(t, []string{"1"}, repo.failed)
}

func TestConsolidate_ChainTriggersNextFeedSchedulerTopic(t *testing.T) {
	ad := syntheticAdapter("acme", 0)
	repo := &fakeConsolidatorRepo{run: models.Run{RunID: "run-4", FeedID: "acme", ExpectedWorkers: 1, CompletedWorkers: 1}}

	store := objectstore.NewWatermarkStore(objectstore.NewFileStore(t.TempDir()))
	q := queue.NewMemQueue()
	cfg := Config{BatchSize: 10, UpsertBatchSize: 5, Concurrency: 1, ClaimTTL: 10 * time.Minute, FeedChain: map[string]string{"acme": "acme-derived"}, TriggerTopic: "scheduler-trigger"}

	c := New("instance-1", repo, store, map[string]adapter.SupplierAdapter{"acme": ad}, pricing.NewDefaultEvaluator(), q, cfg, zap.NewNop().Sugar())

	err := c.Consolidate(context.Background(), models.ConsolidateMessage{RunID: "run-4", FeedID: "acme"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msg, err := q.ConsumeOnce(ctx, "scheduler-trigger")
	require.NoError(t, err)

	var tm models.TriggerMessage
	require.NoError(t, queue.Decode(msg.Value, &tm))
	assert.Equal(t, "acme-derived", tm.FeedID)
}
