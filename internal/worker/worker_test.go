package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/shaunnez/diamond-opus-sub003/internal/queue"
	"github.com/shaunnez/diamond-opus-sub003/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRepo is a minimal in-memory stand-in for Repo, following the
// teacher's convention (confirmed against postgres_ingest_test.go) of
// testing orchestration logic without a live database.
type fakeRepo struct {
	mu         sync.Mutex
	progress   map[string]models.PartitionProgress
	runs       map[string]*models.Run
	rawRecords map[string][]models.RawRecord
	failedCol  map[string]bool
}

func newFakeRepo(run models.Run) *fakeRepo {
	return &fakeRepo{
		progress:   make(map[string]models.PartitionProgress),
		runs:       map[string]*models.Run{run.RunID: &run},
		rawRecords: make(map[string][]models.RawRecord),
		failedCol:  make(map[string]bool),
	}
}

func (f *fakeRepo) EnsureWorkerRun(ctx context.Context, runID, partitionID string) error { return nil }
func (f *fakeRepo) CompleteWorkerRun(ctx context.Context, runID, partitionID, status string) error {
	return nil
}

func (f *fakeRepo) GetOrCreatePartitionProgress(ctx context.Context, runID, partitionID string) (models.PartitionProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "/" + partitionID
	p, ok := f.progress[key]
	if !ok {
		p = models.PartitionProgress{RunID: runID, PartitionID: partitionID}
		f.progress[key] = p
	}
	return p, nil
}

func (f *fakeRepo) UpdateOffset(ctx context.Context, runID, partitionID string, fromOffset, toOffset int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "/" + partitionID
	p := f.progress[key]
	if p.Terminal() || p.NextOffset != fromOffset {
		return false, nil
	}
	p.NextOffset = toOffset
	f.progress[key] = p
	return true, nil
}

func (f *fakeRepo) CompletePartition(ctx context.Context, runID, partitionID string, atOffset int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "/" + partitionID
	p := f.progress[key]
	if p.Terminal() || p.NextOffset != atOffset {
		return false, nil
	}
	p.Completed = true
	f.progress[key] = p
	return true, nil
}

func (f *fakeRepo) MarkPartitionFailed(ctx context.Context, runID, partitionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "/" + partitionID
	p := f.progress[key]
	if p.Terminal() {
		return false, nil
	}
	p.Failed = true
	f.progress[key] = p
	return true, nil
}

func (f *fakeRepo) UpsertRawRecords(ctx context.Context, feedID string, records []models.RawRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawRecords[feedID] = append(f.rawRecords[feedID], records...)
	return nil
}

func (f *fakeRepo) IncrementCompletedWorkers(ctx context.Context, runID string) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	r.CompletedWorkers++
	return *r, nil
}

func (f *fakeRepo) IncrementFailedWorkers(ctx context.Context, runID string) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	r.FailedWorkers++
	return *r, nil
}

func testConfig() Config {
	return Config{WorkItemsTopic: "work-items", WorkDoneTopic: "work-done", ConsolidateTopic: "consolidate"}
}

func syntheticAdapter(feedID string, count int) adapter.SupplierAdapter {
	return adapter.NewSynthetic(adapter.Meta{FeedID: feedID, MaxPageSize: 1000}, count, func(i int) int64 {
		return int64(i) * 100
	})
}

func TestProcess_FinalPageCompletesPartitionAndTriggersConsolidate(t *testing.T) {
	run := models.Run{RunID: "run-1", FeedID: "acme", ExpectedWorkers: 1}
	repo := newFakeRepo(run)
	q := queue.NewMemQueue()
	w := New("worker-1", repo, dummyLimiter{}, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 5)}, testConfig(), zap.NewNop().Sugar())

	msg := models.WorkMessage{RunID: "run-1", FeedID: "acme", PartitionID: "partition-0", PriceMax: 1_000_000, Offset: 0, Limit: 10}
	require.NoError(t, w.Process(context.Background(), msg))

	p, err := repo.GetOrCreatePartitionProgress(context.Background(), "run-1", "partition-0")
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.Len(t, repo.rawRecords["acme"], 5)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msgOut, err := q.ConsumeOnce(ctx, "consolidate")
	require.NoError(t, err)
	var cm models.ConsolidateMessage
	require.NoError(t, queue.Decode(msgOut.Value, &cm))
	assert.Equal(t, "run-1", cm.RunID)
}

func TestProcess_NonFinalPageEnqueuesContinuation(t *testing.T) {
	run := models.Run{RunID: "run-2", FeedID: "acme", ExpectedWorkers: 1}
	repo := newFakeRepo(run)
	q := queue.NewMemQueue()
	w := New("worker-1", repo, dummyLimiter{}, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 25)}, testConfig(), zap.NewNop().Sugar())

	msg := models.WorkMessage{RunID: "run-2", FeedID: "acme", PartitionID: "partition-0", PriceMax: 1_000_000, Offset: 0, Limit: 10}
	require.NoError(t, w.Process(context.Background(), msg))

	p, err := repo.GetOrCreatePartitionProgress(context.Background(), "run-2", "partition-0")
	require.NoError(t, err)
	assert.False(t, p.Completed)
	assert.Equal(t, 10, p.NextOffset)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msgOut, err := q.ConsumeOnce(ctx, "work-items")
	require.NoError(t, err)
	var next models.WorkMessage
	require.NoError(t, queue.Decode(msgOut.Value, &next))
	assert.Equal(t, 10, next.Offset)
}

func TestProcess_StaleOffsetSkipsAsNoOp(t *testing.T) {
	run := models.Run{RunID: "run-3", FeedID: "acme", ExpectedWorkers: 1}
	repo := newFakeRepo(run)
	repo.progress["run-3/partition-0"] = models.PartitionProgress{RunID: "run-3", PartitionID: "partition-0", NextOffset: 20}

	q := queue.NewMemQueue()
	w := New("worker-1", repo, dummyLimiter{}, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 25)}, testConfig(), zap.NewNop().Sugar())

	msg := models.WorkMessage{RunID: "run-3", FeedID: "acme", PartitionID: "partition-0", PriceMax: 1_000_000, Offset: 0, Limit: 10}
	require.NoError(t, w.Process(context.Background(), msg))

	assert.Empty(t, repo.rawRecords["acme"])
}

func TestProcess_TerminalPartitionSkipsAsNoOp(t *testing.T) {
	run := models.Run{RunID: "run-4", FeedID: "acme", ExpectedWorkers: 1}
	repo := newFakeRepo(run)
	repo.progress["run-4/partition-0"] = models.PartitionProgress{RunID: "run-4", PartitionID: "partition-0", Completed: true}

	q := queue.NewMemQueue()
	w := New("worker-1", repo, dummyLimiter{}, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 25)}, testConfig(), zap.NewNop().Sugar())

	msg := models.WorkMessage{RunID: "run-4", FeedID: "acme", PartitionID: "partition-0", PriceMax: 1_000_000, Offset: 0, Limit: 10}
	require.NoError(t, w.Process(context.Background(), msg))

	assert.Empty(t, repo.rawRecords["acme"])
}

func TestProcess_RateLimiterTimeoutFailsPartition(t *testing.T) {
	run := models.Run{RunID: "run-5", FeedID: "acme", ExpectedWorkers: 1}
	repo := newFakeRepo(run)
	q := queue.NewMemQueue()
	w := New("worker-1", repo, timeoutLimiter{}, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 5)}, testConfig(), zap.NewNop().Sugar())

	msg := models.WorkMessage{RunID: "run-5", FeedID: "acme", PartitionID: "partition-0", PriceMax: 1_000_000, Offset: 0, Limit: 10}
	err := w.Process(context.Background(), msg)
	require.Error(t, err)

	p, err := repo.GetOrCreatePartitionProgress(context.Background(), "run-5", "partition-0")
	require.NoError(t, err)
	assert.True(t, p.Failed)
	assert.Equal(t, 1, repo.runs["run-5"].FailedWorkers)
}

func TestProcess_ForceTriggersConsolidateDespitePriorFailure(t *testing.T) {
	run := models.Run{RunID: "run-6", FeedID: "acme", ExpectedWorkers: 2, FailedWorkers: 1}
	repo := newFakeRepo(run)
	q := queue.NewMemQueue()
	w := New("worker-1", repo, dummyLimiter{}, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 5)}, testConfig(), zap.NewNop().Sugar())

	msg := models.WorkMessage{RunID: "run-6", FeedID: "acme", PartitionID: "partition-0", PriceMax: 1_000_000, Offset: 0, Limit: 10, Force: true}
	require.NoError(t, w.Process(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msgOut, err := q.ConsumeOnce(ctx, "consolidate")
	require.NoError(t, err)
	var cm models.ConsolidateMessage
	require.NoError(t, queue.Decode(msgOut.Value, &cm))
	assert.Equal(t, "run-6", cm.RunID)
	assert.True(t, cm.Force)
}

func TestProcess_NoForceSkipsConsolidateAfterPriorFailure(t *testing.T) {
	run := models.Run{RunID: "run-7", FeedID: "acme", ExpectedWorkers: 2, FailedWorkers: 1}
	repo := newFakeRepo(run)
	q := queue.NewMemQueue()
	w := New("worker-1", repo, dummyLimiter{}, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 5)}, testConfig(), zap.NewNop().Sugar())

	msg := models.WorkMessage{RunID: "run-7", FeedID: "acme", PartitionID: "partition-0", PriceMax: 1_000_000, Offset: 0, Limit: 10}
	require.NoError(t, w.Process(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.ConsumeOnce(ctx, "consolidate")
	assert.Error(t, err)
}

type dummyLimiter struct{}

func (dummyLimiter) Acquire(ctx context.Context, feedID string) (bool, error) { return true, nil }

type timeoutLimiter struct{}

func (timeoutLimiter) Acquire(ctx context.Context, feedID string) (bool, error) { return false, nil }

var _ ratelimit.Limiter = dummyLimiter{}
