package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/config"
	"github.com/shaunnez/diamond-opus-sub003/internal/heatmap"
	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/shaunnez/diamond-opus-sub003/internal/objectstore"
	"github.com/shaunnez/diamond-opus-sub003/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSchedulerRepo struct {
	created []models.Run
	zeroRun []models.Run
}

func (f *fakeSchedulerRepo) CreateRun(ctx context.Context, run models.Run) error {
	f.created = append(f.created, run)
	return nil
}

func (f *fakeSchedulerRepo) CompleteZeroWorkRun(ctx context.Context, run models.Run) error {
	f.zeroRun = append(f.zeroRun, run)
	return nil
}

func testHeatmapConfig() config.Heatmap {
	return config.Heatmap{
		MinPrice:              0,
		MaxPrice:              10000,
		DenseZoneThreshold:    2000,
		DenseZoneStep:         500,
		InitialStep:           500,
		TargetRecordsPerChunk: 50,
		MaxWorkers:            5,
		MinRecordsPerWorker:   5,
		Concurrency:           2,
	}
}

func newTestMemObjectStore(t *testing.T) *objectstore.WatermarkStore {
	t.Helper()
	store := objectstore.NewFileStore(t.TempDir())
	return objectstore.NewWatermarkStore(store)
}

func TestTrigger_FullRunEnqueuesPartitionsAndCreatesRun(t *testing.T) {
	repo := &fakeSchedulerRepo{}
	wm := newTestMemObjectStore(t)
	scanner := heatmap.NewScanner(testHeatmapConfig(), zap.NewNop().Sugar())
	q := queue.NewMemQueue()
	cfg := &config.Config{WorkerPageSize: 50, WorkItemsTopic: "work-items", FullRunStartDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}

	s := New(repo, wm, scanner, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 300)}, cfg, zap.NewNop().Sugar())

	ad := syntheticAdapter("acme", 300)
	run, err := s.Trigger(context.Background(), ad, models.RunTypeFull, false)
	require.NoError(t, err)

	require.Len(t, repo.created, 1)
	assert.Equal(t, run.RunID, repo.created[0].RunID)
	assert.Greater(t, run.ExpectedWorkers, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msg, err := q.ConsumeOnce(ctx, "work-items")
	require.NoError(t, err)
	var wmsg models.WorkMessage
	require.NoError(t, queue.Decode(msg.Value, &wmsg))
	assert.Equal(t, 0, wmsg.Offset)
	assert.Equal(t, run.RunID, wmsg.RunID)
	assert.False(t, wmsg.Force)
}

func TestTrigger_ForceStampsRunAndWorkMessages(t *testing.T) {
	repo := &fakeSchedulerRepo{}
	wm := newTestMemObjectStore(t)
	scanner := heatmap.NewScanner(testHeatmapConfig(), zap.NewNop().Sugar())
	q := queue.NewMemQueue()
	cfg := &config.Config{WorkerPageSize: 50, WorkItemsTopic: "work-items", FullRunStartDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}

	s := New(repo, wm, scanner, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 300)}, cfg, zap.NewNop().Sugar())

	ad := syntheticAdapter("acme", 300)
	run, err := s.Trigger(context.Background(), ad, models.RunTypeFull, true)
	require.NoError(t, err)
	assert.True(t, run.Force)
	require.Len(t, repo.created, 1)
	assert.True(t, repo.created[0].Force)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msg, err := q.ConsumeOnce(ctx, "work-items")
	require.NoError(t, err)
	var wmsg models.WorkMessage
	require.NoError(t, queue.Decode(msg.Value, &wmsg))
	assert.True(t, wmsg.Force)
}

func TestTrigger_EmptyInventoryTakesZeroWorkPath(t *testing.T) {
	repo := &fakeSchedulerRepo{}
	wm := newTestMemObjectStore(t)
	scanner := heatmap.NewScanner(testHeatmapConfig(), zap.NewNop().Sugar())
	q := queue.NewMemQueue()
	cfg := &config.Config{WorkerPageSize: 50, WorkItemsTopic: "work-items", FullRunStartDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}

	s := New(repo, wm, scanner, q, map[string]adapter.SupplierAdapter{"acme": syntheticAdapter("acme", 0)}, cfg, zap.NewNop().Sugar())

	ad := syntheticAdapter("acme", 0)
	_, err := s.Trigger(context.Background(), ad, models.RunTypeFull, false)
	require.NoError(t, err)

	assert.Empty(t, repo.created)
	require.Len(t, repo.zeroRun, 1)
}

func syntheticAdapter(feedID string, count int) adapter.SupplierAdapter {
	return adapter.NewSynthetic(adapter.Meta{FeedID: feedID, MaxPageSize: 1000}, count, func(i int) int64 {
		return int64(i % 10000)
	})
}
