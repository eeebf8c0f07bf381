// Package scheduler implements C3: on a trigger, resolve the adapter,
// compute the ingestion window, run the heatmap partitioner, create a run
// record, and enqueue one initial work message per partition. It never
// drains the work-items queue itself, following the teacher's pattern of a
// thin trigger entrypoint (AsyncWorker.attemptRange's lease-then-handoff
// shape, here handing off to the worker fleet instead of running inline).
// Its only inbound queue consumption is the scheduler-trigger topic, the
// receiving half of the consolidator's feed-chain hop.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/config"
	"github.com/shaunnez/diamond-opus-sub003/internal/heatmap"
	"github.com/shaunnez/diamond-opus-sub003/internal/idgen"
	"github.com/shaunnez/diamond-opus-sub003/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/shaunnez/diamond-opus-sub003/internal/objectstore"
	"github.com/shaunnez/diamond-opus-sub003/internal/queue"

	"go.uber.org/zap"
)

// Repo is the subset of *repository.Repository the scheduler depends on.
type Repo interface {
	CreateRun(ctx context.Context, run models.Run) error
	CompleteZeroWorkRun(ctx context.Context, run models.Run) error
}

// Scheduler ties the heatmap partitioner, the watermark store, and the
// work-items queue together behind the single Trigger entrypoint named in
// §6.
type Scheduler struct {
	repo      Repo
	watermark *objectstore.WatermarkStore
	scanner   *heatmap.Scanner
	q         queue.Queue
	adapters  map[string]adapter.SupplierAdapter
	cfg       *config.Config
	log       *zap.SugaredLogger
}

func New(repo Repo, watermark *objectstore.WatermarkStore, scanner *heatmap.Scanner, q queue.Queue, adapters map[string]adapter.SupplierAdapter, cfg *config.Config, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{repo: repo, watermark: watermark, scanner: scanner, q: q, adapters: adapters, cfg: cfg, log: log}
}

// Handle implements queue.Handler for the scheduler-trigger topic, the
// receiving half of the consolidator's fire-and-forget feed-chain hop
// (§4.5 step 7).
func (s *Scheduler) Handle(ctx context.Context, msg queue.Message) error {
	var tm models.TriggerMessage
	if err := queue.Decode(msg.Value, &tm); err != nil {
		return fmt.Errorf("scheduler: decode trigger message: %w", err)
	}

	ad, ok := s.adapters[tm.FeedID]
	if !ok {
		return fmt.Errorf("scheduler: no adapter registered for feed %q", tm.FeedID)
	}

	runType := tm.RunType
	if runType == "" {
		runType = models.RunTypeIncremental
	}
	_, err := s.Trigger(ctx, ad, runType, tm.Force)
	return err
}

// Trigger implements §4.3 and the §6 CLI contract (feedId, runType, force).
// force currently only affects whether a worker fleet is allowed to emit
// Consolidate despite partial failures (§4.4 step 10); the scheduler itself
// always enqueues the full partition set regardless of force. force is
// stamped onto the run and onto every enqueued WorkMessage so it survives
// the hop to the worker fleet.
func (s *Scheduler) Trigger(ctx context.Context, ad adapter.SupplierAdapter, runType models.RunType, force bool) (models.Run, error) {
	meta := ad.Meta()

	updatedFrom, err := s.resolveUpdatedFrom(ctx, meta.FeedID, runType)
	if err != nil {
		return models.Run{}, fmt.Errorf("scheduler: resolve window for %s: %w", meta.FeedID, err)
	}
	updatedTo := time.Now().UTC()

	baseQuery := adapter.Query{UpdatedFrom: updatedFrom, UpdatedTo: updatedTo}

	chunks, err := s.scanner.Scan(ctx, ad, baseQuery)
	if err != nil {
		return models.Run{}, fmt.Errorf("scheduler: heatmap scan for %s: %w", meta.FeedID, err)
	}

	partitions := heatmap.BuildPartitions(s.cfg.Heatmap, chunks)
	metrics.PartitionsScanned.WithLabelValues(meta.FeedID).Add(float64(len(partitions)))

	run := models.Run{
		RunID:       idgen.New(),
		FeedID:      meta.FeedID,
		RunType:     runType,
		StartedAt:   time.Now().UTC(),
		UpdatedFrom: updatedFrom,
		UpdatedTo:   updatedTo,
		Force:       force,
	}

	if len(partitions) == 0 {
		s.log.Infow("scheduler: no inventory, completing run immediately", "feed_id", meta.FeedID, "run_id", run.RunID)
		if err := s.repo.CompleteZeroWorkRun(ctx, run); err != nil {
			return models.Run{}, fmt.Errorf("scheduler: complete zero-work run: %w", err)
		}
		return run, nil
	}

	run.ExpectedWorkers = len(partitions)
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return models.Run{}, fmt.Errorf("scheduler: create run: %w", err)
	}

	for _, p := range partitions {
		msg := models.WorkMessage{
			RunID:       run.RunID,
			TraceID:     idgen.New(),
			FeedID:      meta.FeedID,
			PartitionID: p.ID,
			PriceMin:    p.PriceMin,
			PriceMax:    p.PriceMax,
			UpdatedFrom: updatedFrom,
			UpdatedTo:   updatedTo,
			Offset:      0,
			Limit:       s.cfg.WorkerPageSize,
			Force:       force,
		}
		data, err := queue.Encode(msg)
		if err != nil {
			return models.Run{}, fmt.Errorf("scheduler: encode work message for %s: %w", p.ID, err)
		}
		if err := s.q.Publish(ctx, s.cfg.WorkItemsTopic, queue.Message{Key: p.ID, Value: data}); err != nil {
			return models.Run{}, fmt.Errorf("scheduler: enqueue partition %s: %w", p.ID, err)
		}
	}

	s.log.Infow("scheduler: run enqueued", "feed_id", meta.FeedID, "run_id", run.RunID, "partitions", len(partitions))
	return run, nil
}

// resolveUpdatedFrom implements §4.3 step 1: full runs start at the
// configured epoch; incremental runs start at the watermark minus the
// configured safety buffer.
func (s *Scheduler) resolveUpdatedFrom(ctx context.Context, feedID string, runType models.RunType) (time.Time, error) {
	if runType == models.RunTypeFull {
		return s.cfg.FullRunStartDate, nil
	}

	wm, err := s.watermark.Load(ctx, feedID)
	if err != nil {
		return time.Time{}, err
	}
	if wm.LastUpdatedAt.IsZero() {
		return s.cfg.FullRunStartDate, nil
	}

	buffer := time.Duration(s.cfg.IncrementalSafetyBufferMinutes) * time.Minute
	return wm.LastUpdatedAt.Add(-buffer), nil
}
