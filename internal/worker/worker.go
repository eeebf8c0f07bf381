// Package worker implements C4: the interchangeable worker loop that
// drains the work-items queue one message at a time, pages through a
// supplier's catalog for one partition, and hands off to consolidation once
// every partition in a run has finished. The state machine and its
// idempotency gates mirror the teacher's AsyncWorker.attemptRange
// (async_worker.go): acquire, check preconditions, do the work, commit or
// fail, never trust an in-memory notion of "already done."
package worker

import (
	"context"
	"fmt"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/shaunnez/diamond-opus-sub003/internal/queue"
	"github.com/shaunnez/diamond-opus-sub003/internal/ratelimit"
	"github.com/shaunnez/diamond-opus-sub003/internal/retryutil"

	"go.uber.org/zap"
)

// Repo is the subset of *repository.Repository a Worker depends on.
type Repo interface {
	EnsureWorkerRun(ctx context.Context, runID, partitionID string) error
	CompleteWorkerRun(ctx context.Context, runID, partitionID, status string) error
	GetOrCreatePartitionProgress(ctx context.Context, runID, partitionID string) (models.PartitionProgress, error)
	UpdateOffset(ctx context.Context, runID, partitionID string, fromOffset, toOffset int) (bool, error)
	CompletePartition(ctx context.Context, runID, partitionID string, atOffset int) (bool, error)
	MarkPartitionFailed(ctx context.Context, runID, partitionID string) (bool, error)
	UpsertRawRecords(ctx context.Context, feedID string, records []models.RawRecord) error
	IncrementCompletedWorkers(ctx context.Context, runID string) (models.Run, error)
	IncrementFailedWorkers(ctx context.Context, runID string) (models.Run, error)
}

// Worker processes one WorkMessage at a time. ID is this process's stable
// identity, the hostname-pid pattern async_worker.go uses for workerID.
type Worker struct {
	id       string
	repo     Repo
	limiter  ratelimit.Limiter
	q        queue.Queue
	adapters map[string]adapter.SupplierAdapter
	cfg      Config
	log      *zap.SugaredLogger
	policy   retryutil.Policy
}

// Config bundles the worker's queue topic names, kept narrow so tests don't
// need a full config.Config.
type Config struct {
	WorkItemsTopic   string
	WorkDoneTopic    string
	ConsolidateTopic string
}

func New(id string, repo Repo, limiter ratelimit.Limiter, q queue.Queue, adapters map[string]adapter.SupplierAdapter, cfg Config, log *zap.SugaredLogger) *Worker {
	return &Worker{
		id:       id,
		repo:     repo,
		limiter:  limiter,
		q:        q,
		adapters: adapters,
		cfg:      cfg,
		log:      log,
		policy:   retryutil.DefaultPolicy,
	}
}

// Handle implements queue.Handler for the work-items topic.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var wm models.WorkMessage
	if err := queue.Decode(msg.Value, &wm); err != nil {
		return fmt.Errorf("worker: decode work message: %w", err)
	}
	return w.Process(ctx, wm)
}

// Process runs the §4.4 per-message state machine for one WorkMessage.
func (w *Worker) Process(ctx context.Context, msg models.WorkMessage) error {
	if err := w.repo.EnsureWorkerRun(ctx, msg.RunID, msg.PartitionID); err != nil {
		return fmt.Errorf("worker: ensure worker run: %w", err)
	}

	progress, err := w.repo.GetOrCreatePartitionProgress(ctx, msg.RunID, msg.PartitionID)
	if err != nil {
		return fmt.Errorf("worker: get partition progress: %w", err)
	}

	if progress.Terminal() {
		w.log.Debugw("worker: partition already terminal, skipping", "run_id", msg.RunID, "partition_id", msg.PartitionID)
		return nil
	}
	if progress.NextOffset != msg.Offset {
		w.log.Debugw("worker: stale offset, skipping duplicate delivery", "run_id", msg.RunID, "partition_id", msg.PartitionID, "msg_offset", msg.Offset, "progress_offset", progress.NextOffset)
		return nil
	}

	if err := w.processPage(ctx, msg); err != nil {
		w.fail(ctx, msg, err)
		return err
	}
	return nil
}

func (w *Worker) processPage(ctx context.Context, msg models.WorkMessage) error {
	ad, ok := w.adapters[msg.FeedID]
	if !ok {
		return fmt.Errorf("worker: no adapter registered for feed %q", msg.FeedID)
	}

	ok, err := w.limiter.Acquire(ctx, msg.FeedID)
	if err != nil {
		return fmt.Errorf("worker: rate limiter: %w", err)
	}
	if !ok {
		return fmt.Errorf("worker: rate limiter wait timeout for feed %s", msg.FeedID)
	}

	q := adapter.Query{
		PriceMin:    msg.PriceMin,
		PriceMax:    msg.PriceMax,
		UpdatedFrom: msg.UpdatedFrom,
		UpdatedTo:   msg.UpdatedTo,
		Shapes:      msg.Shapes,
		SizeMin:     msg.SizeMin,
		SizeMax:     msg.SizeMax,
	}

	var page adapter.SearchResult
	err = retryutil.Do(ctx, w.policy, adapter.IsRetryable, adapter.WithAuthRetry(ctx, ad, func() error {
		res, err := ad.Search(ctx, q, msg.Offset, msg.Limit, adapter.OrderCreatedAtAsc)
		if err != nil {
			return err
		}
		page = res
		return nil
	}))
	if err != nil {
		return fmt.Errorf("worker: search feed %s: %w", msg.FeedID, err)
	}

	if len(page.Items) == 0 {
		affected, err := w.repo.CompletePartition(ctx, msg.RunID, msg.PartitionID, msg.Offset)
		if err != nil {
			return fmt.Errorf("worker: complete empty partition: %w", err)
		}
		if !affected {
			return nil
		}
		return w.done(ctx, msg, 0)
	}

	records := make([]models.RawRecord, 0, len(page.Items))
	for _, item := range page.Items {
		records = append(records, models.RawRecord{
			SupplierStoneID: item.SupplierStoneID,
			RunID:           msg.RunID,
			FeedID:          msg.FeedID,
			OfferID:         item.OfferID,
			Payload:         item.Payload,
			PayloadHash:     item.PayloadHash,
			SourceUpdatedAt: item.SourceUpdatedAt,
		})
	}
	if err := w.repo.UpsertRawRecords(ctx, msg.FeedID, records); err != nil {
		return fmt.Errorf("worker: upsert raw records: %w", err)
	}
	metrics.RawRowsWritten.WithLabelValues(msg.FeedID).Add(float64(len(records)))

	newOffset := msg.Offset + len(page.Items)

	if len(page.Items) == msg.Limit {
		affected, err := w.repo.UpdateOffset(ctx, msg.RunID, msg.PartitionID, msg.Offset, newOffset)
		if err != nil {
			return fmt.Errorf("worker: update offset: %w", err)
		}
		if !affected {
			return nil
		}

		next := msg
		next.Offset = newOffset
		data, err := queue.Encode(next)
		if err != nil {
			return fmt.Errorf("worker: encode continuation message: %w", err)
		}
		if err := w.q.Publish(ctx, w.cfg.WorkItemsTopic, queue.Message{Key: msg.PartitionID, Value: data}); err != nil {
			return fmt.Errorf("worker: enqueue continuation: %w", err)
		}
		metrics.PagesProcessed.WithLabelValues(msg.FeedID, "continued").Inc()
		return nil
	}

	affected, err := w.repo.CompletePartition(ctx, msg.RunID, msg.PartitionID, msg.Offset)
	if err != nil {
		return fmt.Errorf("worker: complete final partition: %w", err)
	}
	if !affected {
		return nil
	}
	return w.done(ctx, msg, len(records))
}

// done implements §4.4 step 10: mark the worker run complete, emit
// WorkDone, increment completedWorkers, and — if this was the last worker
// to finish with zero failures — emit the single Consolidate message.
func (w *Worker) done(ctx context.Context, msg models.WorkMessage, recordsProcessed int) error {
	if err := w.repo.CompleteWorkerRun(ctx, msg.RunID, msg.PartitionID, "completed"); err != nil {
		return fmt.Errorf("worker: complete worker run: %w", err)
	}

	w.emitWorkDone(ctx, msg, "ok", recordsProcessed, "")
	metrics.PagesProcessed.WithLabelValues(msg.FeedID, "completed").Inc()

	run, err := w.repo.IncrementCompletedWorkers(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("worker: increment completed workers: %w", err)
	}

	switch {
	case run.AllSucceeded():
		return w.emitConsolidate(ctx, msg)
	case run.Done() && msg.Force:
		w.log.Infow("worker: run finished with failures, force set, triggering consolidate anyway", "run_id", msg.RunID, "failed_workers", run.FailedWorkers)
		return w.emitConsolidate(ctx, msg)
	case run.Done():
		w.log.Infow("worker: run finished with partial failures, consolidate not triggered", "run_id", msg.RunID, "failed_workers", run.FailedWorkers)
	}
	return nil
}

// emitConsolidate publishes the single Consolidate message for a finished
// run, carrying msg.Force through so consolidator.Consolidate can decide
// whether to proceed despite partial worker failures (§4.4 step 10).
func (w *Worker) emitConsolidate(ctx context.Context, msg models.WorkMessage) error {
	cm := models.ConsolidateMessage{
		RunID:     msg.RunID,
		FeedID:    msg.FeedID,
		TraceID:   msg.TraceID,
		UpdatedTo: msg.UpdatedTo,
		Force:     msg.Force,
	}
	data, err := queue.Encode(cm)
	if err != nil {
		return fmt.Errorf("worker: encode consolidate message: %w", err)
	}
	if err := w.q.Publish(ctx, w.cfg.ConsolidateTopic, queue.Message{Key: msg.RunID, Value: data}); err != nil {
		return fmt.Errorf("worker: enqueue consolidate message: %w", err)
	}
	return nil
}

// fail implements the §4.4 failure path. Errors from this best-effort
// cleanup are logged, never returned, so the original processing error is
// what propagates to the queue for redelivery.
func (w *Worker) fail(ctx context.Context, msg models.WorkMessage, cause error) {
	firstTransition, err := w.repo.MarkPartitionFailed(ctx, msg.RunID, msg.PartitionID)
	if err != nil {
		w.log.Errorw("worker: mark partition failed", "run_id", msg.RunID, "partition_id", msg.PartitionID, "error", err)
	}

	if firstTransition {
		if _, err := w.repo.IncrementFailedWorkers(ctx, msg.RunID); err != nil {
			w.log.Errorw("worker: increment failed workers", "run_id", msg.RunID, "error", err)
		}
	}

	w.emitWorkDone(ctx, msg, "failed", 0, cause.Error())
	metrics.PagesProcessed.WithLabelValues(msg.FeedID, "failed").Inc()
}

// emitWorkDone is fire-and-forget: a publish failure here is logged, not
// propagated, matching §6's "consumers: observability only" for work-done.
func (w *Worker) emitWorkDone(ctx context.Context, msg models.WorkMessage, status string, processed int, errMsg string) {
	wd := models.WorkDoneMessage{
		RunID:            msg.RunID,
		PartitionID:      msg.PartitionID,
		WorkerID:         w.id,
		RecordsProcessed: processed,
		Status:           status,
		Error:            errMsg,
	}
	data, err := queue.Encode(wd)
	if err != nil {
		w.log.Errorw("worker: encode work-done message", "error", err)
		return
	}
	if err := w.q.Publish(ctx, w.cfg.WorkDoneTopic, queue.Message{Key: msg.PartitionID, Value: data}); err != nil {
		w.log.Errorw("worker: emit work-done", "error", err)
	}
}
