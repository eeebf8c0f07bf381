// Package consolidator implements C5: draining the raw landing tables into
// canonical records. The claim → map → write → mark loop and its stable
// hostname-pid instance identity are the direct descendant of the teacher's
// AsyncWorker (async_worker.go), retargeted from a lease-per-block-range
// worker onto a claim-per-raw-row consolidator: same "acquire exclusively,
// do the work, mark terminal, never trust in-memory state across a crash"
// shape, applied to SELECT ... FOR UPDATE SKIP LOCKED claims instead of
// lease rows.
package consolidator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/shaunnez/diamond-opus-sub003/internal/objectstore"
	"github.com/shaunnez/diamond-opus-sub003/internal/pricing"
	"github.com/shaunnez/diamond-opus-sub003/internal/queue"
	"github.com/shaunnez/diamond-opus-sub003/internal/repository"

	"go.uber.org/zap"
)

// Repo is the subset of *repository.Repository a Consolidator depends on.
type Repo interface {
	GetRun(ctx context.Context, runID string) (models.Run, error)
	MarkConsolidationStarted(ctx context.Context, runID string) error
	ResetStuckClaims(ctx context.Context, feedID string, ttl time.Duration) (int64, error)
	LoadPricingRules(ctx context.Context, feedID string) ([]models.PricingRule, error)
	LoadRatingRules(ctx context.Context, feedID string) ([]models.RatingRule, error)
	ClaimBatch(ctx context.Context, feedID, instanceID string, batchSize int) ([]repository.RawClaim, error)
	UpsertCanonicalRecords(ctx context.Context, records []models.CanonicalRecord) error
	MarkRawDone(ctx context.Context, feedID string, ids []string, clearPayload bool) error
	MarkRawFailed(ctx context.Context, feedID string, ids []string) error
	RecordRunStats(ctx context.Context, stats repository.RunStats) error
	BumpDatasetVersion(ctx context.Context, feedID string) (int64, error)
	LogError(ctx context.Context, entry models.ErrorLog) error
}

// Config bundles the consolidator's tuning knobs, narrowed from
// config.Config so tests don't need a full YAML-loaded struct.
type Config struct {
	BatchSize       int
	UpsertBatchSize int
	Concurrency     int
	ClaimTTL        time.Duration
	ClearPayload    bool
	FeedChain       map[string]string
	TriggerTopic    string
}

// Consolidator drains one feed's raw backlog per Consolidate message. id is
// the stable per-process instanceId used as the claim owner, built the same
// hostname-pid way the teacher builds AsyncWorker.workerID.
type Consolidator struct {
	id        string
	repo      Repo
	watermark *objectstore.WatermarkStore
	adapters  map[string]adapter.SupplierAdapter
	eval      pricing.Evaluator
	q         queue.Queue
	cfg       Config
	log       *zap.SugaredLogger
}

func NewInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func New(id string, repo Repo, watermark *objectstore.WatermarkStore, adapters map[string]adapter.SupplierAdapter, eval pricing.Evaluator, q queue.Queue, cfg Config, log *zap.SugaredLogger) *Consolidator {
	return &Consolidator{id: id, repo: repo, watermark: watermark, adapters: adapters, eval: eval, q: q, cfg: cfg, log: log}
}

// Handle implements queue.Handler for the consolidate topic.
func (c *Consolidator) Handle(ctx context.Context, msg queue.Message) error {
	var cm models.ConsolidateMessage
	if err := queue.Decode(msg.Value, &cm); err != nil {
		return fmt.Errorf("consolidator: decode consolidate message: %w", err)
	}
	return c.Consolidate(ctx, cm)
}

// Consolidate runs the §4.5 pass for one (runId, feedId).
func (c *Consolidator) Consolidate(ctx context.Context, cm models.ConsolidateMessage) error {
	run, err := c.repo.GetRun(ctx, cm.RunID)
	if err != nil {
		return fmt.Errorf("consolidator: load run %s: %w", cm.RunID, err)
	}
	if run.FailedWorkers > 0 && !cm.Force {
		c.log.Infow("consolidator: skipping run with worker failures", "run_id", cm.RunID, "failed_workers", run.FailedWorkers)
		return nil
	}

	ad, ok := c.adapters[cm.FeedID]
	if !ok {
		return fmt.Errorf("consolidator: no adapter registered for feed %q", cm.FeedID)
	}

	if err := c.repo.MarkConsolidationStarted(ctx, cm.RunID); err != nil {
		return fmt.Errorf("consolidator: mark consolidation started: %w", err)
	}

	if _, err := c.repo.ResetStuckClaims(ctx, cm.FeedID, c.cfg.ClaimTTL); err != nil {
		return fmt.Errorf("consolidator: reset stuck claims: %w", err)
	}

	pricingRules, err := c.repo.LoadPricingRules(ctx, cm.FeedID)
	if err != nil {
		return fmt.Errorf("consolidator: load pricing rules: %w", err)
	}
	ratingRules, err := c.repo.LoadRatingRules(ctx, cm.FeedID)
	if err != nil {
		return fmt.Errorf("consolidator: load rating rules: %w", err)
	}

	var processed, failed int
	for {
		claims, err := c.repo.ClaimBatch(ctx, cm.FeedID, c.id, c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("consolidator: claim batch: %w", err)
		}
		if len(claims) == 0 {
			break
		}

		p, f := c.processBatch(ctx, cm.FeedID, ad, claims, pricingRules, ratingRules)
		processed += p
		failed += f
	}

	if err := c.repo.RecordRunStats(ctx, repository.RunStats{RunID: cm.RunID, Processed: processed, Failed: failed, ConsolidatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("consolidator: record run stats: %w", err)
	}

	wm := models.Watermark{
		FeedID:             cm.FeedID,
		LastUpdatedAt:      cm.UpdatedTo,
		LastRunID:          cm.RunID,
		LastRunCompletedAt: time.Now().UTC(),
	}
	if err := c.watermark.Save(ctx, wm); err != nil {
		return fmt.Errorf("consolidator: save watermark: %w", err)
	}
	metrics.WatermarkLagSeconds.WithLabelValues(cm.FeedID).Set(time.Since(wm.LastUpdatedAt).Seconds())

	if _, err := c.repo.BumpDatasetVersion(ctx, cm.FeedID); err != nil {
		return fmt.Errorf("consolidator: bump dataset version: %w", err)
	}

	c.triggerChain(ctx, cm.FeedID)
	return nil
}

// processBatch implements §4.5 step 4b-4e: split the claimed batch into
// sub-chunks, map and write each concurrently bounded by cfg.Concurrency,
// then mark every row done or failed.
func (c *Consolidator) processBatch(ctx context.Context, feedID string, ad adapter.SupplierAdapter, claims []repository.RawClaim, pricingRules []models.PricingRule, ratingRules []models.RatingRule) (processed, failed int) {
	chunkSize := c.cfg.UpsertBatchSize
	if chunkSize <= 0 {
		chunkSize = len(claims)
	}

	var chunks [][]repository.RawClaim
	for i := 0; i < len(claims); i += chunkSize {
		end := i + chunkSize
		if end > len(claims) {
			end = len(claims)
		}
		chunks = append(chunks, claims[i:end])
	}

	concurrency := c.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, chunk := range chunks {
		chunk := chunk
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			p, f := c.processChunk(ctx, feedID, ad, chunk, pricingRules, ratingRules)
			mu.Lock()
			processed += p
			failed += f
			mu.Unlock()
		}()
	}
	wg.Wait()

	return processed, failed
}

// processChunk implements the map phase (§4.5 step 4c) and write phase
// (step 4d) for one sub-chunk, then marks every row's terminal status
// (step 4e).
func (c *Consolidator) processChunk(ctx context.Context, feedID string, ad adapter.SupplierAdapter, chunk []repository.RawClaim, pricingRules []models.PricingRule, ratingRules []models.RatingRule) (processed, failed int) {
	var processedIDs, failedIDs []string
	var records []models.CanonicalRecord

	for _, claim := range chunk {
		fields, err := ad.MapRawToCanonical(claim.Payload)
		if err != nil {
			c.log.Warnw("consolidator: map raw to canonical failed", "feed_id", feedID, "supplier_stone_id", claim.SupplierStoneID, "error", err)
			failedIDs = append(failedIDs, claim.ID)
			continue
		}

		price, err := c.eval.Price(fields.RawAttributes, pricingRules)
		if err != nil {
			c.log.Warnw("consolidator: price evaluation failed", "feed_id", feedID, "supplier_stone_id", claim.SupplierStoneID, "error", err)
			failedIDs = append(failedIDs, claim.ID)
			continue
		}
		rating, err := c.eval.Rating(fields.RawAttributes, ratingRules)
		if err != nil {
			c.log.Warnw("consolidator: rating evaluation failed", "feed_id", feedID, "supplier_stone_id", claim.SupplierStoneID, "error", err)
			failedIDs = append(failedIDs, claim.ID)
			continue
		}

		records = append(records, models.CanonicalRecord{
			FeedID:          feedID,
			SupplierStoneID: claim.SupplierStoneID,
			OfferID:         fields.OfferID,
			ComputedPrice:   price,
			Rating:          rating,
			Status:          fields.Status,
			SourceUpdatedAt: fields.SourceUpdatedAt,
			Attributes:      fields.RawAttributes,
		})
		processedIDs = append(processedIDs, claim.ID)
	}

	if len(records) > 0 {
		if err := c.repo.UpsertCanonicalRecords(ctx, records); err != nil {
			c.log.Errorw("consolidator: upsert canonical batch failed", "feed_id", feedID, "error", err)
			failedIDs = append(failedIDs, processedIDs...)
			processedIDs = nil
		}
	}

	if err := c.repo.MarkRawDone(ctx, feedID, processedIDs, c.cfg.ClearPayload); err != nil {
		c.log.Errorw("consolidator: mark raw done failed", "feed_id", feedID, "error", err)
	}
	if err := c.repo.MarkRawFailed(ctx, feedID, failedIDs); err != nil {
		c.log.Errorw("consolidator: mark raw failed failed", "feed_id", feedID, "error", err)
	}

	metrics.RowsConsolidated.WithLabelValues(feedID, "ok").Add(float64(len(processedIDs)))
	metrics.RowsConsolidated.WithLabelValues(feedID, "failed").Add(float64(len(failedIDs)))

	return len(processedIDs), len(failedIDs)
}

// triggerChain implements §4.5 step 7: fire-and-forget, chain failures never
// fail the consolidation that's already succeeded.
func (c *Consolidator) triggerChain(ctx context.Context, feedID string) {
	next, ok := c.cfg.FeedChain[feedID]
	if !ok {
		return
	}

	tm := models.TriggerMessage{FeedID: next, RunType: models.RunTypeIncremental}
	data, err := queue.Encode(tm)
	if err != nil {
		c.log.Errorw("consolidator: encode chained trigger", "feed_id", next, "error", err)
		return
	}
	topic := c.cfg.TriggerTopic
	if topic == "" {
		topic = "scheduler-trigger"
	}
	if err := c.q.Publish(ctx, topic, queue.Message{Key: next, Value: data}); err != nil {
		c.log.Errorw("consolidator: publish chained trigger", "feed_id", next, "error", err)
	}
}
