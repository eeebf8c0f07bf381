package heatmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/config"
	"github.com/shaunnez/diamond-opus-sub003/internal/retryutil"

	"go.uber.org/zap"
)

// Scanner runs the adaptive density scan described in §4.2. Concurrency is
// bounded the same way the teacher bounds parallel block fetches in
// ingester.Service.fetchBatchParallel: a semaphore channel plus a
// WaitGroup, not an unbounded goroutine-per-item fan-out.
type Scanner struct {
	cfg    config.Heatmap
	log    *zap.SugaredLogger
	policy retryutil.Policy
}

func NewScanner(cfg config.Heatmap, log *zap.SugaredLogger) *Scanner {
	return &Scanner{cfg: cfg, log: log, policy: retryutil.DefaultPolicy}
}

// applyTuning overrides the scanner's dense-zone parameters with a
// supplier-specific adapter.HeatmapTuning, when the adapter provides one.
func (s *Scanner) applyTuning(t adapter.HeatmapTuning) config.Heatmap {
	cfg := s.cfg
	if t.DenseZoneThreshold != 0 {
		cfg.DenseZoneThreshold = t.DenseZoneThreshold
	}
	if t.DenseZoneStep != 0 {
		cfg.DenseZoneStep = t.DenseZoneStep
	}
	if t.InitialStep != 0 {
		cfg.InitialStep = t.InitialStep
	}
	return cfg
}

func (s *Scanner) countAt(ctx context.Context, ad adapter.SupplierAdapter, base adapter.Query, min, max int64) (int, error) {
	q := base
	q.PriceMin = min
	q.PriceMax = max

	var count int
	err := retryutil.Do(ctx, s.policy, adapter.IsRetryable, adapter.WithAuthRetry(ctx, ad, func() error {
		c, err := ad.GetCount(ctx, q)
		if err != nil {
			return err
		}
		count = c
		return nil
	}))
	if err != nil {
		return 0, fmt.Errorf("heatmap: count [%d,%d): %w", min, max, err)
	}
	return count, nil
}

// Scan runs the single-pass adaptive scan (default) or the two-pass scan
// (cfg.UseTwoPassScan), returning the ordered, overlap-free list of
// non-empty density chunks within [minPrice, maxPrice). Price intervals
// that hold no records are left out, so adjacent chunks need not touch.
func (s *Scanner) Scan(ctx context.Context, ad adapter.SupplierAdapter, base adapter.Query) ([]DensityChunk, error) {
	cfg := s.applyTuning(ad.Meta().HeatmapTuning)
	if cfg.UseTwoPassScan {
		return s.scanTwoPass(ctx, ad, base, cfg)
	}
	return s.scanSinglePass(ctx, ad, base, cfg)
}

func (s *Scanner) scanSinglePass(ctx context.Context, ad adapter.SupplierAdapter, base adapter.Query, cfg config.Heatmap) ([]DensityChunk, error) {
	var chunks []DensityChunk

	denseEnd := cfg.DenseZoneThreshold
	if denseEnd > cfg.MaxPrice {
		denseEnd = cfg.MaxPrice
	}
	if denseEnd < cfg.MinPrice {
		denseEnd = cfg.MinPrice
	}

	denseChunks, err := s.scanDenseZone(ctx, ad, base, cfg, cfg.MinPrice, denseEnd)
	if err != nil {
		return nil, err
	}
	chunks = append(chunks, denseChunks...)

	adaptive, err := s.adaptiveRange(ctx, ad, base, cfg, denseEnd, cfg.MaxPrice)
	if err != nil {
		return nil, err
	}
	chunks = append(chunks, adaptive...)

	return chunks, nil
}

// adaptiveRange runs the step-5x-on-empty / scale-by-target-over-observed
// adaptive loop over an arbitrary [from, to) range. It backs both the
// single-pass scan's post-dense-zone sweep and the two-pass scan's fine
// pass over each refined dense region.
func (s *Scanner) adaptiveRange(ctx context.Context, ad adapter.SupplierAdapter, base adapter.Query, cfg config.Heatmap, from, to int64) ([]DensityChunk, error) {
	var chunks []DensityChunk

	cursor := from
	step := cfg.InitialStep
	if step <= 0 {
		step = cfg.DenseZoneStep
	}

	for cursor < to {
		next := cursor + step
		if next > to {
			next = to
		}

		count, err := s.countAt(ctx, ad, base, cursor, next)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			chunks = append(chunks, DensityChunk{Min: cursor, Max: next, Count: count})
		}

		if count == 0 {
			step *= 5
		} else {
			scaled := step * int64(cfg.TargetRecordsPerChunk) / int64(count)
			step = clampStep(scaled, 2*cfg.DenseZoneStep, 50_000)
		}

		cursor = next
	}

	return chunks, nil
}

// scanDenseZone probes the fixed-width, low-price region concurrently:
// unlike the adaptive zone above it, every interval here has a
// predetermined width, so the calls are independent and can be issued in
// parallel bounded by cfg.Concurrency.
func (s *Scanner) scanDenseZone(ctx context.Context, ad adapter.SupplierAdapter, base adapter.Query, cfg config.Heatmap, from, to int64) ([]DensityChunk, error) {
	if to <= from || cfg.DenseZoneStep <= 0 {
		return nil, nil
	}

	n := int((to - from + cfg.DenseZoneStep - 1) / cfg.DenseZoneStep)
	results := make([]*DensityChunk, n)

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		min := from + int64(i)*cfg.DenseZoneStep
		max := min + cfg.DenseZoneStep
		if max > to {
			max = to
		}
		idx := i

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			count, err := s.countAt(ctx, ad, base, min, max)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if count > 0 {
				results[idx] = &DensityChunk{Min: min, Max: max, Count: count}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	var out []DensityChunk
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func clampStep(step, lo, hi int64) int64 {
	if step < lo {
		return lo
	}
	if step > hi {
		return hi
	}
	return step
}
