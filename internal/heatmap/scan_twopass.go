package heatmap

import (
	"context"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/config"
)

// coarseRegion is a contiguous run of non-empty coarse-step probes,
// [Min, Max) at coarse resolution before boundary refinement.
type coarseRegion struct {
	Min, Max int64
}

// scanTwoPass implements the optional two-pass mode from §4.2: a coarse
// scan with large steps identifies contiguous dense regions; binary search
// refines each boundary to dense-zone-step precision; a fine scan with
// adaptive stepping covers each refined region.
func (s *Scanner) scanTwoPass(ctx context.Context, ad adapter.SupplierAdapter, base adapter.Query, cfg config.Heatmap) ([]DensityChunk, error) {
	regions, err := s.coarseScan(ctx, ad, base, cfg)
	if err != nil {
		return nil, err
	}

	var chunks []DensityChunk
	for _, r := range regions {
		refinedMin, err := s.refineBoundary(ctx, ad, base, cfg, r.Min-cfg.CoarseStep, r.Min)
		if err != nil {
			return nil, err
		}
		refinedMax, err := s.refineBoundary(ctx, ad, base, cfg, r.Max, r.Max+cfg.CoarseStep)
		if err != nil {
			return nil, err
		}
		if refinedMax > cfg.MaxPrice {
			refinedMax = cfg.MaxPrice
		}
		if refinedMin < cfg.MinPrice {
			refinedMin = cfg.MinPrice
		}

		fine, err := s.adaptiveRange(ctx, ad, base, cfg, refinedMin, refinedMax)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, fine...)
	}

	return chunks, nil
}

// coarseScan issues a fixed coarseStep sweep of the whole price range and
// merges adjacent non-empty probes into contiguous regions.
func (s *Scanner) coarseScan(ctx context.Context, ad adapter.SupplierAdapter, base adapter.Query, cfg config.Heatmap) ([]coarseRegion, error) {
	step := cfg.CoarseStep
	if step <= 0 {
		step = cfg.DenseZoneStep * 10
	}

	var regions []coarseRegion
	var open *coarseRegion

	for cursor := cfg.MinPrice; cursor < cfg.MaxPrice; cursor += step {
		next := cursor + step
		if next > cfg.MaxPrice {
			next = cfg.MaxPrice
		}

		count, err := s.countAt(ctx, ad, base, cursor, next)
		if err != nil {
			return nil, err
		}

		if count > 0 {
			if open == nil {
				open = &coarseRegion{Min: cursor, Max: next}
			} else {
				open.Max = next
			}
		} else if open != nil {
			regions = append(regions, *open)
			open = nil
		}
	}
	if open != nil {
		regions = append(regions, *open)
	}

	return regions, nil
}

// refineBoundary binary-searches the [lo, hi) interval for the exact point
// where item density begins, down to dense-zone-step precision. It assumes
// count(lo, mid) == 0 and count(mid, hi) transitions monotonically since
// item price ordering is stable within a run.
func (s *Scanner) refineBoundary(ctx context.Context, ad adapter.SupplierAdapter, base adapter.Query, cfg config.Heatmap, lo, hi int64) (int64, error) {
	minStep := cfg.DenseZoneStep
	if minStep <= 0 {
		minStep = 1
	}
	if lo < cfg.MinPrice {
		lo = cfg.MinPrice
	}
	if hi > cfg.MaxPrice {
		hi = cfg.MaxPrice
	}
	if lo >= hi {
		return hi, nil
	}

	for hi-lo > minStep {
		mid := lo + (hi-lo)/2
		count, err := s.countAt(ctx, ad, base, lo, mid)
		if err != nil {
			return 0, err
		}
		if count > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo, nil
}
