package heatmap

import (
	"fmt"

	"github.com/shaunnez/diamond-opus-sub003/internal/config"
)

// BuildPartitions turns a density histogram into a deterministic,
// contiguous, non-overlapping set of worker assignments per §4.2.
//
// Oversized chunks (estimated count more than 1.5x the target per worker)
// are flattened into equal-width sub-chunks of roughly the target size
// before the sweep runs, so no single partition can dominate the run.
// The sweep itself closes a partition once its running count reaches the
// target and more than one worker slot remains, always closing out
// whatever is left into the final partition. Each partition starts where
// the previous one ended, so a price gap between non-empty chunks is
// absorbed into the partition that follows it.
func BuildPartitions(cfg config.Heatmap, chunks []DensityChunk) []Partition {
	chunks = clampTotal(cfg, chunks)
	if len(chunks) == 0 {
		return nil
	}

	total := 0
	for _, c := range chunks {
		total += c.Count
	}

	desiredWorkers := cfg.MaxWorkers
	if desiredWorkers <= 0 {
		desiredWorkers = 1
	}
	if cfg.MinRecordsPerWorker > 0 {
		maxWorkersByFloor := total / cfg.MinRecordsPerWorker
		if maxWorkersByFloor < 1 {
			maxWorkersByFloor = 1
		}
		if maxWorkersByFloor < desiredWorkers {
			desiredWorkers = maxWorkersByFloor
		}
	}
	if desiredWorkers < 1 {
		desiredWorkers = 1
	}

	targetPerWorker := total / desiredWorkers
	if targetPerWorker < 1 {
		targetPerWorker = total
	}

	flat := flattenOversized(chunks, targetPerWorker)

	return sweep(flat, targetPerWorker, desiredWorkers)
}

// clampTotal truncates the chunk list once the running count crosses
// cfg.MaxTotalRecords, when that safety cap is configured.
func clampTotal(cfg config.Heatmap, chunks []DensityChunk) []DensityChunk {
	if cfg.MaxTotalRecords <= 0 {
		return chunks
	}

	var out []DensityChunk
	running := int64(0)
	for _, c := range chunks {
		if running >= cfg.MaxTotalRecords {
			break
		}
		remaining := cfg.MaxTotalRecords - running
		if int64(c.Count) > remaining {
			frac := float64(remaining) / float64(c.Count)
			width := c.Width()
			cut := c.Min + int64(float64(width)*frac)
			if cut <= c.Min {
				cut = c.Min + 1
			}
			if cut > c.Max {
				cut = c.Max
			}
			out = append(out, DensityChunk{Min: c.Min, Max: cut, Count: int(remaining)})
			running += remaining
			break
		}
		out = append(out, c)
		running += int64(c.Count)
	}
	return out
}

// flattenOversized splits any chunk whose count exceeds 1.5x the target
// into K equal-width sub-chunks, K chosen so each sub-chunk's estimated
// count is close to target. Sub-chunk counts are estimated by assuming
// uniform density within the chunk (floor-equal split), since the scanner
// doesn't probe any finer than the chunk boundary itself.
func flattenOversized(chunks []DensityChunk, targetPerWorker int) []DensityChunk {
	if targetPerWorker <= 0 {
		return chunks
	}

	var out []DensityChunk
	for _, c := range chunks {
		threshold := targetPerWorker + targetPerWorker/2
		if c.Count <= threshold || c.Count == 0 {
			out = append(out, c)
			continue
		}

		k := c.Count / targetPerWorker
		if k < 2 {
			k = 2
		}

		width := c.Width()
		subWidth := width / int64(k)
		if subWidth < 1 {
			subWidth = 1
			k = int(width)
			if k < 1 {
				k = 1
			}
		}

		baseCount := c.Count / k
		remainder := c.Count % k

		cursor := c.Min
		for i := 0; i < k; i++ {
			next := cursor + subWidth
			if i == k-1 {
				next = c.Max
			}
			count := baseCount
			if i < remainder {
				count++
			}
			out = append(out, DensityChunk{Min: cursor, Max: next, Count: count})
			cursor = next
		}
	}
	return out
}

// sweep greedily accumulates chunks into a partition until the running
// count reaches targetPerWorker, closing the partition and starting a new
// one, provided more than one worker slot remains. The final partition
// absorbs whatever chunks are left over.
func sweep(chunks []DensityChunk, targetPerWorker, desiredWorkers int) []Partition {
	var partitions []Partition
	var cur []DensityChunk
	runningCount := 0
	workersRemaining := desiredWorkers

	flush := func() {
		if len(cur) == 0 {
			return
		}
		priceMin := cur[0].Min
		if len(partitions) > 0 {
			priceMin = partitions[len(partitions)-1].PriceMax
		}
		p := Partition{
			ID:             fmt.Sprintf("partition-%d", len(partitions)),
			PriceMin:       priceMin,
			PriceMax:       cur[len(cur)-1].Max,
			EstimatedCount: runningCount,
		}
		partitions = append(partitions, p)
		cur = nil
		runningCount = 0
	}

	for i, c := range chunks {
		cur = append(cur, c)
		runningCount += c.Count

		isLast := i == len(chunks)-1
		if isLast {
			flush()
			break
		}

		if runningCount >= targetPerWorker && workersRemaining > 1 {
			flush()
			workersRemaining--
		}
	}

	return partitions
}
