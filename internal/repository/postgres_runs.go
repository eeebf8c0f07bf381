package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/models"

	"github.com/jackc/pgx/v5"
)

// CreateRun inserts a new run_metadata row, the scheduler's C3 step 3.
func (r *Repository) CreateRun(ctx context.Context, run models.Run) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO run_metadata (
			run_id, feed_id, run_type, expected_workers, completed_workers,
			failed_workers, started_at, updated_from, updated_to
		) VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7)`,
		run.RunID, run.FeedID, run.RunType, run.ExpectedWorkers,
		run.StartedAt, run.UpdatedFrom, run.UpdatedTo,
	)
	if err != nil {
		return fmt.Errorf("repository: create run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun loads a run_metadata row by id.
func (r *Repository) GetRun(ctx context.Context, runID string) (models.Run, error) {
	var run models.Run
	err := r.db.QueryRow(ctx, `
		SELECT run_id, feed_id, run_type, expected_workers, completed_workers,
		       failed_workers, started_at, completed_at, consolidation_started_at,
		       updated_from, updated_to
		FROM run_metadata WHERE run_id = $1`,
		runID,
	).Scan(
		&run.RunID, &run.FeedID, &run.RunType, &run.ExpectedWorkers, &run.CompletedWorkers,
		&run.FailedWorkers, &run.StartedAt, &run.CompletedAt, &run.ConsolidationStartedAt,
		&run.UpdatedFrom, &run.UpdatedTo,
	)
	if err == pgx.ErrNoRows {
		return models.Run{}, fmt.Errorf("repository: run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("repository: get run %s: %w", runID, err)
	}
	return run, nil
}

// IncrementCompletedWorkers atomically increments completed_workers and
// sets completed_at the first time completedWorkers+failedWorkers reaches
// expectedWorkers, returning the refreshed run. completed_at is guarded by
// a WHERE clause so it is set exactly once, per §3's invariant.
func (r *Repository) IncrementCompletedWorkers(ctx context.Context, runID string) (models.Run, error) {
	return r.incrementWorkerCounter(ctx, runID, "completed_workers")
}

// IncrementFailedWorkers is the failure-path counterpart; the worker's
// failure path calls this once per partition, only when MarkPartitionFailed
// reports the partition's first transition to failed.
func (r *Repository) IncrementFailedWorkers(ctx context.Context, runID string) (models.Run, error) {
	return r.incrementWorkerCounter(ctx, runID, "failed_workers")
}

func (r *Repository) incrementWorkerCounter(ctx context.Context, runID, column string) (models.Run, error) {
	if column != "completed_workers" && column != "failed_workers" {
		return models.Run{}, fmt.Errorf("repository: invalid counter column %q", column)
	}

	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE run_metadata SET %s = %s + 1 WHERE run_id = $1`, column, column),
		runID,
	)
	if err != nil {
		return models.Run{}, fmt.Errorf("repository: increment %s for run %s: %w", column, runID, err)
	}

	_, err = r.db.Exec(ctx, `
		UPDATE run_metadata
		SET completed_at = NOW()
		WHERE run_id = $1
		  AND completed_at IS NULL
		  AND completed_workers + failed_workers >= expected_workers`,
		runID,
	)
	if err != nil {
		return models.Run{}, fmt.Errorf("repository: finalize run %s: %w", runID, err)
	}

	return r.GetRun(ctx, runID)
}

// MarkConsolidationStarted stamps consolidation_started_at once.
func (r *Repository) MarkConsolidationStarted(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE run_metadata
		SET consolidation_started_at = NOW()
		WHERE run_id = $1 AND consolidation_started_at IS NULL`,
		runID,
	)
	return err
}

// CompleteZeroWorkRun handles §4.3's "partition count is zero" fast path:
// a run with no partitions is recorded as immediately complete.
func (r *Repository) CompleteZeroWorkRun(ctx context.Context, run models.Run) error {
	run.ExpectedWorkers = 0
	if err := r.CreateRun(ctx, run); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `
		UPDATE run_metadata SET completed_at = NOW() WHERE run_id = $1`,
		run.RunID,
	)
	return err
}

// RunStats is the per-run summary persisted after a consolidation pass
// completes, per §4.5 step 5 "record per-run statistics."
type RunStats struct {
	RunID          string
	Processed      int
	Failed         int
	ConsolidatedAt time.Time
}

// RecordRunStats persists the consolidation summary onto run_metadata.
func (r *Repository) RecordRunStats(ctx context.Context, stats RunStats) error {
	_, err := r.db.Exec(ctx, `
		UPDATE run_metadata
		SET records_consolidated = $2, records_failed = $3
		WHERE run_id = $1`,
		stats.RunID, stats.Processed, stats.Failed,
	)
	if err != nil {
		return fmt.Errorf("repository: record run stats for %s: %w", stats.RunID, err)
	}
	return nil
}
