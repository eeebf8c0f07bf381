package repository

import (
	"context"
	"fmt"

	"github.com/shaunnez/diamond-opus-sub003/internal/models"

	"github.com/jackc/pgx/v5"
)

// EnsureWorkerRun is step 1 of §4.4's per-message processing: idempotently
// create the worker_runs row for (runId, partitionId), the per-process
// descendant of worker-lease rows in the teacher's AcquireLease.
func (r *Repository) EnsureWorkerRun(ctx context.Context, runID, partitionID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO worker_runs (run_id, partition_id, status, started_at)
		VALUES ($1, $2, 'in_progress', NOW())
		ON CONFLICT (run_id, partition_id) DO NOTHING`,
		runID, partitionID,
	)
	if err != nil {
		return fmt.Errorf("repository: ensure worker run %s/%s: %w", runID, partitionID, err)
	}
	return nil
}

// CompleteWorkerRun marks the worker_runs row done after step 10 of §4.4.
func (r *Repository) CompleteWorkerRun(ctx context.Context, runID, partitionID string, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE worker_runs SET status = $3, completed_at = NOW()
		WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID, status,
	)
	return err
}

// GetOrCreatePartitionProgress implements step 2 of §4.4: read-or-create
// with nextOffset starting at zero.
func (r *Repository) GetOrCreatePartitionProgress(ctx context.Context, runID, partitionID string) (models.PartitionProgress, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO partition_progress (run_id, partition_id, next_offset, completed, failed)
		VALUES ($1, $2, 0, false, false)
		ON CONFLICT (run_id, partition_id) DO NOTHING`,
		runID, partitionID,
	)
	if err != nil {
		return models.PartitionProgress{}, fmt.Errorf("repository: init partition progress %s/%s: %w", runID, partitionID, err)
	}

	var p models.PartitionProgress
	err = r.db.QueryRow(ctx, `
		SELECT run_id, partition_id, next_offset, completed, failed
		FROM partition_progress WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID,
	).Scan(&p.RunID, &p.PartitionID, &p.NextOffset, &p.Completed, &p.Failed)
	if err == pgx.ErrNoRows {
		return models.PartitionProgress{}, fmt.Errorf("repository: partition progress %s/%s: %w", runID, partitionID, ErrNotFound)
	}
	if err != nil {
		return models.PartitionProgress{}, fmt.Errorf("repository: read partition progress %s/%s: %w", runID, partitionID, err)
	}
	return p, nil
}

// UpdateOffset is §4.4 step 8's conditional update: advances nextOffset
// only when it still equals the offset the caller processed and the
// partition hasn't reached a terminal state. Returns affected=false when
// another worker already advanced it — the CAS-mismatch branch callers use
// to short-circuit per §9's "branch on affected row count" guidance.
func (r *Repository) UpdateOffset(ctx context.Context, runID, partitionID string, fromOffset, toOffset int) (affected bool, err error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET next_offset = $3
		WHERE run_id = $1 AND partition_id = $2
		  AND next_offset = $4 AND NOT completed AND NOT failed`,
		runID, partitionID, toOffset, fromOffset,
	)
	if err != nil {
		return false, fmt.Errorf("repository: update offset %s/%s: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompletePartition is §4.4 step 6/9's conditional update: sets
// completed=true only when nextOffset still equals the caller's offset,
// i.e. no one else has raced ahead.
func (r *Repository) CompletePartition(ctx context.Context, runID, partitionID string, atOffset int) (affected bool, err error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET completed = true
		WHERE run_id = $1 AND partition_id = $2
		  AND next_offset = $3 AND NOT completed AND NOT failed`,
		runID, partitionID, atOffset,
	)
	if err != nil {
		return false, fmt.Errorf("repository: complete partition %s/%s: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPartitionFailed is the §4.4 failure path's conditional update: only
// the first caller to transition a partition to failed gets
// firstTransition=true, which is what triggers the run.failedWorkers
// increment exactly once.
func (r *Repository) MarkPartitionFailed(ctx context.Context, runID, partitionID string) (firstTransition bool, err error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET failed = true
		WHERE run_id = $1 AND partition_id = $2 AND NOT completed AND NOT failed`,
		runID, partitionID,
	)
	if err != nil {
		return false, fmt.Errorf("repository: mark partition failed %s/%s: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() > 0, nil
}
