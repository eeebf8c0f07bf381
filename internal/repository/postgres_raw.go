package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertRawRecords bulk-writes a page of supplier items into feedID's raw
// table, §4.4 step 7. The ON CONFLICT branch only touches mutable fields
// "if payloadHash differs" per §3; on a genuine change it resets
// consolidation_status to pending and clears the claim, so a row a
// consolidator is mid-processing never gets silently reprocessed under it
// without that reset passing through the pending state first. Batched the
// way the teacher batches UpsertTokenTransfers, one INSERT per record in a
// pgx.Batch rather than one round trip per record.
func (r *Repository) UpsertRawRecords(ctx context.Context, feedID string, records []models.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	table, err := r.rawTable(feedID)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			supplier_stone_id, run_id, feed_id, offer_id, payload, payload_hash,
			source_updated_at, consolidation_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', NOW())
		ON CONFLICT (supplier_stone_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			offer_id = EXCLUDED.offer_id,
			payload = EXCLUDED.payload,
			payload_hash = EXCLUDED.payload_hash,
			source_updated_at = EXCLUDED.source_updated_at,
			consolidation_status = 'pending',
			claimed_at = NULL,
			claimed_by = NULL
		WHERE %s.payload_hash IS DISTINCT FROM EXCLUDED.payload_hash`, table, table)

	for _, rec := range records {
		batch.Queue(query,
			rec.SupplierStoneID, rec.RunID, rec.FeedID, rec.OfferID,
			rec.Payload, rec.PayloadHash, rec.SourceUpdatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("repository: upsert raw record into %s: %w", table, err)
		}
	}
	return nil
}

// RawClaim is one row claimed for consolidation: the DB-internal id used
// to address it in the write-back UPDATE, plus the fields the map phase
// needs.
type RawClaim struct {
	ID              string
	SupplierStoneID string
	Payload         []byte
}

// ClaimBatch implements §4.5 step 4a: SELECT ... FOR UPDATE SKIP LOCKED
// under an UPDATE, so concurrent consolidator instances never claim the
// same row, returning zero rows (not an error) once the feed's pending
// backlog is drained.
func (r *Repository) ClaimBatch(ctx context.Context, feedID, instanceID string, batchSize int) ([]RawClaim, error) {
	table, err := r.rawTable(feedID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET consolidation_status = 'processing', claimed_at = NOW(), claimed_by = $1
		WHERE id IN (
			SELECT id FROM %s
			WHERE consolidation_status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, supplier_stone_id, payload`, table, table)

	rows, err := r.db.Query(ctx, query, instanceID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("repository: claim batch from %s: %w", table, err)
	}
	defer rows.Close()

	var claims []RawClaim
	for rows.Next() {
		var c RawClaim
		if err := rows.Scan(&c.ID, &c.SupplierStoneID, &c.Payload); err != nil {
			return nil, fmt.Errorf("repository: scan claim from %s: %w", table, err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// ResetStuckClaims implements §4.5 step 2: any row claimed longer than ttl
// ago without finishing is returned to pending, the lease-reaper pattern
// from the teacher's ReclaimLease retargeted from a TTL-expired block-range
// lease to a TTL-expired raw-row claim.
func (r *Repository) ResetStuckClaims(ctx context.Context, feedID string, ttl time.Duration) (int64, error) {
	table, err := r.rawTable(feedID)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET consolidation_status = 'pending', claimed_at = NULL, claimed_by = NULL
		WHERE consolidation_status = 'processing' AND claimed_at < NOW() - $1::interval`, table)

	tag, err := r.db.Exec(ctx, query, ttl.String())
	if err != nil {
		return 0, fmt.Errorf("repository: reset stuck claims in %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// MarkRawDone implements §4.5 step 4e's success branch: status=done and
// consolidated_at=now() (the status column doubles as the consolidated
// flag), with payload cleared only when clearPayload is set (payload
// retention is left to the caller, matching "MAY be cleared" in §3).
func (r *Repository) MarkRawDone(ctx context.Context, feedID string, ids []string, clearPayload bool) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := r.rawTable(feedID)
	if err != nil {
		return err
	}

	setClause := "consolidation_status = 'done', consolidated_at = NOW()"
	if clearPayload {
		setClause += ", payload = NULL"
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ANY($1)`, table, setClause)

	if _, err := r.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("repository: mark raw done in %s: %w", table, err)
	}
	return nil
}

// MarkRawFailed implements §4.5 step 4e's failure branch.
func (r *Repository) MarkRawFailed(ctx context.Context, feedID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := r.rawTable(feedID)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET consolidation_status = 'failed' WHERE id = ANY($1)`, table)
	if _, err := r.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("repository: mark raw failed in %s: %w", table, err)
	}
	return nil
}

// CountPendingRaw reports the backlog size for a feed; the consolidation
// path does not call it.
func (r *Repository) CountPendingRaw(ctx context.Context, feedID string) (int, error) {
	table, err := r.rawTable(feedID)
	if err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE consolidation_status = 'pending'`, table)
	if err := r.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("repository: count pending in %s: %w", table, err)
	}
	return n, nil
}
