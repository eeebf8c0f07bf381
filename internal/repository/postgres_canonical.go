package repository

import (
	"context"
	"fmt"

	"github.com/shaunnez/diamond-opus-sub003/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertCanonicalRecords implements §4.5 step 4d's write phase: bulk-upsert
// keyed by (feedId, supplierStoneId), with the no-op predicate from §3 so a
// write that changes nothing doesn't bump updated_at. The dataset version
// is bumped separately by the consolidator after every pass.
func (r *Repository) UpsertCanonicalRecords(ctx context.Context, records []models.CanonicalRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO canonical (
			feed_id, supplier_stone_id, offer_id, computed_price, rating,
			status, source_updated_at, attributes, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (feed_id, supplier_stone_id) DO UPDATE SET
			offer_id = EXCLUDED.offer_id,
			computed_price = EXCLUDED.computed_price,
			rating = EXCLUDED.rating,
			status = EXCLUDED.status,
			source_updated_at = EXCLUDED.source_updated_at,
			attributes = EXCLUDED.attributes,
			updated_at = NOW()
		WHERE canonical.source_updated_at IS DISTINCT FROM EXCLUDED.source_updated_at
		   OR canonical.computed_price IS DISTINCT FROM EXCLUDED.computed_price
		   OR canonical.status IS DISTINCT FROM EXCLUDED.status`

	for _, rec := range records {
		batch.Queue(query,
			rec.FeedID, rec.SupplierStoneID, rec.OfferID, rec.ComputedPrice,
			rec.Rating, rec.Status, rec.SourceUpdatedAt, rec.Attributes,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("repository: upsert canonical record: %w", err)
		}
	}
	return nil
}

// GetCanonicalRecord reads one canonical row by (feedID, supplierStoneID),
// returning ErrNotFound when it doesn't exist.
func (r *Repository) GetCanonicalRecord(ctx context.Context, feedID, supplierStoneID string) (models.CanonicalRecord, error) {
	var rec models.CanonicalRecord
	err := r.db.QueryRow(ctx, `
		SELECT feed_id, supplier_stone_id, offer_id, computed_price, rating,
		       status, source_updated_at, attributes, updated_at
		FROM canonical WHERE feed_id = $1 AND supplier_stone_id = $2`,
		feedID, supplierStoneID,
	).Scan(
		&rec.FeedID, &rec.SupplierStoneID, &rec.OfferID, &rec.ComputedPrice,
		&rec.Rating, &rec.Status, &rec.SourceUpdatedAt, &rec.Attributes, &rec.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return models.CanonicalRecord{}, fmt.Errorf("repository: canonical %s/%s: %w", feedID, supplierStoneID, ErrNotFound)
	}
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("repository: get canonical %s/%s: %w", feedID, supplierStoneID, err)
	}
	return rec, nil
}
