package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/models"
)

// LoadPricingRules and LoadRatingRules implement §4.5 step 3: "load pricing
// rules and rating rules into memory for the life of this consolidation."
// Evaluation of the opaque Definition blob is out of scope per §1.
func (r *Repository) LoadPricingRules(ctx context.Context, feedID string) ([]models.PricingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, feed_id, definition FROM pricing_rules WHERE feed_id = $1`,
		feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: load pricing rules for %s: %w", feedID, err)
	}
	defer rows.Close()

	var rules []models.PricingRule
	for rows.Next() {
		var rule models.PricingRule
		if err := rows.Scan(&rule.ID, &rule.FeedID, &rule.Definition); err != nil {
			return nil, fmt.Errorf("repository: scan pricing rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *Repository) LoadRatingRules(ctx context.Context, feedID string) ([]models.RatingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, feed_id, definition FROM rating_rules WHERE feed_id = $1`,
		feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: load rating rules for %s: %w", feedID, err)
	}
	defer rows.Close()

	var rules []models.RatingRule
	for rows.Next() {
		var rule models.RatingRule
		if err := rows.Scan(&rule.ID, &rule.FeedID, &rule.Definition); err != nil {
			return nil, fmt.Errorf("repository: scan rating rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// BumpDatasetVersion implements §4.5 step 6.
func (r *Repository) BumpDatasetVersion(ctx context.Context, feedID string) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO dataset_versions (feed_id, version)
		VALUES ($1, 1)
		ON CONFLICT (feed_id) DO UPDATE SET version = dataset_versions.version + 1
		RETURNING version`,
		feedID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("repository: bump dataset version for %s: %w", feedID, err)
	}
	return version, nil
}

// LogError is the durable half of the fire-and-forget error sink described
// in §9: failures inside it are logged by the caller but never propagated.
func (r *Repository) LogError(ctx context.Context, entry models.ErrorLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO error_logs (feed_id, run_id, stage, message, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		entry.FeedID, entry.RunID, entry.Stage, entry.Message,
	)
	if err != nil {
		return fmt.Errorf("repository: log error for run %s: %w", entry.RunID, err)
	}
	return nil
}

// TryAcquireToken implements ratelimit.Store: a fixed-window counter row
// keyed by (feedId, "global") per §5/§9, refilled when the window has
// elapsed and decremented under the row's own lock so concurrent workers
// across processes share one budget rather than one token bucket each.
func (r *Repository) TryAcquireToken(ctx context.Context, key string, maxPerWindow int, window time.Duration) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("repository: begin rate limit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rate_limit_buckets (bucket_key, current_count, window_start)
		VALUES ($1, 0, NOW())
		ON CONFLICT (bucket_key) DO NOTHING`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("repository: init rate limit bucket %s: %w", key, err)
	}

	var count int
	var windowStart time.Time
	err = tx.QueryRow(ctx, `
		SELECT current_count, window_start FROM rate_limit_buckets
		WHERE bucket_key = $1 FOR UPDATE`,
		key,
	).Scan(&count, &windowStart)
	if err != nil {
		return false, fmt.Errorf("repository: read rate limit bucket %s: %w", key, err)
	}

	if time.Since(windowStart) >= window {
		count = 0
		windowStart = time.Now()
	}

	acquired := count < maxPerWindow
	if acquired {
		count++
	}

	_, err = tx.Exec(ctx, `
		UPDATE rate_limit_buckets SET current_count = $2, window_start = $3
		WHERE bucket_key = $1`,
		key, count, windowStart,
	)
	if err != nil {
		return false, fmt.Errorf("repository: update rate limit bucket %s: %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("repository: commit rate limit tx: %w", err)
	}
	return acquired, nil
}
