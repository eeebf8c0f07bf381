// Package repository is the relational store for every entity in §3:
// run_metadata, worker_runs, partition_progress, the per-feed raw_<feed>
// tables, canonical records, pricing_rules, rating_rules, dataset_versions,
// and error_logs. Pool setup and the allowlist guard follow the teacher's
// repo_core.go (pgxpool.ParseConfig + env overrides + runtime timeouts);
// the CAS/claim methods in the sibling files are the direct descendants of
// postgres_leasing.go's worker_leases pattern, retargeted from block-height
// leases to price-partition progress and raw-row claims.
package repository

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository wraps a pgxpool.Pool plus the allowlist of raw table names a
// caller may address. rawTables is built from the set of registered
// adapter.Meta.RawTable values at process startup, never from
// request-supplied strings, satisfying §6's "raw table names MUST never be
// interpolated from external input except via that allowlist."
type Repository struct {
	db        *pgxpool.Pool
	rawTables map[string]string // feedID -> validated raw table name
}

func NewRepository(ctx context.Context, dbURL string, rawTables map[string]string, minConns, maxConns int) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("repository: parse db url: %w", err)
	}

	if minConns > 0 {
		cfg.MinConns = int32(minConns)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["statement_timeout"]; !ok {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = getEnvDefault("DB_STATEMENT_TIMEOUT", "300000")
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]; !ok {
		cfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = getEnvDefault("DB_IDLE_TX_TIMEOUT", "120000")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: connect: %w", err)
	}

	validated := make(map[string]string, len(rawTables))
	for feedID, table := range rawTables {
		if !isValidIdentifier(table) {
			pool.Close()
			return nil, fmt.Errorf("repository: invalid raw table identifier %q for feed %q", table, feedID)
		}
		validated[feedID] = table
	}

	return &Repository{db: pool, rawTables: validated}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// isValidIdentifier restricts raw table names to a conservative charset,
// independent of the allowlist membership check itself: defense in depth
// against a misconfigured allowlist entry.
func isValidIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// rawTable resolves feedID to its validated raw table name. Callers must
// never fall back to formatting an unresolved feedID directly into SQL.
func (r *Repository) rawTable(feedID string) (string, error) {
	table, ok := r.rawTables[feedID]
	if !ok {
		return "", fmt.Errorf("repository: feed %q is not in the raw table allowlist", feedID)
	}
	return table, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// Migrate executes a schema file in one shot, mirroring the teacher's
// Repository.Migrate.
func (r *Repository) Migrate(ctx context.Context, schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("repository: read schema: %w", err)
	}
	if _, err := r.db.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("repository: apply schema: %w", err)
	}
	return nil
}

// MigrateRawTable instantiates the raw-table DDL template for feedID,
// validating the table name through the same allowlist every query goes
// through before substituting it into the CREATE TABLE statement.
func (r *Repository) MigrateRawTable(ctx context.Context, feedID, templatePath string) error {
	table, err := r.rawTable(feedID)
	if err != nil {
		return err
	}

	tmpl, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("repository: read raw table template: %w", err)
	}

	ddl := fmt.Sprintf(string(tmpl), table, table, table, table, table)
	if _, err := r.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("repository: create raw table %s: %w", table, err)
	}
	return nil
}
