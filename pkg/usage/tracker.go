// Package usage records token usage for provider calls made by the stores.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/sqlstore"
)

// Tracker records and queries token usage.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryByStore returns records for a store since a given time, newest first.
	QueryByStore(ctx context.Context, store string, since time.Time) ([]models.UsageRecord, error)
	// TotalByModel returns total tokens used for a model since a given time.
	TotalByModel(ctx context.Context, model string, since time.Time) (int64, error)
	// Summary returns usage grouped by store and model, optionally filtered by store.
	Summary(ctx context.Context, store string) ([]models.UsageSummary, error)
}

// SQLTracker implements Tracker on the cache database.
type SQLTracker struct {
	db *sqlx.DB
}

const createSQLite = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	store TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	created_at DATETIME NOT NULL
)`

const createPostgres = `
CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	store TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

const createIndex = `CREATE INDEX IF NOT EXISTS idx_usage_store_time ON usage_records(store, created_at)`

// New creates the usage table if needed.
func New(ctx context.Context, db *sqlstore.DB) (*SQLTracker, error) {
	create := createSQLite
	if db.Dialect() == sqlstore.DialectPostgres {
		create = createPostgres
	}
	for _, stmt := range []string{create, createIndex} {
		if _, err := db.X().ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate usage table: %w", err)
		}
	}
	return &SQLTracker{db: db.X()}, nil
}

// Record stores a usage record.
func (t *SQLTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	_, err := t.db.NamedExecContext(ctx,
		`INSERT INTO usage_records (store, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES (:store, :model, :prompt_tokens, :completion_tokens, :total_tokens, :created_at)`,
		rec,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// QueryByStore returns usage records for a store since a given time.
func (t *SQLTracker) QueryByStore(ctx context.Context, store string, since time.Time) ([]models.UsageRecord, error) {
	var records []models.UsageRecord
	err := t.db.SelectContext(ctx, &records, t.db.Rebind(
		`SELECT id, store, model, prompt_tokens, completion_tokens, total_tokens, created_at
		 FROM usage_records WHERE store = ? AND created_at >= ? ORDER BY created_at DESC`),
		store, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	return records, nil
}

// TotalByModel returns total tokens used for a model since a given time.
func (t *SQLTracker) TotalByModel(ctx context.Context, model string, since time.Time) (int64, error) {
	var total int64
	err := t.db.GetContext(ctx, &total, t.db.Rebind(
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE model = ? AND created_at >= ?`),
		model, since.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("total usage by model: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by store and model.
func (t *SQLTracker) Summary(ctx context.Context, store string) ([]models.UsageSummary, error) {
	query := `SELECT store, model, COUNT(*) AS request_count,
		SUM(prompt_tokens) AS total_prompt, SUM(completion_tokens) AS total_completion,
		SUM(total_tokens) AS total_tokens
		FROM usage_records`
	var args []any
	if store != "" {
		query += ` WHERE store = ?`
		args = append(args, store)
	}
	query += ` GROUP BY store, model ORDER BY store, model`

	var summaries []models.UsageSummary
	if err := t.db.SelectContext(ctx, &summaries, t.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	return summaries, nil
}

// FromResponse builds a record from provider usage; nil usage yields zero counts.
func FromResponse(store, model string, u *models.Usage) models.UsageRecord {
	rec := models.UsageRecord{Store: store, Model: model, CreatedAt: time.Now().UTC()}
	if u != nil {
		rec.PromptTokens = u.PromptTokens
		rec.CompletionTokens = u.CompletionTokens
		rec.TotalTokens = u.TotalTokens
	}
	return rec
}
