package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
)

// embeddingRow stores the vector as JSON text so every dialect can hold it.
type embeddingRow struct {
	ModelName string    `db:"model_name"`
	TextID    string    `db:"text_id"`
	Text      string    `db:"text"`
	Embedding string    `db:"embedding"`
	NumErrors int       `db:"num_errors"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r embeddingRow) record() (models.EmbeddingRecord, error) {
	rec := models.EmbeddingRecord{
		ModelName: r.ModelName,
		TextID:    r.TextID,
		Text:      r.Text,
		NumErrors: r.NumErrors,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Embedding != "" {
		if err := json.Unmarshal([]byte(r.Embedding), &rec.Embedding); err != nil {
			return rec, fmt.Errorf("decode embedding %s: %w", r.TextID, err)
		}
	}
	return rec, nil
}

func toEmbeddingRow(rec models.EmbeddingRecord, now time.Time) (embeddingRow, error) {
	row := embeddingRow{
		ModelName: rec.ModelName,
		TextID:    rec.TextID,
		Text:      rec.Text,
		NumErrors: rec.NumErrors,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: now,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if rec.Embedding != nil {
		raw, err := json.Marshal(rec.Embedding)
		if err != nil {
			return row, fmt.Errorf("encode embedding %s: %w", rec.TextID, err)
		}
		row.Embedding = string(raw)
	}
	return row, nil
}

const embeddingColumns = `model_name, text_id, text, embedding, num_errors, created_at, updated_at`

// FindEmbeddings returns rows for model keyed by text_id, querying in chunks.
func (d *DB) FindEmbeddings(ctx context.Context, model string, textIDs []string) (map[string]models.EmbeddingRecord, error) {
	found := make(map[string]models.EmbeddingRecord, len(textIDs))
	for _, c := range chunks(len(textIDs), d.chunk) {
		query, args, err := sqlx.In(
			`SELECT `+embeddingColumns+` FROM embedding WHERE model_name = ? AND text_id IN (?)`,
			model, textIDs[c[0]:c[1]],
		)
		if err != nil {
			return nil, fmt.Errorf("build embedding lookup: %w", err)
		}
		var rows []embeddingRow
		if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("find embeddings: %w", err)
		}
		for _, r := range rows {
			rec, err := r.record()
			if err != nil {
				return nil, err
			}
			found[r.TextID] = rec
		}
	}
	return found, nil
}

// UpsertEmbeddings writes successful vectors, clearing any error count.
func (t *Tx) UpsertEmbeddings(ctx context.Context, recs []models.EmbeddingRecord) error {
	now := time.Now().UTC()
	for _, rec := range recs {
		rec.NumErrors = 0
		row, err := toEmbeddingRow(rec, now)
		if err != nil {
			return err
		}
		_, err = t.tx.NamedExecContext(ctx,
			`INSERT INTO embedding (`+embeddingColumns+`)
			 VALUES (:model_name, :text_id, :text, :embedding, :num_errors, :created_at, :updated_at)
			 ON CONFLICT (model_name, text_id) DO UPDATE SET
				text = excluded.text,
				embedding = excluded.embedding,
				num_errors = excluded.num_errors,
				updated_at = excluded.updated_at`,
			row,
		)
		if err != nil {
			return fmt.Errorf("upsert embedding %s: %w", rec.TextID, err)
		}
	}
	return nil
}

// MarkEmbeddingErrors records one failed attempt per text.
func (t *Tx) MarkEmbeddingErrors(ctx context.Context, recs []models.EmbeddingRecord) error {
	now := time.Now().UTC()
	for _, rec := range recs {
		rec.NumErrors = 1
		rec.Embedding = nil
		row, err := toEmbeddingRow(rec, now)
		if err != nil {
			return err
		}
		_, err = t.tx.NamedExecContext(ctx,
			`INSERT INTO embedding (`+embeddingColumns+`)
			 VALUES (:model_name, :text_id, :text, :embedding, :num_errors, :created_at, :updated_at)
			 ON CONFLICT (model_name, text_id) DO UPDATE SET
				num_errors = embedding.num_errors + 1,
				updated_at = excluded.updated_at`,
			row,
		)
		if err != nil {
			return fmt.Errorf("mark embedding error %s: %w", rec.TextID, err)
		}
	}
	return nil
}
