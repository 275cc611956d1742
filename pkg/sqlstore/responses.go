package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
)

const responseColumns = `prompt_id, given_id, text_id, text, model, response_full, response_text, num_errors, created_at, updated_at`

// GetResponse returns one response row, or ErrNotFound.
func (d *DB) GetResponse(ctx context.Context, promptID, givenID, textID string) (models.ResponseRecord, error) {
	var r models.ResponseRecord
	err := d.db.GetContext(ctx, &r, d.db.Rebind(
		`SELECT `+responseColumns+` FROM prompt_response
		 WHERE prompt_id = ? AND given_id = ? AND text_id = ?`),
		promptID, givenID, textID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ResponseRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ResponseRecord{}, fmt.Errorf("get response: %w", err)
	}
	return r, nil
}

// FindResponses returns the rows matching keys under promptID. Keys are
// queried in chunks of the configured size.
func (d *DB) FindResponses(ctx context.Context, promptID string, keys []models.ResponseKey) (map[models.ResponseKey]models.ResponseRecord, error) {
	found := make(map[models.ResponseKey]models.ResponseRecord, len(keys))
	want := make(map[models.ResponseKey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	for _, c := range chunks(len(keys), d.chunk) {
		part := keys[c[0]:c[1]]
		givenIDs := make([]string, len(part))
		textIDs := make([]string, len(part))
		for i, k := range part {
			givenIDs[i] = k.GivenID
			textIDs[i] = k.TextID
		}

		query, args, err := sqlx.In(
			`SELECT `+responseColumns+` FROM prompt_response
			 WHERE prompt_id = ? AND given_id IN (?) AND text_id IN (?)`,
			promptID, givenIDs, textIDs,
		)
		if err != nil {
			return nil, fmt.Errorf("build response lookup: %w", err)
		}
		var rows []models.ResponseRecord
		if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("find responses: %w", err)
		}
		for _, r := range rows {
			if want[r.Key()] {
				found[r.Key()] = r
			}
		}
	}
	return found, nil
}

// ListResponses returns every row for promptID, newest first.
func (d *DB) ListResponses(ctx context.Context, promptID string) ([]models.ResponseRecord, error) {
	var rows []models.ResponseRecord
	err := d.db.SelectContext(ctx, &rows, d.db.Rebind(
		`SELECT `+responseColumns+` FROM prompt_response
		 WHERE prompt_id = ? ORDER BY updated_at DESC, given_id`),
		promptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	return rows, nil
}

// PruneSuperseded deletes rows of promptID whose given_id has a newer
// successful row for a different text_id. It returns the number removed.
func (d *DB) PruneSuperseded(ctx context.Context, promptID string) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(
		`DELETE FROM prompt_response
		 WHERE prompt_id = ? AND EXISTS (
			SELECT 1 FROM prompt_response newer
			WHERE newer.prompt_id = prompt_response.prompt_id
			  AND newer.given_id = prompt_response.given_id
			  AND newer.text_id <> prompt_response.text_id
			  AND newer.num_errors = 0
			  AND newer.updated_at > prompt_response.updated_at
		 )`),
		promptID,
	)
	if err != nil {
		return 0, fmt.Errorf("prune superseded responses: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertResponses writes successful results. An existing row for the same
// key is overwritten, clearing its error count.
func (t *Tx) UpsertResponses(ctx context.Context, recs []models.ResponseRecord) error {
	now := time.Now().UTC()
	for _, r := range recs {
		stampResponse(&r, now)
		r.NumErrors = 0
		_, err := t.tx.NamedExecContext(ctx,
			`INSERT INTO prompt_response (`+responseColumns+`)
			 VALUES (:prompt_id, :given_id, :text_id, :text, :model, :response_full, :response_text, :num_errors, :created_at, :updated_at)
			 ON CONFLICT (prompt_id, given_id, text_id) DO UPDATE SET
				text = excluded.text,
				model = excluded.model,
				response_full = excluded.response_full,
				response_text = excluded.response_text,
				num_errors = excluded.num_errors,
				updated_at = excluded.updated_at`,
			r,
		)
		if err != nil {
			return fmt.Errorf("upsert response %s: %w", r.GivenID, err)
		}
	}
	return nil
}

// MarkResponseErrors records a failed attempt per key: a new row with one
// error, or an incremented count on the existing row.
func (t *Tx) MarkResponseErrors(ctx context.Context, recs []models.ResponseRecord) error {
	now := time.Now().UTC()
	for _, r := range recs {
		stampResponse(&r, now)
		r.NumErrors = 1
		_, err := t.tx.NamedExecContext(ctx,
			`INSERT INTO prompt_response (`+responseColumns+`)
			 VALUES (:prompt_id, :given_id, :text_id, :text, :model, :response_full, :response_text, :num_errors, :created_at, :updated_at)
			 ON CONFLICT (prompt_id, given_id, text_id) DO UPDATE SET
				num_errors = prompt_response.num_errors + 1,
				model = excluded.model,
				updated_at = excluded.updated_at`,
			r,
		)
		if err != nil {
			return fmt.Errorf("mark response error %s: %w", r.GivenID, err)
		}
	}
	return nil
}

func stampResponse(r *models.ResponseRecord, now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}
