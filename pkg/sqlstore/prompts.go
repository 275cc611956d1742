package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
)

// InsertPrompt registers p unless a prompt with the same id exists, and
// returns the stored row either way.
func (d *DB) InsertPrompt(ctx context.Context, p models.Prompt) (models.Prompt, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.NamedExecContext(ctx,
		`INSERT INTO prompt (id, name, prompt_str, created_at)
		 VALUES (:id, :name, :prompt_str, :created_at)
		 ON CONFLICT (id) DO NOTHING`,
		p,
	)
	if err != nil {
		return models.Prompt{}, fmt.Errorf("insert prompt: %w", err)
	}
	return d.GetPrompt(ctx, p.ID)
}

// GetPrompt returns the prompt with id, or ErrNotFound.
func (d *DB) GetPrompt(ctx context.Context, id string) (models.Prompt, error) {
	var p models.Prompt
	err := d.db.GetContext(ctx, &p,
		d.db.Rebind(`SELECT id, name, prompt_str, created_at FROM prompt WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Prompt{}, fmt.Errorf("prompt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Prompt{}, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

// ListPrompts returns all prompts, oldest first.
func (d *DB) ListPrompts(ctx context.Context) ([]models.Prompt, error) {
	var prompts []models.Prompt
	err := d.db.SelectContext(ctx, &prompts,
		`SELECT id, name, prompt_str, created_at FROM prompt ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return prompts, nil
}

// DeletePrompt removes a prompt and all of its responses. It returns the
// number of responses removed.
func (d *DB) DeletePrompt(ctx context.Context, id string) (int64, error) {
	var removed int64
	err := d.InTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(`DELETE FROM prompt_response WHERE prompt_id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete responses: %w", err)
		}
		removed, _ = res.RowsAffected()

		res, err = tx.tx.ExecContext(ctx, tx.tx.Rebind(`DELETE FROM prompt WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete prompt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("prompt %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
