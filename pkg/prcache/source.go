package prcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/contenthash"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/sqlstore"
)

// Configuration errors returned by the constructors.
var (
	ErrNoPrompt         = errors.New("no prompt given")
	ErrPromptNotFound   = errors.New("prompt not found")
	ErrPromptIDMismatch = errors.New("prompt id does not match prompt text")
)

type sourceKind uint8

const (
	sourceNone sourceKind = iota
	sourcePrompt
	sourceText
	sourceID
)

// PromptSource says which prompt a store answers for. Build one with
// FromPrompt, FromText or FromID.
type PromptSource struct {
	kind   sourceKind
	prompt models.Prompt
}

// FromPrompt uses an existing record. Its ID must be the hash of its text.
func FromPrompt(p models.Prompt) PromptSource {
	return PromptSource{kind: sourcePrompt, prompt: p}
}

// FromText registers text under name unless the same text is already known.
func FromText(name, text string) PromptSource {
	return PromptSource{kind: sourceText, prompt: models.Prompt{
		ID:   contenthash.PromptID(text),
		Name: name,
		Text: text,
	}}
}

// FromID looks up a registered prompt.
func FromID(id string) PromptSource {
	return PromptSource{kind: sourceID, prompt: models.Prompt{ID: id}}
}

// Resolve returns the stored prompt for s, registering it when needed.
func (s PromptSource) Resolve(ctx context.Context, db *sqlstore.DB) (models.Prompt, error) {
	switch s.kind {
	case sourcePrompt:
		if want := contenthash.PromptID(s.prompt.Text); s.prompt.ID != want {
			return models.Prompt{}, fmt.Errorf("%w: got %s, text hashes to %s", ErrPromptIDMismatch, s.prompt.ID, want)
		}
		return db.InsertPrompt(ctx, s.prompt)
	case sourceText:
		if s.prompt.Text == "" {
			return models.Prompt{}, ErrNoPrompt
		}
		return db.InsertPrompt(ctx, s.prompt)
	case sourceID:
		p, err := db.GetPrompt(ctx, s.prompt.ID)
		if errors.Is(err, sqlstore.ErrNotFound) {
			return models.Prompt{}, fmt.Errorf("%w: %s", ErrPromptNotFound, s.prompt.ID)
		}
		return p, err
	default:
		return models.Prompt{}, ErrNoPrompt
	}
}
