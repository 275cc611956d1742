package prcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/contenthash"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/provider"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/sqlstore"
)

// Example is one worked input/output pair shown to the model.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// FewShotInput is an entity description plus the examples to show with it.
// Its JSON serialization is the text that is hashed and stored.
type FewShotInput struct {
	Entity   string    `json:"entity"`
	Examples []Example `json:"examples"`
}

// FewShotItem is one input to FewShotStore.BulkGetOrRun.
type FewShotItem struct {
	GivenID string
	Input   FewShotInput
}

// FewShotStore caches completions for few-shot inputs.
type FewShotStore struct {
	store *Store
}

// NewFewShot returns a store whose messages are the prompt, the examples as
// alternating user and assistant turns, then the entity.
func NewFewShot(ctx context.Context, db *sqlstore.DB, completer provider.Completer, src PromptSource, opts Options) (*FewShotStore, error) {
	if opts.Name == "" {
		opts.Name = "fewshot"
	}
	s, err := New(ctx, db, completer, src, opts)
	if err != nil {
		return nil, err
	}
	s.build = fewShotMessages
	return &FewShotStore{store: s}, nil
}

// Prompt returns the resolved prompt.
func (f *FewShotStore) Prompt() models.Prompt { return f.store.Prompt() }

// GetOrRun is Store.GetOrRun for a structured input.
func (f *FewShotStore) GetOrRun(ctx context.Context, givenID string, in FewShotInput, ro RunOptions) (*models.ResponseRecord, error) {
	text, _, err := contenthash.StructuredID(in)
	if err != nil {
		return nil, err
	}
	return f.store.GetOrRun(ctx, givenID, text, ro)
}

// BulkGetOrRun is Store.BulkGetOrRun for structured inputs.
func (f *FewShotStore) BulkGetOrRun(ctx context.Context, items []FewShotItem, bo BulkOptions) (map[string]models.ResponseRecord, error) {
	plain := make([]Item, len(items))
	for i, it := range items {
		text, _, err := contenthash.StructuredID(it.Input)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", it.GivenID, err)
		}
		plain[i] = Item{GivenID: it.GivenID, Text: text}
	}
	return f.store.BulkGetOrRun(ctx, plain, bo)
}

func fewShotMessages(system, text string) ([]models.ChatMessage, error) {
	var in FewShotInput
	if err := json.Unmarshal([]byte(text), &in); err != nil {
		return nil, fmt.Errorf("decode few-shot input: %w", err)
	}
	msgs := make([]models.ChatMessage, 0, 2+2*len(in.Examples))
	msgs = append(msgs, models.ChatMessage{Role: "system", Content: system})
	for _, ex := range in.Examples {
		msgs = append(msgs,
			models.ChatMessage{Role: "user", Content: ex.Input},
			models.ChatMessage{Role: "assistant", Content: ex.Output},
		)
	}
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: in.Entity})
	return msgs, nil
}
