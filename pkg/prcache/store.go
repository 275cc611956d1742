// Package prcache caches LLM completions per (prompt, given id, input text)
// and runs the missing ones in bulk.
package prcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/config"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/contenthash"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/dispatch"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/logging"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/metrics"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/provider"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/sqlstore"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/usage"
)

// Options configures a Store.
type Options struct {
	// Name labels logs, metrics and usage records. Defaults to "prompt".
	Name  string
	Model string
	Bulk  config.BulkDefaults

	Logger   *slog.Logger
	Recorder *metrics.Recorder
	Tracker  usage.Tracker
}

// RunOptions are per-call completion parameters.
type RunOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
	Seed        *int
	// SkipCache runs every item even when a good row exists.
	SkipCache bool
	// Extra is merged into the provider request body.
	Extra map[string]any
}

// BulkOptions adds dispatch limits to RunOptions. Zero values take the
// store defaults.
type BulkOptions struct {
	RunOptions
	NPerCommit int
	MaxWorkers int
	MaxErrors  int
}

// Item is one input to a bulk call.
type Item struct {
	GivenID string
	Text    string
}

type messageBuilder func(system, text string) ([]models.ChatMessage, error)

// Store is a prompt-response cache bound to one prompt.
type Store struct {
	db        *sqlstore.DB
	completer provider.Completer
	prompt    models.Prompt
	opts      Options
	logger    *slog.Logger

	build    messageBuilder
	format   *models.ResponseFormat
	validate func(content string) error
}

// New resolves src and returns a Store for it. Configuration errors such as
// ErrNoPrompt are returned here.
func New(ctx context.Context, db *sqlstore.DB, completer provider.Completer, src PromptSource, opts Options) (*Store, error) {
	prompt, err := src.Resolve(ctx, db)
	if err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = "prompt"
	}
	if opts.Bulk.NPerCommit <= 0 {
		opts.Bulk.NPerCommit = 50
	}
	if opts.Bulk.MaxWorkers <= 0 {
		opts.Bulk.MaxWorkers = 3
	}
	if opts.Bulk.MaxErrors <= 0 {
		opts.Bulk.MaxErrors = 1
	}
	return &Store{
		db:        db,
		completer: completer,
		prompt:    prompt,
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger).With("store", opts.Name, "prompt_id", prompt.ID),
		build:     plainMessages,
	}, nil
}

// Prompt returns the resolved prompt.
func (s *Store) Prompt() models.Prompt { return s.prompt }

func plainMessages(system, text string) ([]models.ChatMessage, error) {
	return []models.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}, nil
}

// GetOrRun returns the cached response for (givenID, text), or runs the
// completion. A failed completion is recorded and yields a nil record with a
// nil error; only database errors are returned.
func (s *Store) GetOrRun(ctx context.Context, givenID, text string, ro RunOptions) (*models.ResponseRecord, error) {
	item := Item{GivenID: givenID, Text: text}
	textID := contenthash.TextID(text)

	if !ro.SkipCache {
		rec, err := s.db.GetResponse(ctx, s.prompt.ID, givenID, textID)
		switch {
		case err == nil && rec.NumErrors == 0:
			s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeFound, 1)
			return &rec, nil
		case err != nil && !errors.Is(err, sqlstore.ErrNotFound):
			return nil, err
		}
	}

	rec, runErr := s.run(ctx, item, ro)
	err := s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
		if runErr != nil {
			return tx.MarkResponseErrors(ctx, []models.ResponseRecord{s.errorRecord(item, ro)})
		}
		return tx.UpsertResponses(ctx, []models.ResponseRecord{rec})
	})
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeFailed, 1)
		s.logger.Warn("completion failed", "given_id", givenID, "text_id", textID, "error", runErr)
		return nil, nil
	}
	s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeRan, 1)
	return &rec, nil
}

type pending struct {
	item   Item
	textID string
}

// BulkGetOrRun returns a response per given id. Cached rows are reused,
// rows with fewer than MaxErrors failures are retried, and the rest run in
// commit spans of NPerCommit items across MaxWorkers workers. Items that
// fail, or have failed MaxErrors times, are absent from the result.
//
// A given id listed with several texts is answered for the last of them;
// the other texts are still run and stored.
//
// Cancelling ctx stops the run after the span in flight is committed; the
// partial result is returned with a nil error.
func (s *Store) BulkGetOrRun(ctx context.Context, items []Item, bo BulkOptions) (map[string]models.ResponseRecord, error) {
	bo = s.withDefaults(bo)
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)

	seen := make(map[Item]bool, len(items))
	// given id -> text id of its last input
	want := make(map[string]string, len(items))
	var uniq []pending
	for _, it := range items {
		textID := contenthash.TextID(it.Text)
		want[it.GivenID] = textID
		if seen[it] {
			continue
		}
		seen[it] = true
		uniq = append(uniq, pending{item: it, textID: textID})
	}
	answer := func(result map[string]models.ResponseRecord, rec models.ResponseRecord) {
		if want[rec.GivenID] == rec.TextID {
			result[rec.GivenID] = rec
		}
	}

	var found map[models.ResponseKey]models.ResponseRecord
	if !bo.SkipCache {
		keys := make([]models.ResponseKey, len(uniq))
		for i, p := range uniq {
			keys[i] = models.ResponseKey{GivenID: p.item.GivenID, TextID: p.textID}
		}
		var err error
		found, err = s.db.FindResponses(ctx, s.prompt.ID, keys)
		if err != nil {
			return nil, err
		}
	}

	result := make(map[string]models.ResponseRecord, len(uniq))
	var toRun []Item
	hits, skipped := 0, 0
	for _, p := range uniq {
		rec, ok := found[models.ResponseKey{GivenID: p.item.GivenID, TextID: p.textID}]
		switch {
		case !ok:
			toRun = append(toRun, p.item)
		case rec.NumErrors == 0:
			hits++
			answer(result, rec)
		case rec.NumErrors < bo.MaxErrors:
			toRun = append(toRun, p.item)
		default:
			skipped++
		}
	}
	s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeFound, hits)
	s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeSkipped, skipped)
	logger.Info("bulk lookup done", "items", len(uniq), "found", hits, "to_run", len(toRun), "skipped", skipped)
	if len(toRun) == 0 {
		return result, nil
	}

	start := time.Now()
	report, err := dispatch.Run(ctx, toRun,
		dispatch.Options{
			Batcher:    dispatch.FixedBatcher{Size: bo.NPerCommit},
			MaxWorkers: bo.MaxWorkers,
			Store:      s.opts.Name,
			Logger:     logger,
			Recorder:   s.opts.Recorder,
		},
		func(ctx context.Context, it Item) (models.ResponseRecord, error) {
			return s.run(ctx, it, bo.RunOptions)
		},
		func(ctx context.Context, outcomes []dispatch.Outcome[Item, models.ResponseRecord]) error {
			var ok, failed []models.ResponseRecord
			for _, o := range outcomes {
				if o.Err != nil {
					logger.Warn("completion failed", "given_id", o.Item.GivenID, "text_id", contenthash.TextID(o.Item.Text), "error", o.Err)
					failed = append(failed, s.errorRecord(o.Item, bo.RunOptions))
					continue
				}
				ok = append(ok, o.Value)
			}
			if err := s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
				if err := tx.UpsertResponses(ctx, ok); err != nil {
					return err
				}
				return tx.MarkResponseErrors(ctx, failed)
			}); err != nil {
				return err
			}
			for _, rec := range ok {
				answer(result, rec)
			}
			s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeRan, len(ok))
			s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeFailed, len(failed))
			return nil
		},
	)
	logger.Info("bulk run done",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"spans", report.Spans,
		"committed", report.Committed,
		"interrupted", report.Interrupted,
		"duration", time.Since(start),
	)
	if err != nil {
		return result, fmt.Errorf("bulk %s: %w", s.opts.Name, err)
	}
	return result, nil
}

func (s *Store) withDefaults(bo BulkOptions) BulkOptions {
	if bo.NPerCommit <= 0 {
		bo.NPerCommit = s.opts.Bulk.NPerCommit
	}
	if bo.MaxWorkers <= 0 {
		bo.MaxWorkers = s.opts.Bulk.MaxWorkers
	}
	if bo.MaxErrors <= 0 {
		bo.MaxErrors = s.opts.Bulk.MaxErrors
	}
	return bo
}

func (s *Store) model(ro RunOptions) string {
	if ro.Model != "" {
		return ro.Model
	}
	return s.opts.Model
}

// run performs one completion and returns the record to store.
func (s *Store) run(ctx context.Context, it Item, ro RunOptions) (models.ResponseRecord, error) {
	msgs, err := s.build(s.prompt.Text, it.Text)
	if err != nil {
		return models.ResponseRecord{}, fmt.Errorf("build messages: %w", err)
	}
	model := s.model(ro)
	req := models.ChatCompletionRequest{
		Model:          model,
		Messages:       msgs,
		Temperature:    ro.Temperature,
		MaxTokens:      ro.MaxTokens,
		Seed:           ro.Seed,
		ResponseFormat: s.format,
		Extra:          ro.Extra,
	}
	resp, raw, err := s.completer.Complete(ctx, req)
	if err != nil {
		return models.ResponseRecord{}, err
	}
	if s.opts.Tracker != nil {
		if err := s.opts.Tracker.Record(ctx, usage.FromResponse(s.opts.Name, model, resp.Usage)); err != nil {
			s.logger.Warn("usage record failed", "error", err)
		}
	}
	content := resp.Content()
	if s.validate != nil {
		if err := s.validate(content); err != nil {
			return models.ResponseRecord{}, err
		}
	}
	return models.ResponseRecord{
		PromptID:     s.prompt.ID,
		GivenID:      it.GivenID,
		TextID:       contenthash.TextID(it.Text),
		Text:         it.Text,
		Model:        model,
		ResponseFull: string(raw),
		ResponseText: content,
	}, nil
}

func (s *Store) errorRecord(it Item, ro RunOptions) models.ResponseRecord {
	return models.ResponseRecord{
		PromptID: s.prompt.ID,
		GivenID:  it.GivenID,
		TextID:   contenthash.TextID(it.Text),
		Text:     it.Text,
		Model:    s.model(ro),
	}
}
