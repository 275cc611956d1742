// Package embedcache caches embedding vectors per (model, text) and computes
// the missing ones in batched provider calls.
package embedcache

import (
	"context"
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
	// Name labels logs, metrics and usage records. Defaults to "embedding".
	Name  string
	Model string
	// BatchSize is the number of texts sent per provider call.
	BatchSize int
	Bulk      config.BulkDefaults

	Logger   *slog.Logger
	Recorder *metrics.Recorder
	Tracker  usage.Tracker
}

// BulkOptions overrides the store defaults for one call. Zero values take
// the defaults.
type BulkOptions struct {
	SkipCache  bool
	NPerCommit int
	MaxWorkers int
	MaxErrors  int
}

// Item is one input to a bulk call.
type Item struct {
	GivenID string
	Text    string
}

// Store is an embedding cache for one model.
type Store struct {
	db       *sqlstore.DB
	embedder provider.Embedder
	opts     Options
	logger   *slog.Logger
}

// New returns a Store. Unset options take the defaults: batches of 100
// texts, commit spans of 1500 texts, 3 workers and 3 attempts per text.
func New(db *sqlstore.DB, embedder provider.Embedder, opts Options) *Store {
	if opts.Name == "" {
		opts.Name = "embedding"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Bulk.NPerCommit <= 0 {
		opts.Bulk.NPerCommit = 1500
	}
	if opts.Bulk.MaxWorkers <= 0 {
		opts.Bulk.MaxWorkers = 3
	}
	if opts.Bulk.MaxErrors <= 0 {
		opts.Bulk.MaxErrors = 3
	}
	return &Store{
		db:       db,
		embedder: embedder,
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger).With("store", opts.Name, "model", opts.Model),
	}
}

// Model returns the embedding model name.
func (s *Store) Model() string { return s.opts.Model }

// GetOrRun returns the embedding for one text, or nil when it could not be
// computed.
func (s *Store) GetOrRun(ctx context.Context, givenID, text string, skipCache bool) (*models.EmbeddingResult, error) {
	got, err := s.BulkGetOrRun(ctx, []Item{{GivenID: givenID, Text: text}}, BulkOptions{SkipCache: skipCache})
	if err != nil {
		return nil, err
	}
	res, ok := got[givenID]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

type text struct {
	id   string
	body string
}

// batch is the unit handed to one provider call.
type batch []text

// BulkGetOrRun returns an embedding per given id. Texts are deduplicated
// before dispatch, so given ids that share a text share one provider call
// and one stored row. Texts that fail, or have failed MaxErrors times, are
// absent from the result. A given id listed with several texts is answered
// for the last of them.
//
// Cancelling ctx stops the run after the span in flight is committed; the
// partial result is returned with a nil error.
func (s *Store) BulkGetOrRun(ctx context.Context, items []Item, bo BulkOptions) (map[string]models.EmbeddingResult, error) {
	bo = s.withDefaults(bo)
	logger := s.logger.With("run_id", uuid.NewString())

	// text_id -> given ids that asked for it
	owners := make(map[string][]string)
	// given id -> text id of its last input
	want := make(map[string]string, len(items))
	var uniq []text
	seen := make(map[Item]bool, len(items))
	for _, it := range items {
		id := contenthash.TextID(it.Text)
		want[it.GivenID] = id
		if seen[it] {
			continue
		}
		seen[it] = true
		if _, ok := owners[id]; !ok {
			uniq = append(uniq, text{id: id, body: it.Text})
		}
		owners[id] = append(owners[id], it.GivenID)
	}

	var found map[string]models.EmbeddingRecord
	if !bo.SkipCache {
		ids := make([]string, len(uniq))
		for i, t := range uniq {
			ids[i] = t.id
		}
		var err error
		found, err = s.db.FindEmbeddings(ctx, s.opts.Model, ids)
		if err != nil {
			return nil, err
		}
	}

	result := make(map[string]models.EmbeddingResult, len(seen))
	var toRun []text
	hits, skipped := 0, 0
	for _, t := range uniq {
		rec, ok := found[t.id]
		switch {
		case !ok:
			toRun = append(toRun, t)
		case rec.NumErrors == 0:
			hits++
			s.broadcast(result, owners, want, t.id, rec.Embedding)
		case rec.NumErrors < bo.MaxErrors:
			toRun = append(toRun, t)
		default:
			skipped++
		}
	}
	s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeFound, hits)
	s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeSkipped, skipped)
	logger.Info("bulk lookup done", "items", len(seen), "texts", len(uniq), "found", hits, "to_run", len(toRun), "skipped", skipped)
	if len(toRun) == 0 {
		return result, nil
	}

	size := min(s.opts.BatchSize, bo.NPerCommit)
	var batches []batch
	for start := 0; start < len(toRun); start += size {
		batches = append(batches, toRun[start:min(start+size, len(toRun))])
	}

	start := time.Now()
	report, err := dispatch.Run(ctx, batches,
		dispatch.Options{
			Batcher:    dispatch.FixedBatcher{Size: max(1, bo.NPerCommit/size)},
			MaxWorkers: bo.MaxWorkers,
			Store:      s.opts.Name,
			Logger:     logger,
			Recorder:   s.opts.Recorder,
		},
		s.embed,
		func(ctx context.Context, outcomes []dispatch.Outcome[batch, [][]float32]) error {
			var ok, failed []models.EmbeddingRecord
			for _, o := range outcomes {
				if o.Err != nil {
					logger.Warn("embedding batch failed", "texts", len(o.Item), "error", o.Err)
				}
				for i, t := range o.Item {
					rec := models.EmbeddingRecord{ModelName: s.opts.Model, TextID: t.id, Text: t.body}
					if o.Err != nil {
						failed = append(failed, rec)
						continue
					}
					rec.Embedding = o.Value[i]
					ok = append(ok, rec)
				}
			}
			if err := s.db.InTx(ctx, func(tx *sqlstore.Tx) error {
				if err := tx.UpsertEmbeddings(ctx, ok); err != nil {
					return err
				}
				return tx.MarkEmbeddingErrors(ctx, failed)
			}); err != nil {
				return err
			}
			for _, rec := range ok {
				s.broadcast(result, owners, want, rec.TextID, rec.Embedding)
			}
			s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeRan, len(ok))
			s.opts.Recorder.StoreItems(s.opts.Name, metrics.OutcomeFailed, len(failed))
			return nil
		},
	)
	logger.Info("bulk run done",
		"batches", len(batches),
		"spans", report.Spans,
		"committed", report.Committed,
		"failed_batches", report.Failed,
		"interrupted", report.Interrupted,
		"duration", time.Since(start),
	)
	if err != nil {
		return result, fmt.Errorf("bulk %s: %w", s.opts.Name, err)
	}
	return result, nil
}

// embed runs one provider call for b and checks it returned a vector per text.
func (s *Store) embed(ctx context.Context, b batch) ([][]float32, error) {
	texts := make([]string, len(b))
	for i, t := range b {
		texts[i] = t.body
	}
	out, err := s.embedder.Embed(ctx, s.opts.Model, texts)
	if err != nil {
		return nil, err
	}
	if len(out.Vectors) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(out.Vectors), len(texts))
	}
	if s.opts.Tracker != nil && out.Usage != nil {
		if err := s.opts.Tracker.Record(ctx, usage.FromResponse(s.opts.Name, s.opts.Model, out.Usage)); err != nil {
			s.logger.Warn("usage record failed", "error", err)
		}
	}
	return out.Vectors, nil
}

func (s *Store) broadcast(result map[string]models.EmbeddingResult, owners map[string][]string, want map[string]string, textID string, vec []float32) {
	for _, given := range owners[textID] {
		if want[given] != textID {
			continue
		}
		result[given] = models.EmbeddingResult{GivenID: given, TextID: textID, Embedding: vec}
	}
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
