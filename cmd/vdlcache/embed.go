package main

import (
	"github.com/spf13/cobra"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/embedcache"
)

func newEmbedCmd(flags *globalFlags) *cobra.Command {
	var (
		input      string
		model      string
		skipCache  bool
		nPerCommit int
		maxWorkers int
		maxErrors  int
	)

	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed JSONL texts, reusing cached vectors",
		Long: `Reads {"id": ..., "text": ...} lines and writes {"given_id", "text_id",
"embedding"} for every id whose text was embedded. Ids sharing a text share
one provider call.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			lines, err := readJSONL[textLine](input)
			if err != nil {
				return err
			}
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			tracker, err := a.tracker(ctx)
			if err != nil {
				return err
			}
			if model == "" {
				model = a.cfg.Embedding.Model
			}

			store := embedcache.New(db, a.client(), embedcache.Options{
				Model:     model,
				BatchSize: a.cfg.Embedding.BatchSize,
				Bulk:      a.cfg.Bulk.Embedding,
				Logger:    a.logger,
				Recorder:  a.recorder,
				Tracker:   tracker,
			})
			items := make([]embedcache.Item, len(lines))
			for i, l := range lines {
				items[i] = embedcache.Item{GivenID: l.ID, Text: l.Text}
			}
			results, err := store.BulkGetOrRun(ctx, items, embedcache.BulkOptions{
				SkipCache:  skipCache,
				NPerCommit: nPerCommit,
				MaxWorkers: maxWorkers,
				MaxErrors:  maxErrors,
			})
			if err != nil {
				return err
			}
			return writeResults(ctx, lineIDs(lines, func(l textLine) string { return l.ID }), results)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&input, "input", "i", "-", "JSONL input file, - for stdin")
	f.StringVar(&model, "model", "", "embedding model, defaults to embedding.model")
	f.BoolVar(&skipCache, "skip-cache", false, "embed every text even when cached")
	f.IntVar(&nPerCommit, "n-per-commit", 0, "texts per commit span")
	f.IntVar(&maxWorkers, "max-workers", 0, "concurrent provider calls")
	f.IntVar(&maxErrors, "max-errors", 0, "attempts per text before it is skipped")
	return cmd
}
