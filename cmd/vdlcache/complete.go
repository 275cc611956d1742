package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/prcache"
)

// textLine is one JSONL input for plain and structured completions.
type textLine struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// fewShotLine is one JSONL input for few-shot completions.
type fewShotLine struct {
	ID    string               `json:"id"`
	Input prcache.FewShotInput `json:"input"`
}

type completeFlags struct {
	input       string
	promptID    string
	promptFile  string
	promptName  string
	schemaFile  string
	schemaName  string
	fewShot     bool
	model       string
	temperature float64
	maxTokens   int
	seed        int
	skipCache   bool
	nPerCommit  int
	maxWorkers  int
	maxErrors   int
}

func newCompleteCmd(flags *globalFlags) *cobra.Command {
	cf := &completeFlags{}

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Run a prompt over JSONL inputs, reusing cached responses",
		Long: `Reads {"id": ..., "text": ...} lines (or {"id": ..., "input": {...}} with
--few-shot) and writes one response record per line for every id that has a
successful response. Interrupting the command keeps all committed spans.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cf.promptID == "" && cf.promptFile == "" {
				return prcache.ErrNoPrompt
			}
			if cf.fewShot && cf.schemaFile != "" {
				return errors.New("--few-shot and --structured-schema cannot be combined")
			}
			return runComplete(cmd, flags, cf)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cf.input, "input", "i", "-", "JSONL input file, - for stdin")
	f.StringVar(&cf.promptID, "prompt-id", "", "id of a registered prompt")
	f.StringVar(&cf.promptFile, "prompt-file", "", "file holding the prompt text")
	f.StringVar(&cf.promptName, "prompt-name", "", "name used when registering --prompt-file")
	f.StringVar(&cf.schemaFile, "structured-schema", "", "JSON schema the responses must satisfy")
	f.StringVar(&cf.schemaName, "schema-name", "response", "schema name sent to the provider")
	f.BoolVar(&cf.fewShot, "few-shot", false, "inputs carry an entity plus worked examples")
	f.StringVar(&cf.model, "model", "", "model name, defaults to completion.model")
	f.Float64Var(&cf.temperature, "temperature", 0, "sampling temperature")
	f.IntVar(&cf.maxTokens, "max-tokens", 0, "completion token limit, defaults to completion.max_tokens")
	f.IntVar(&cf.seed, "seed", 0, "sampling seed")
	f.BoolVar(&cf.skipCache, "skip-cache", false, "run every input even when cached")
	f.IntVar(&cf.nPerCommit, "n-per-commit", 0, "items per commit span")
	f.IntVar(&cf.maxWorkers, "max-workers", 0, "concurrent provider calls")
	f.IntVar(&cf.maxErrors, "max-errors", 0, "attempts per item before it is skipped")
	return cmd
}

func runComplete(cmd *cobra.Command, flags *globalFlags, cf *completeFlags) error {
	ctx := cmd.Context()
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

	src := prcache.FromID(cf.promptID)
	if cf.promptFile != "" {
		text, err := readInput(cf.promptFile)
		if err != nil {
			return err
		}
		src = prcache.FromText(cf.promptName, string(text))
	}

	opts := prcache.Options{
		Model:    a.cfg.Completion.Model,
		Bulk:     a.cfg.Bulk.Prompt,
		Logger:   a.logger,
		Recorder: a.recorder,
		Tracker:  tracker,
	}
	bo := prcache.BulkOptions{
		RunOptions: cf.runOptions(cmd, a),
		NPerCommit: cf.nPerCommit,
		MaxWorkers: cf.maxWorkers,
		MaxErrors:  cf.maxErrors,
	}
	client := a.client()

	var results map[string]models.ResponseRecord
	switch {
	case cf.fewShot:
		lines, err := readJSONL[fewShotLine](cf.input)
		if err != nil {
			return err
		}
		store, err := prcache.NewFewShot(ctx, db, client, src, opts)
		if err != nil {
			return err
		}
		items := make([]prcache.FewShotItem, len(lines))
		for i, l := range lines {
			items[i] = prcache.FewShotItem{GivenID: l.ID, Input: l.Input}
		}
		results, err = store.BulkGetOrRun(ctx, items, bo)
		if err != nil {
			return err
		}
		return writeResults(ctx, lineIDs(lines, func(l fewShotLine) string { return l.ID }), results)

	default:
		lines, err := readJSONL[textLine](cf.input)
		if err != nil {
			return err
		}
		var store *prcache.Store
		if cf.schemaFile != "" {
			schema, err := readInput(cf.schemaFile)
			if err != nil {
				return err
			}
			store, err = prcache.NewStructured(ctx, db, client, src, cf.schemaName, json.RawMessage(schema), opts)
			if err != nil {
				return err
			}
		} else {
			store, err = prcache.New(ctx, db, client, src, opts)
			if err != nil {
				return err
			}
		}
		items := make([]prcache.Item, len(lines))
		for i, l := range lines {
			items[i] = prcache.Item{GivenID: l.ID, Text: l.Text}
		}
		results, err = store.BulkGetOrRun(ctx, items, bo)
		if err != nil {
			return err
		}
		return writeResults(ctx, lineIDs(lines, func(l textLine) string { return l.ID }), results)
	}
}

func (cf *completeFlags) runOptions(cmd *cobra.Command, a *app) prcache.RunOptions {
	ro := prcache.RunOptions{Model: cf.model, SkipCache: cf.skipCache}
	if cmd.Flags().Changed("temperature") {
		ro.Temperature = &cf.temperature
	} else if t := a.cfg.Completion.Temperature; t != 0 {
		ro.Temperature = &t
	}
	maxTokens := a.cfg.Completion.MaxTokens
	if cf.maxTokens > 0 {
		maxTokens = cf.maxTokens
	}
	if maxTokens > 0 {
		ro.MaxTokens = &maxTokens
	}
	if cmd.Flags().Changed("seed") {
		ro.Seed = &cf.seed
	} else if s := a.cfg.Completion.Seed; s != 0 {
		ro.Seed = &s
	}
	return ro
}

func lineIDs[T any](lines []T, id func(T) string) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = id(l)
	}
	return ids
}

// writeResults prints results in input order, once per id.
func writeResults[V any](ctx context.Context, ids []string, results map[string]V) error {
	out := make([]V, 0, len(results))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		v, ok := results[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, v)
	}
	if ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "interrupted: writing %d committed results\n", len(out))
	}
	return writeJSONL(out)
}
