// Package dispatch runs work over items in commit spans with a bounded
// worker pool. It is the shared engine behind every bulk store call.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/logging"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/metrics"
)

// Options controls a Run.
type Options struct {
	Batcher    Batcher
	MaxWorkers int
	// Store labels logs and metrics.
	Store    string
	Logger   *slog.Logger
	Recorder *metrics.Recorder
}

// Outcome is the result of work on one item.
type Outcome[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Report summarizes a Run.
type Report struct {
	Spans       int
	Committed   int
	Succeeded   int
	Failed      int
	Interrupted bool
}

// WorkFunc processes one item.
type WorkFunc[T, R any] func(ctx context.Context, item T) (R, error)

// CommitFunc persists every outcome of a span, failed ones included.
type CommitFunc[T, R any] func(ctx context.Context, outcomes []Outcome[T, R]) error

// Run processes spans in order. Inside a span up to MaxWorkers items run
// concurrently and an item error never stops its siblings. Each finished span
// is passed to commit before the next starts.
//
// Cancelling ctx interrupts the run: the span in flight finishes and is
// committed, later spans are skipped, and Run returns the partial report
// with a nil error. A commit error stops the run and is returned.
func Run[T, R any](ctx context.Context, items []T, opts Options, work WorkFunc[T, R], commit CommitFunc[T, R]) (Report, error) {
	logger := logging.OrDiscard(opts.Logger)
	batcher := opts.Batcher
	if batcher == nil {
		batcher = FixedBatcher{}
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = 1
	}

	spans := batcher.Split(len(items))
	report := Report{Spans: len(spans)}

	for i, span := range spans {
		if ctx.Err() != nil {
			report.Interrupted = true
			logger.Warn("bulk run interrupted", "store", opts.Store, "committed_spans", report.Committed, "remaining_spans", len(spans)-i)
			break
		}

		spanCtx := context.WithoutCancel(ctx)
		start := time.Now()
		outcomes := runSpan(spanCtx, items[span.Start:span.End], workers, work)

		if err := commit(spanCtx, outcomes); err != nil {
			opts.Recorder.DispatchSpan(opts.Store, "commit_error")
			return report, fmt.Errorf("commit span %d/%d: %w", i+1, len(spans), err)
		}
		opts.Recorder.DispatchSpan(opts.Store, "committed")
		report.Committed++

		failed := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
			}
		}
		report.Failed += failed
		report.Succeeded += len(outcomes) - failed
		logger.Debug("span committed",
			"store", opts.Store,
			"span", i+1,
			"of", len(spans),
			"items", len(outcomes),
			"failed", failed,
			"duration", time.Since(start),
		)
	}
	return report, nil
}

func runSpan[T, R any](ctx context.Context, items []T, workers int, work WorkFunc[T, R]) []Outcome[T, R] {
	outcomes := make([]Outcome[T, R], len(items))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, item := range items {
		g.Go(func() error {
			v, err := work(ctx, item)
			outcomes[i] = Outcome[T, R]{Item: item, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
