package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/config"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/sqlstore"
)

func newTestTracker(t *testing.T) *SQLTracker {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tr, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestRecordAndQuery(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.UsageRecord{
		Store:            "prompt",
		Model:            "gpt-4o-mini",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		CreatedAt:        now,
	}
	if err := tr.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := tr.QueryByStore(ctx, "prompt", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].TotalTokens != 150 {
		t.Errorf("expected 150 tokens, got %d", records[0].TotalTokens)
	}
}

func TestTotalByModel(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for range 3 {
		_ = tr.Record(ctx, models.UsageRecord{
			Store: "embedding", Model: "text-embedding-3-small",
			PromptTokens: 40, TotalTokens: 40, CreatedAt: now,
		})
	}
	_ = tr.Record(ctx, models.UsageRecord{Store: "prompt", Model: "gpt-4o-mini", TotalTokens: 999, CreatedAt: now})

	total, err := tr.TotalByModel(ctx, "text-embedding-3-small", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if total != 120 {
		t.Errorf("expected 120, got %d", total)
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_ = tr.Record(ctx, FromResponse("prompt", "gpt-4o-mini", &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	_ = tr.Record(ctx, FromResponse("prompt", "gpt-4o-mini", &models.Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25}))
	_ = tr.Record(ctx, FromResponse("embedding", "text-embedding-3-small", nil))

	all, err := tr.Summary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(all))
	}

	prompt, err := tr.Summary(ctx, "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if len(prompt) != 1 || prompt[0].RequestCount != 2 || prompt[0].TotalTokens != 40 {
		t.Errorf("unexpected prompt summary: %+v", prompt)
	}
}
