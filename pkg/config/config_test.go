package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.BlobCache.Validity() != 30*24*time.Hour {
		t.Errorf("expected 30 day validity, got %v", cfg.BlobCache.Validity())
	}
	if cfg.Bulk.Prompt.NPerCommit != 50 || cfg.Bulk.Embedding.NPerCommit != 1500 {
		t.Errorf("unexpected bulk defaults: %+v", cfg.Bulk)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")
	t.Setenv("VDL_BLOB_CACHE__BUCKET", "from-env")

	content := `
database:
  driver: postgres
  dsn: postgres://localhost/vdl
providers:
  - name: openai
    url: https://api.openai.com
    api_key: ${TEST_API_KEY}
blob_cache:
  bucket: from-file
  validity_days: 7
  request_timeout: 10s
bulk:
  prompt:
    n_per_commit: 20
    max_workers: 8
    max_errors: 2
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Database.Driver)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].APIKey != "sk-test-123" {
		t.Fatalf("env var not expanded: %+v", cfg.Providers)
	}
	if cfg.BlobCache.Bucket != "from-env" {
		t.Errorf("env should override file, got %s", cfg.BlobCache.Bucket)
	}
	if cfg.BlobCache.ValidityDays != 7 {
		t.Errorf("expected 7 days, got %d", cfg.BlobCache.ValidityDays)
	}
	if cfg.BlobCache.RequestTimeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.BlobCache.RequestTimeout)
	}
	if cfg.Bulk.Prompt.MaxWorkers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Bulk.Prompt.MaxWorkers)
	}
	// untouched defaults survive the merge
	if cfg.Bulk.Embedding.NPerCommit != 1500 {
		t.Errorf("expected default embedding span, got %d", cfg.Bulk.Embedding.NPerCommit)
	}
	if cfg.Database.QueryChunkSize != 500 {
		t.Errorf("expected default chunk size, got %d", cfg.Database.QueryChunkSize)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"blob_cache.bucket":                "vdl-cache",
		"blob_cache.directory":             "tmp_cache",
		"blob_cache.error_counter_enabled": true,
		"database.dsn":                     "file.db",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BlobCache.Bucket != "vdl-cache" || cfg.BlobCache.Directory != "tmp_cache" {
		t.Errorf("flat keys not applied: %+v", cfg.BlobCache)
	}
	if !cfg.BlobCache.ErrorCounterEnabled {
		t.Error("expected error counter enabled")
	}
	if cfg.Database.DSN != "file.db" {
		t.Errorf("expected file.db, got %s", cfg.Database.DSN)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	cfg.Bulk.Embedding.MaxWorkers = 0
	cfg.Providers = []ProviderConfig{{Name: "x"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"database.driver", "bulk.embedding", "providers[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestYAML(t *testing.T) {
	out, err := Default().YAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "validity_days: 30") {
		t.Errorf("unexpected yaml:\n%s", out)
	}
}
