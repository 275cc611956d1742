package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds all vdlcache configuration.
type Config struct {
	Log        LogConfig        `koanf:"log" yaml:"log"`
	Database   DatabaseConfig   `koanf:"database" yaml:"database"`
	BlobCache  BlobCacheConfig  `koanf:"blob_cache" yaml:"blob_cache"`
	Providers  []ProviderConfig `koanf:"providers" yaml:"providers"`
	Router     RouterConfig     `koanf:"router" yaml:"router"`
	Completion CompletionConfig `koanf:"completion" yaml:"completion"`
	Embedding  EmbeddingConfig  `koanf:"embedding" yaml:"embedding"`
	Bulk       BulkConfig       `koanf:"bulk" yaml:"bulk"`
	Metrics    MetricsConfig    `koanf:"metrics" yaml:"metrics"`
}

// LogConfig selects slog level and handler format.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// DatabaseConfig selects the relational backend for prompt, response and
// embedding records. Driver is "sqlite", "postgres" or "pgx".
type DatabaseConfig struct {
	Driver         string `koanf:"driver" yaml:"driver"`
	DSN            string `koanf:"dsn" yaml:"dsn"`
	QueryChunkSize int    `koanf:"query_chunk_size" yaml:"query_chunk_size"`
}

// BlobCacheConfig controls the two-tier blob cache.
type BlobCacheConfig struct {
	Directory           string        `koanf:"directory" yaml:"directory"`
	Bucket              string        `koanf:"bucket" yaml:"bucket"`
	Region              string        `koanf:"region" yaml:"region"`
	Endpoint            string        `koanf:"endpoint" yaml:"endpoint"`
	AccessKeyID         string        `koanf:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey     string        `koanf:"secret_access_key" yaml:"secret_access_key"`
	ForcePathStyle      bool          `koanf:"force_path_style" yaml:"force_path_style"`
	ValidityDays        int           `koanf:"validity_days" yaml:"validity_days"`
	ErrorCounterEnabled bool          `koanf:"error_counter_enabled" yaml:"error_counter_enabled"`
	ErrorThreshold      int           `koanf:"error_threshold" yaml:"error_threshold"`
	MemoryEntries       int           `koanf:"memory_entries" yaml:"memory_entries"`
	RequestTimeout      time.Duration `koanf:"request_timeout" yaml:"request_timeout"`
	BreakerFailures     int           `koanf:"breaker_failures" yaml:"breaker_failures"`
}

// Validity returns the freshness window as a duration.
func (b BlobCacheConfig) Validity() time.Duration {
	return time.Duration(b.ValidityDays) * 24 * time.Hour
}

// ProviderConfig defines an upstream LLM or embedding provider.
// Type is "openai" (default); any OpenAI-compatible endpoint works.
type ProviderConfig struct {
	Name   string `koanf:"name" yaml:"name"`
	URL    string `koanf:"url" yaml:"url"`
	APIKey string `koanf:"api_key" yaml:"api_key"`
	Type   string `koanf:"type" yaml:"type"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `koanf:"routes" yaml:"routes"`
}

// RouteConfig maps a requested model name to an ordered list of targets.
type RouteConfig struct {
	Model   string        `koanf:"model" yaml:"model"`
	Targets []RouteTarget `koanf:"targets" yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `koanf:"provider" yaml:"provider"`
	Model    string `koanf:"model" yaml:"model"`
}

// CompletionConfig holds default completion parameters and client limits.
type CompletionConfig struct {
	Model             string        `koanf:"model" yaml:"model"`
	Temperature       float64       `koanf:"temperature" yaml:"temperature"`
	MaxTokens         int           `koanf:"max_tokens" yaml:"max_tokens"`
	Seed              int           `koanf:"seed" yaml:"seed"`
	RequestsPerSecond float64       `koanf:"requests_per_second" yaml:"requests_per_second"`
	MaxRetries        int           `koanf:"max_retries" yaml:"max_retries"`
	Timeout           time.Duration `koanf:"timeout" yaml:"timeout"`
}

// EmbeddingConfig holds embedding model defaults.
type EmbeddingConfig struct {
	Model     string `koanf:"model" yaml:"model"`
	BatchSize int    `koanf:"batch_size" yaml:"batch_size"`
}

// BulkConfig holds bulk dispatch defaults per store kind.
type BulkConfig struct {
	Prompt    BulkDefaults `koanf:"prompt" yaml:"prompt"`
	Embedding BulkDefaults `koanf:"embedding" yaml:"embedding"`
}

// BulkDefaults are the commit span size, worker count and retry gate.
type BulkDefaults struct {
	NPerCommit int `koanf:"n_per_commit" yaml:"n_per_commit"`
	MaxWorkers int `koanf:"max_workers" yaml:"max_workers"`
	MaxErrors  int `koanf:"max_errors" yaml:"max_errors"`
}

// MetricsConfig controls the Prometheus listener. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `koanf:"listen" yaml:"listen"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Driver:         "sqlite",
			DSN:            "vdl_cache.db",
			QueryChunkSize: 500,
		},
		BlobCache: BlobCacheConfig{
			Directory:       "file_cache",
			Region:          "us-east-1",
			ValidityDays:    30,
			ErrorThreshold:  3,
			MemoryEntries:   1024,
			RequestTimeout:  30 * time.Second,
			BreakerFailures: 5,
		},
		Completion: CompletionConfig{
			Model:             "gpt-4o-mini",
			MaxTokens:         1024,
			RequestsPerSecond: 5,
			MaxRetries:        3,
			Timeout:           60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-3-small",
			BatchSize: 100,
		},
		Bulk: BulkConfig{
			Prompt:    BulkDefaults{NPerCommit: 50, MaxWorkers: 3, MaxErrors: 1},
			Embedding: BulkDefaults{NPerCommit: 1500, MaxWorkers: 3, MaxErrors: 3},
		},
	}
}

// Validate reports configuration values the cache layer cannot work with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	if c.Database.QueryChunkSize <= 0 {
		errs = append(errs, errors.New("database.query_chunk_size: must be positive"))
	}
	if c.BlobCache.ValidityDays <= 0 {
		errs = append(errs, errors.New("blob_cache.validity_days: must be positive"))
	}
	if c.BlobCache.ErrorCounterEnabled && c.BlobCache.ErrorThreshold <= 0 {
		errs = append(errs, errors.New("blob_cache.error_threshold: must be positive when counting errors"))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, errors.New("embedding.batch_size: must be positive"))
	}
	for name, b := range map[string]BulkDefaults{"bulk.prompt": c.Bulk.Prompt, "bulk.embedding": c.Bulk.Embedding} {
		if b.NPerCommit <= 0 || b.MaxWorkers <= 0 || b.MaxErrors <= 0 {
			errs = append(errs, fmt.Errorf("%s: n_per_commit, max_workers and max_errors must be positive", name))
		}
	}
	for i, p := range c.Providers {
		if p.Name == "" || p.URL == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name and url are required", i))
		}
	}
	return errors.Join(errs...)
}
