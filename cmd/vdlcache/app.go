package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/blobcache"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/blobstore"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/config"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/logging"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/metrics"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/provider/openai"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/router"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/sqlstore"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/usage"
)

// app holds the resources a command needs, opened lazily.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	db       *sqlstore.DB
	metrics  *http.Server
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	loader := config.NewLoader(config.DefaultEnvPrefix, flags.configPath)
	if flags.logLevel != "" {
		loader.WithOverrides(map[string]any{"log.level": flags.logLevel})
	}
	return loader.Load()
}

func newApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewWithWriter(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(prometheus.NewRegistry()),
	}

	addr := flags.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Listen
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.recorder.Handler())
		a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", addr)
	}
	return a, nil
}

// openDB opens the relational store on first use.
func (a *app) openDB(ctx context.Context) (*sqlstore.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sqlstore.Open(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) tracker(ctx context.Context) (*usage.SQLTracker, error) {
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	return usage.New(ctx, db)
}

func (a *app) client() *openai.Client {
	c := a.cfg.Completion
	return openai.New(router.FromConfig(a.cfg), openai.Options{
		Timeout:           c.Timeout,
		MaxRetries:        c.MaxRetries,
		RequestsPerSecond: c.RequestsPerSecond,
		BatchSize:         a.cfg.Embedding.BatchSize,
		Logger:            a.logger,
		Recorder:          a.recorder,
	})
}

// blobCache builds a cache for kind over the configured directory and, when
// a bucket is set, the S3 tier behind a circuit breaker.
func (a *app) blobCache(ctx context.Context, kind string, html bool) (*blobcache.Cache, error) {
	bc := a.cfg.BlobCache
	local, err := blobstore.NewLocal(bc.Directory)
	if err != nil {
		return nil, err
	}

	var remote blobstore.Tier
	if bc.Bucket != "" {
		s3, err := blobstore.NewS3(ctx, blobstore.S3Options{
			Bucket:          bc.Bucket,
			Region:          bc.Region,
			Endpoint:        bc.Endpoint,
			AccessKeyID:     bc.AccessKeyID,
			SecretAccessKey: bc.SecretAccessKey,
			ForcePathStyle:  bc.ForcePathStyle,
			RequestTimeout:  bc.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("remote tier: %w", err)
		}
		remote, err = checkedRemote(ctx, s3, bc.BreakerFailures, a.logger)
		if err != nil {
			return nil, err
		}
	}

	key, prefix := blobcache.JSONKey(kind), "json/"+kind+"/"
	if html {
		key, prefix = blobcache.HTMLKey(kind), "html/"+kind+"/"
	}
	return blobcache.New(ctx, blobcache.Options{
		Key:                 key,
		Validity:            bc.Validity(),
		ErrorCounterEnabled: bc.ErrorCounterEnabled,
		ErrorThreshold:      bc.ErrorThreshold,
		MemoryEntries:       bc.MemoryEntries,
		ListPrefix:          prefix,
	}, local, remote, a.logger, a.recorder)
}

// checkedRemote heads the bucket before the tier is used. A missing bucket is
// a configuration error; any other failure leaves the cache local-only.
func checkedRemote(ctx context.Context, s3 *blobstore.S3Tier, failures int, logger *slog.Logger) (blobstore.Tier, error) {
	if err := s3.CheckBucket(ctx); err != nil {
		if blobstore.IsNotFound(err) {
			return nil, fmt.Errorf("bucket %s does not exist: %w", s3.Bucket(), err)
		}
		logger.Warn("remote tier unreachable, continuing with local only", "bucket", s3.Bucket(), "error", err)
		return nil, nil
	}
	return blobstore.WithBreaker(s3, failures, time.Minute, logger), nil
}

func (a *app) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
