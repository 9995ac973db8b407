// Package app turns a config.Config into connected components. The API
// server, the transcoder and the operator tools all assemble their
// dependencies here so driver selection lives in one place.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"video-platform/internal/api"
	"video-platform/internal/catalog"
	"video-platform/internal/config"
	"video-platform/internal/objectstore"
	"video-platform/internal/observability/logging"
	"video-platform/internal/observability/metrics"
	"video-platform/internal/pipeline"
	"video-platform/internal/queue"
	"video-platform/internal/transcode"
)

const memoryBucket = "media"

// OpenCatalog connects the configured catalog driver. SQLite databases are
// always migrated on open; Postgres only when AutoMigrate is set.
func OpenCatalog(ctx context.Context, cfg config.Config, appName string, logger *slog.Logger) (catalog.Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Catalog.Driver {
	case config.CatalogMemory:
		logger.Warn("using in-memory catalog; records are lost on exit")
		return catalog.NewMemory(), nil
	case config.CatalogSQLite:
		return catalog.OpenSQLite(ctx, cfg.Catalog.SQLitePath)
	case config.CatalogPostgres:
		store, err := catalog.NewPostgres(ctx, cfg.Catalog.PostgresDSN, postgresOptions(cfg.Catalog, appName)...)
		if err != nil {
			return nil, err
		}
		if cfg.Catalog.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close(ctx)
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", cfg.Catalog.Driver)
	}
}

func postgresOptions(cfg config.CatalogConfig, appName string) []catalog.Option {
	var opts []catalog.Option
	if cfg.MaxConns > 0 || cfg.MinConns > 0 {
		opts = append(opts, catalog.WithPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)))
	}
	if cfg.MaxConnLifetime > 0 || cfg.MaxConnIdle > 0 {
		opts = append(opts, catalog.WithPoolDurations(cfg.MaxConnLifetime, cfg.MaxConnIdle, 0))
	}
	if cfg.AcquireTimeout > 0 {
		opts = append(opts, catalog.WithAcquireTimeout(cfg.AcquireTimeout))
	}
	if cfg.QueryTimeout > 0 {
		opts = append(opts, catalog.WithQueryTimeout(cfg.QueryTimeout))
	}
	if appName != "" {
		opts = append(opts, catalog.WithApplicationName(appName))
	}
	return opts
}

// OpenObjectStore returns the S3 client for the configured bucket. Without a
// bucket a development process falls back to an in-process store.
func OpenObjectStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (objectstore.Client, error) {
	if cfg.ObjectStore.Bucket == "" {
		if cfg.Production() {
			return nil, errors.New("object storage bucket is required in production")
		}
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("no object storage bucket configured; using in-memory store")
		return objectstore.NewMemory(memoryBucket), nil
	}
	return objectstore.NewS3(ctx, cfg.ObjectStore)
}

// DialRedis returns the shared Redis client, or nil when the queue runs in
// memory.
func DialRedis(cfg config.Config) (redis.UniversalClient, error) {
	if cfg.Queue.Driver != config.QueueRedis {
		return nil, nil
	}
	return queue.DialRedis(cfg.RedisQueue())
}

// OpenQueue builds the job queue on client, which the caller keeps owning.
// A nil client selects the in-memory queue.
func OpenQueue(cfg config.Config, client redis.UniversalClient, logger *slog.Logger) queue.Queue {
	if client == nil {
		return queue.NewMemory(cfg.QueueSettings())
	}
	return queue.NewRedisWithClient(client, cfg.Queue.RedisKeyPrefix, cfg.QueueSettings(), logging.WithComponent(logger, "queue"))
}

// Components are the shared dependencies of the worker pool.
type Components struct {
	Catalog catalog.Catalog
	Store   objectstore.Client
	Queue   queue.Queue
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewProcessor wires the encoder, the worker and the processor from the
// transcoder section of cfg. The processor is not started.
func NewProcessor(cfg config.Config, c Components) *pipeline.Processor {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tc := cfg.Transcoder
	encoder := transcode.New(transcode.Config{
		FFmpegPath:   tc.FFmpegPath,
		FFprobePath:  tc.FFprobePath,
		Ladder:       tc.Ladder,
		Timeout:      tc.EncodeTimeout,
		ProbeTimeout: tc.ProbeTimeout,
		Slots:        int64(tc.EncoderSlots),
		Logger:       logging.WithComponent(logger, "encoder"),
	})
	worker := pipeline.NewWorker(pipeline.WorkerConfig{
		Catalog:           c.Catalog,
		Store:             c.Store,
		Encoder:           encoder,
		ScratchDir:        tc.ScratchDir,
		UploadConcurrency: tc.UploadConcurrency,
		Logger:            logging.WithComponent(logger, "transcode-worker"),
		Metrics:           c.Metrics,
	})
	return pipeline.NewProcessor(pipeline.ProcessorConfig{
		Queue:             c.Queue,
		Catalog:           c.Catalog,
		Worker:            worker,
		Workers:           tc.Workers,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Retry:             pipeline.RetryPolicy{Base: tc.RetryBase, Max: tc.RetryMax},
		ReconcileInterval: tc.ReconcileInterval,
		ReconcileGrace:    tc.ReconcileGrace,
		Logger:            logging.WithComponent(logger, "processor"),
		Metrics:           c.Metrics,
	})
}

// HealthChecks probes the catalog and, when it supports it, the queue.
func HealthChecks(c Components) []api.HealthCheck {
	checks := []api.HealthCheck{{Component: "catalog", Check: c.Catalog.Ping}}
	if pinger, ok := c.Queue.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, api.HealthCheck{Component: "queue", Check: pinger.Ping})
	}
	return checks
}
