// Command transcoder runs the transcode worker pool. It receives jobs from
// the Redis queue, turns uploaded sources into HLS ladders and serves
// /healthz and /metrics on a separate ops listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"video-platform/internal/api"
	"video-platform/internal/app"
	"video-platform/internal/config"
	"video-platform/internal/observability/logging"
	"video-platform/internal/observability/metrics"
	"video-platform/internal/serverutil"
)

const closeTimeout = 10 * time.Second

// The transcoder shares records, objects and jobs with the API process, so
// none of them may live in process memory.
var (
	errMemoryQueue       = errors.New("the transcoder needs the redis queue; use --embedded-transcoder on the server for in-memory setups")
	errMemoryCatalog     = errors.New("the transcoder needs a shared catalog (postgres or sqlite); use --embedded-transcoder on the server for in-memory setups")
	errMemoryObjectStore = errors.New("the transcoder needs an object storage bucket; use --embedded-transcoder on the server for in-memory setups")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil); err != nil {
		slog.Error("transcoder exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, ready chan<- net.Addr) error {
	cfg, err := config.Load("transcoder", args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := requireSharedBackends(cfg); err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "video-transcoder"})
	recorder := metrics.Default()

	catalogStore, err := app.OpenCatalog(ctx, cfg, "video-transcoder", logging.WithComponent(logger, "catalog"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := catalogStore.Close(closeCtx); err != nil {
			logger.Warn("failed to close catalog", "error", err)
		}
	}()

	objects, err := app.OpenObjectStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	redisClient, err := app.DialRedis(cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	jobs := app.OpenQueue(cfg, redisClient, logger)
	defer jobs.Close()

	components := app.Components{
		Catalog: catalogStore,
		Store:   objects,
		Queue:   jobs,
		Logger:  logger,
		Metrics: recorder,
	}
	processor := app.NewProcessor(cfg, components)
	processor.Start()
	logger.Info("transcoder started",
		"workers", cfg.Transcoder.Workers,
		"renditions", len(cfg.Transcoder.Ladder),
		"ops_addr", cfg.Transcoder.OpsAddr,
	)

	opsErr := make(chan error, 1)
	go func() {
		ops := api.NewOpsRouter(app.HealthChecks(components), recorder, logger)
		opsErr <- serverutil.Serve(ctx, cfg.Transcoder.OpsAddr, ops, ready)
	}()

	var (
		runErr  error
		opsDone bool
	)
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested; draining in-flight jobs", "in_flight", len(processor.InFlight()))
	case err := <-opsErr:
		opsDone = true
		if err != nil {
			runErr = fmt.Errorf("ops listener: %w", err)
			logger.Error("ops listener failed", "error", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Transcoder.DrainTimeout)
	defer cancel()
	if err := processor.Shutdown(drainCtx); err != nil {
		logger.Warn("drain timed out; remaining jobs returned to the queue", "error", err)
	}
	if !opsDone {
		if err := <-opsErr; err != nil {
			logger.Warn("ops listener shutdown", "error", err)
		}
	}
	logger.Info("transcoder stopped")
	return runErr
}

func requireSharedBackends(cfg config.Config) error {
	switch {
	case cfg.Queue.Driver != config.QueueRedis:
		return errMemoryQueue
	case cfg.Catalog.Driver == config.CatalogMemory:
		return errMemoryCatalog
	case strings.TrimSpace(cfg.ObjectStore.Bucket) == "":
		return errMemoryObjectStore
	}
	return nil
}
