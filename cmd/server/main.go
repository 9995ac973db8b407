// Command server runs the video upload API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"video-platform/internal/api"
	"video-platform/internal/app"
	"video-platform/internal/config"
	"video-platform/internal/observability/logging"
	"video-platform/internal/observability/metrics"
	"video-platform/internal/pipeline"
	"video-platform/internal/server"
	"video-platform/internal/serverutil"
	"video-platform/internal/uploads"
)

const closeTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// run serves the API until ctx is cancelled. ready, when set, receives the
// bound listen address.
func run(ctx context.Context, args []string, ready chan<- net.Addr) error {
	cfg, err := config.Load("server", args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "video-api"})
	recorder := metrics.Default()

	catalogStore, err := app.OpenCatalog(ctx, cfg, "video-api", logging.WithComponent(logger, "catalog"))
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
	if redisClient != nil {
		defer redisClient.Close()
	}
	jobs := app.OpenQueue(cfg, redisClient, logger)
	defer jobs.Close()

	components := app.Components{
		Catalog: catalogStore,
		Store:   objects,
		Queue:   jobs,
		Logger:  logger,
		Metrics: recorder,
	}

	var processor *pipeline.Processor
	if cfg.Transcoder.Embedded {
		processor = app.NewProcessor(cfg, components)
		processor.Start()
		logger.Info("embedded transcoder started", "workers", cfg.Transcoder.Workers)
	} else if cfg.Queue.Driver == config.QueueMemory {
		logger.Warn("in-memory queue without an embedded transcoder; uploads will not be processed")
	}

	if len(cfg.Auth.JWTSecret) == 0 {
		logger.Warn("no JWT secret configured; bearer tokens will be rejected")
	}
	authenticator := api.NewAuthenticator(api.AuthConfig{
		Secret:         []byte(cfg.Auth.JWTSecret),
		Issuer:         cfg.Auth.JWTIssuer,
		Audience:       cfg.Auth.JWTAudience,
		AllowDevHeader: cfg.Auth.AllowDevHeader,
	})

	rateCfg := server.RateLimitConfig{
		GlobalRPS:    cfg.RateLimit.GlobalRPS,
		GlobalBurst:  cfg.RateLimit.GlobalBurst,
		UploadLimit:  cfg.RateLimit.UploadLimit,
		UploadWindow: cfg.RateLimit.UploadWindow,
		RedisTimeout: cfg.Queue.RedisTimeout,
	}

	videos := uploads.NewService(uploads.Config{
		Catalog:      catalogStore,
		Store:        objects,
		Queue:        jobs,
		UploadURLTTL: cfg.UploadURLTTL,
		Logger:       logging.WithComponent(logger, "uploads"),
		Metrics:      recorder,
	})

	router := api.NewRouter(api.Config{
		Videos:         videos,
		Auth:           authenticator,
		Limiter:        server.NewUploadLimiter(rateCfg, redisClient),
		Health:         app.HealthChecks(components),
		Metrics:        recorder,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})

	srv := server.New(router, server.Config{
		Addr:            cfg.HTTP.Addr,
		TLS:             serverutil.TLSConfig{CertFile: cfg.HTTP.TLSCertFile, KeyFile: cfg.HTTP.TLSKeyFile},
		RateLimit:       rateCfg,
		Security:        securityConfig(cfg),
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Logger:          logger,
		Metrics:         recorder,
	})

	logger.Info("video API starting",
		"mode", cfg.Mode,
		"catalog", cfg.Catalog.Driver,
		"queue", cfg.Queue.Driver,
	)
	runErr := srv.Run(ctx, ready)

	if processor != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Transcoder.DrainTimeout)
		defer cancel()
		if err := processor.Shutdown(drainCtx); err != nil {
			logger.Warn("transcoder drain cut short", "error", err, "in_flight", processor.InFlight())
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("server stopped")
	return nil
}

func securityConfig(cfg config.Config) server.SecurityConfig {
	var sec server.SecurityConfig
	if cfg.Production() {
		sec.HSTSMaxAge = 365 * 24 * time.Hour
	}
	return sec
}
