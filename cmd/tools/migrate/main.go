// Command migrate applies the catalog schema to the configured Postgres or
// SQLite database. Statements are idempotent, so it is safe to run on every
// deploy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"video-platform/internal/app"
	"video-platform/internal/config"
	"video-platform/internal/observability/logging"
)

const migrateTimeout = 2 * time.Minute

var errNothingToMigrate = errors.New("the memory catalog has no schema to migrate")

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := config.Load("migrate", args)
	if err != nil {
		return err
	}
	if cfg.Catalog.Driver == config.CatalogMemory {
		return errNothingToMigrate
	}
	cfg.Catalog.AutoMigrate = true

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: os.Stderr, Service: "video-migrate"})
	store, err := app.OpenCatalog(ctx, cfg, "video-migrate", logger)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	defer store.Close(context.Background())

	fmt.Fprintf(out, "Catalog schema applied (%s).\n", cfg.Catalog.Driver)
	return nil
}
