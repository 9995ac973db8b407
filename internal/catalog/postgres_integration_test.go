//go:build integration

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("catalog"),
		postgres.WithUsername("catalog"),
		postgres.WithPassword("catalog"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	return dsn
}

func TestPostgresCatalog(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	runCatalogSuite(t, func(t *testing.T) Catalog {
		store, err := NewPostgres(ctx, dsn,
			WithPoolLimits(4, 0),
			WithAcquireTimeout(5*time.Second),
			WithApplicationName("catalog-test"),
		)
		if err != nil {
			t.Fatalf("NewPostgres: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if _, err := store.pool.Exec(ctx, `TRUNCATE videos, channels`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() {
			_ = store.Close(context.Background())
		})
		return store
	})
}
