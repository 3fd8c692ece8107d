//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/store"
	"github.com/xraph/msgq/store/postgres"
	"github.com/xraph/msgq/store/storetest"
)

// setupPostgres creates a Postgres container and returns its connection string.
func setupPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("msgq_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return connStr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConformance(t *testing.T) {
	connStr := setupPostgres(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	storetest.Run(t, func(t *testing.T) store.Store {
		s := postgres.NewFromPool(pool, postgres.WithLogger(testLogger()))
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		// Each subtest starts from an empty schema.
		if _, err := pool.Exec(ctx, `TRUNCATE msgq_channels CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestNotifyWakesOtherInstance(t *testing.T) {
	connStr := setupPostgres(t)
	ctx := context.Background()

	a, err := postgres.New(ctx, connStr, postgres.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := postgres.New(ctx, connStr, postgres.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if err := a.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := b.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	info, _, err := a.Open(ctx, store.OpenParams{Key: 5, Perm: 0o600, Capacity: 64, MaxMessageSize: 32})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ref := store.Ref{Key: info.Key, ID: info.ID}

	// Let b's listener reach LISTEN.
	time.Sleep(200 * time.Millisecond)

	changes := b.Changes(5)
	if err := a.Push(ctx, ref, 1, []byte("hi")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("push on a did not wake b")
	}

	stats, err := b.Stats(ctx, ref)
	if err != nil || stats.Messages != 1 || stats.Bytes != 2 {
		t.Errorf("Stats on b = %+v, %v", stats, err)
	}
}

func TestClosedStore(t *testing.T) {
	connStr := setupPostgres(t)
	ctx := context.Background()

	s, err := postgres.New(ctx, connStr, postgres.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	changes := s.Changes(1)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-changes:
	default:
		t.Error("Close should wake waiters")
	}
	if err := s.Ping(ctx); !errors.Is(err, msgq.ErrStoreClosed) {
		t.Errorf("Ping after close = %v, want ErrStoreClosed", err)
	}
}
