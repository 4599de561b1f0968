// Package testinfra starts backing services for integration tests.
package testinfra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PGContainer wraps a running Postgres container; it is empty when an
// external database is reused.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If
// overrideDSN or TEST_DATABASE_URL is set, that database is reused.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("x402"),
		postgres.WithUsername("x402"),
		postgres.WithPassword("x402"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// Terminate stops the container, if one was started.
func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

// PostgresPool returns a pool on a fresh or reused database. The test is
// skipped unless X402_INTEGRATION=1 or TEST_DATABASE_URL is set.
func PostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("X402_INTEGRATION") != "1" && os.Getenv("TEST_DATABASE_URL") == "" {
		t.Skip("set X402_INTEGRATION=1 or TEST_DATABASE_URL to run Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
