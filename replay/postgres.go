package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const replaySchema = `
CREATE TABLE IF NOT EXISTS replay_keys (
	key        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS replay_keys_expires_at_idx ON replay_keys (expires_at);
`

// PostgresStore keeps consumed keys in a table. An expired row is reclaimed by
// the same upsert that claims it, so claiming stays a single statement.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the replay table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, replaySchema); err != nil {
		return fmt.Errorf("replay: migrate: %w", err)
	}
	return nil
}

// SetIfAbsent implements Store
func (s *PostgresStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var claimed string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO replay_keys (key, expires_at)
		VALUES ($1, now() + $2::float8 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE replay_keys.expires_at <= now()
		RETURNING key`, key, float64(ttl.Milliseconds())).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("replay: claim key: %w", err)
	}
	return true, nil
}

// Exists implements Store
func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM replay_keys WHERE key = $1 AND expires_at > now())", key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("replay: exists: %w", err)
	}
	return exists, nil
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM replay_keys WHERE key = $1", key); err != nil {
		return fmt.Errorf("replay: delete: %w", err)
	}
	return nil
}

// Purge removes expired keys and returns how many were deleted.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM replay_keys WHERE expires_at <= now()")
	if err != nil {
		return 0, fmt.Errorf("replay: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
