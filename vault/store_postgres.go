package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const vaultSchema = `
CREATE TABLE IF NOT EXISTS vault_keys (
	ref        TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	sealed     BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore keeps sealed keys in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the vault table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, vaultSchema); err != nil {
		return fmt.Errorf("vault: migrate: %w", err)
	}
	return nil
}

// Put implements Store
func (s *PostgresStore) Put(ctx context.Context, key SealedKey) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO vault_keys (ref, public_key, sealed) VALUES ($1, $2, $3)",
		key.Ref, key.PublicKey, key.Sealed)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("vault: put: %w", err)
	}
	return nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, ref string) (*SealedKey, error) {
	key := SealedKey{Ref: ref}
	err := s.pool.QueryRow(ctx,
		"SELECT public_key, sealed FROM vault_keys WHERE ref = $1", ref).
		Scan(&key.PublicKey, &key.Sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: get: %w", err)
	}
	return &key, nil
}
