package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const settlementSchema = `
CREATE TABLE IF NOT EXISTS settlements (
	key         TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	network     TEXT NOT NULL,
	path        TEXT NOT NULL,
	reference   TEXT NOT NULL DEFAULT '',
	payer       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	settled_at  TIMESTAMPTZ,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlements_expires_at_idx ON settlements (expires_at);
`

// PostgresStore keeps settlement records in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgresStore creates a store on an existing pool; records expire after ttl.
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &PostgresStore{pool: pool, ttl: ttl}
}

// Migrate creates the settlements table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, settlementSchema); err != nil {
		return fmt.Errorf("settlement: migrate: %w", err)
	}
	return nil
}

// Get implements RecordStore
func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		rec       Record
		status    string
		settledAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT key, fingerprint, network, path, reference, payer, status, created_at, settled_at, expires_at
		FROM settlements WHERE key = $1 AND expires_at > now()`, key).
		Scan(&rec.Key, &rec.Fingerprint, &rec.Network, &rec.Path, &rec.Reference, &rec.Payer,
			&status, &rec.CreatedAt, &settledAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settlement: get: %w", err)
	}
	rec.Status = RecordStatus(status)
	if settledAt != nil {
		rec.SettledAt = *settledAt
	}
	return &rec, nil
}

// PutPending implements RecordStore. An expired row is replaced in the same
// statement.
func (s *PostgresStore) PutPending(ctx context.Context, rec Record) error {
	var key string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO settlements (key, fingerprint, network, path, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, now(), now() + $6::float8 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			network     = EXCLUDED.network,
			path        = EXCLUDED.path,
			reference   = '',
			payer       = '',
			status      = EXCLUDED.status,
			created_at  = EXCLUDED.created_at,
			settled_at  = NULL,
			expires_at  = EXCLUDED.expires_at
		WHERE settlements.expires_at <= now()
		RETURNING key`,
		rec.Key, rec.Fingerprint, rec.Network, rec.Path, string(StatusPending), float64(s.ttl.Milliseconds())).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("settlement: put pending: %w", err)
	}
	return nil
}

// MarkSettled implements RecordStore
func (s *PostgresStore) MarkSettled(ctx context.Context, key, reference, payer string, settledAt time.Time) error {
	if settledAt.IsZero() {
		settledAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlements
		SET status = $2, reference = $3, payer = $4, settled_at = $5,
			expires_at = now() + $6::float8 * interval '1 millisecond'
		WHERE key = $1`,
		key, string(StatusSettled), reference, payer, settledAt, float64(s.ttl.Milliseconds()))
	if err != nil {
		return fmt.Errorf("settlement: mark settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete implements RecordStore
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM settlements WHERE key = $1", key); err != nil {
		return fmt.Errorf("settlement: delete: %w", err)
	}
	return nil
}
