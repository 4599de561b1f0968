package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

const escrowSchema = `
CREATE TABLE IF NOT EXISTS escrows (
	id                TEXT PRIMARY KEY,
	job_id            TEXT NOT NULL UNIQUE,
	network           TEXT NOT NULL,
	asset             TEXT NOT NULL DEFAULT '',
	amount            TEXT NOT NULL,
	payer             TEXT NOT NULL,
	recipient         TEXT NOT NULL,
	address           TEXT NOT NULL,
	key_ref           TEXT NOT NULL,
	status            TEXT NOT NULL,
	funding_reference TEXT NOT NULL DEFAULT '',
	funded_by         TEXT NOT NULL DEFAULT '',
	closing_reference TEXT NOT NULL DEFAULT '',
	closing_amount    TEXT NOT NULL DEFAULT '',
	dispute_reason    TEXT NOT NULL DEFAULT '',
	pending_reference TEXT,
	pending_target    TEXT,
	pending_amount    TEXT,
	pending_at        TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	funded_at         TIMESTAMPTZ,
	closed_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS escrows_status_created_idx ON escrows (status, created_at DESC);
`

const escrowColumns = `id, job_id, network, asset, amount, payer, recipient, address, key_ref, status,
	funding_reference, funded_by, closing_reference, closing_amount, dispute_reason,
	pending_reference, pending_target, pending_amount, pending_at,
	created_at, updated_at, funded_at, closed_at`

// PostgresStore keeps escrows in Postgres. Key material is not stored here;
// key_ref points into the vault.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the escrows table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, escrowSchema); err != nil {
		return fmt.Errorf("escrow: migrate: %w", err)
	}
	return nil
}

// Create implements Store
func (s *PostgresStore) Create(ctx context.Context, e Escrow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrows (id, job_id, network, asset, amount, payer, recipient, address, key_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.JobID, string(e.Network), e.Asset, e.Amount, e.Payer, e.Recipient, e.Address, e.KeyRef,
		string(e.Status), e.CreatedAt, e.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrJobExists
	}
	if err != nil {
		return fmt.Errorf("escrow: create: %w", err)
	}
	return nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.getOne(ctx, "SELECT "+escrowColumns+" FROM escrows WHERE id = $1", id)
}

// GetByJob implements Store
func (s *PostgresStore) GetByJob(ctx context.Context, jobID string) (*Escrow, error) {
	return s.getOne(ctx, "SELECT "+escrowColumns+" FROM escrows WHERE job_id = $1", jobID)
}

func (s *PostgresStore) getOne(ctx context.Context, query, arg string) (*Escrow, error) {
	e, err := scanEscrow(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: get: %w", err)
	}
	return e, nil
}

// List implements Store
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Escrow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := []Escrow{}
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: list: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	return out, nil
}

// Transition implements Store
func (s *PostgresStore) Transition(ctx context.Context, id string, expected, next Status, u Update) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrows SET
			status            = $3,
			updated_at        = $4,
			funding_reference = CASE WHEN $5 <> '' THEN $5 ELSE funding_reference END,
			funded_by         = CASE WHEN $5 <> '' THEN $6 ELSE funded_by END,
			funded_at         = CASE WHEN $5 <> '' THEN $4 ELSE funded_at END,
			closing_reference = CASE WHEN $7 <> '' THEN $7 ELSE closing_reference END,
			closing_amount    = CASE WHEN $7 <> '' THEN $8 ELSE closing_amount END,
			dispute_reason    = CASE WHEN $9 <> '' THEN $9 ELSE dispute_reason END,
			closed_at         = CASE WHEN $3 IN ('released', 'refunded') THEN $4 ELSE closed_at END,
			pending_reference = NULL,
			pending_target    = NULL,
			pending_amount    = NULL,
			pending_at        = NULL
		WHERE id = $1 AND status = $2`,
		id, string(expected), string(next), u.At,
		u.FundingReference, u.FundedBy, u.ClosingReference, u.ClosingAmount, u.DisputeReason)
	if err != nil {
		return fmt.Errorf("escrow: transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// SetPending implements Store. A transfer is recorded only over an empty slot.
func (s *PostgresStore) SetPending(ctx context.Context, id string, expected Status, p *PendingTransfer) error {
	var (
		ref, target, amount *string
		at                  *time.Time
	)
	if p != nil {
		t := string(p.Target)
		ref, target, amount, at = &p.Reference, &t, &p.Amount, &p.CreatedAt
	}
	query := `
		UPDATE escrows SET pending_reference = $3, pending_target = $4, pending_amount = $5, pending_at = $6
		WHERE id = $1 AND status = $2`
	if p != nil {
		query += " AND pending_reference IS NULL"
	}
	tag, err := s.pool.Exec(ctx, query, id, string(expected), ref, target, amount, at)
	if err != nil {
		return fmt.Errorf("escrow: set pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("escrow: check existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanEscrow(row pgx.Row) (*Escrow, error) {
	var (
		e                                        Escrow
		network, status                          string
		pendingRef, pendingTarget, pendingAmount *string
		pendingAt, fundedAt, closedAt            *time.Time
	)
	err := row.Scan(&e.ID, &e.JobID, &network, &e.Asset, &e.Amount, &e.Payer, &e.Recipient, &e.Address, &e.KeyRef, &status,
		&e.FundingReference, &e.FundedBy, &e.ClosingReference, &e.ClosingAmount, &e.DisputeReason,
		&pendingRef, &pendingTarget, &pendingAmount, &pendingAt,
		&e.CreatedAt, &e.UpdatedAt, &fundedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	e.Network = x402.Network(network)
	e.Status = Status(status)
	if pendingRef != nil {
		p := &PendingTransfer{Reference: *pendingRef}
		if pendingTarget != nil {
			p.Target = Status(*pendingTarget)
		}
		if pendingAmount != nil {
			p.Amount = *pendingAmount
		}
		if pendingAt != nil {
			p.CreatedAt = *pendingAt
		}
		e.Pending = p
	}
	if fundedAt != nil {
		e.FundedAt = *fundedAt
	}
	if closedAt != nil {
		e.ClosedAt = *closedAt
	}
	return &e, nil
}
