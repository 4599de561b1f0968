package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no escrow matches the id or job id.
	ErrNotFound = errors.New("escrow: not found")

	// ErrJobExists means an escrow already exists for the job.
	ErrJobExists = errors.New("escrow: job already has an escrow")

	// ErrConflict means a conditional write found a different status than expected.
	ErrConflict = errors.New("escrow: status changed concurrently")
)

// Update carries the fields written together with a status transition.
type Update struct {
	FundingReference string
	FundedBy         string
	ClosingReference string
	ClosingAmount    string
	DisputeReason    string
	At               time.Time
}

// ListFilter selects escrows for the admin listing.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Store persists escrows. Writes that depend on the current status are
// conditional on it and fail with ErrConflict otherwise.
type Store interface {
	Create(ctx context.Context, e Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByJob(ctx context.Context, jobID string) (*Escrow, error)
	List(ctx context.Context, filter ListFilter) ([]Escrow, error)

	// Transition moves id from expected to next, applies u and clears any
	// pending transfer.
	Transition(ctx context.Context, id string, expected, next Status, u Update) error

	// SetPending records (or, with nil, clears) the outgoing transfer of an
	// escrow in status expected. Recording over an existing transfer is
	// ErrConflict; it must be cleared first.
	SetPending(ctx context.Context, id string, expected Status, p *PendingTransfer) error
}
