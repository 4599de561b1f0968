package settlement

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRecordNotFound means no live record exists for a key.
	ErrRecordNotFound = errors.New("settlement: record not found")

	// ErrRecordExists means PutPending found a live record for the key.
	ErrRecordExists = errors.New("settlement: record already exists")
)

// RecordStatus is the state of a settlement record.
type RecordStatus string

const (
	// StatusPending means execution started but its outcome is not recorded.
	StatusPending RecordStatus = "pending"
	// StatusSettled means the transfer is confirmed on the ledger.
	StatusSettled RecordStatus = "settled"
)

// Record is the durable trace of one settlement key.
type Record struct {
	Key string
	// Fingerprint identifies the requirement the key was settled against.
	Fingerprint string
	Network     string
	Path        string
	Reference   string
	Payer       string
	Status      RecordStatus
	CreatedAt   time.Time
	SettledAt   time.Time
	ExpiresAt   time.Time
}

// RecordStore persists settlement records. Records must outlive the longest
// window in which a client may retry a settlement.
type RecordStore interface {
	// Get returns the live record for key or ErrRecordNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// PutPending inserts a pending record, failing with ErrRecordExists when a
	// live record is already present.
	PutPending(ctx context.Context, rec Record) error

	// MarkSettled moves a record to settled.
	MarkSettled(ctx context.Context, key, reference, payer string, settledAt time.Time) error

	// Delete removes a record so the key can be settled again.
	Delete(ctx context.Context, key string) error
}
