package escrow

import (
	"time"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusCreated  Status = "created"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusReleased, StatusRefunded, StatusDisputed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusCreated:  {StatusFunded},
	StatusFunded:   {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed: {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PendingTransfer is an outgoing transfer whose outcome has not been recorded.
// It is written before the transfer is submitted.
type PendingTransfer struct {
	Reference string
	Target    Status
	Amount    string
	CreatedAt time.Time
}

// Escrow is the stored record. KeyRef points into the vault and is never
// returned to callers; use View.
type Escrow struct {
	ID        string
	JobID     string
	Network   x402.Network
	Asset     string
	Amount    string
	Payer     string
	Recipient string

	// Address is the escrow account; KeyRef is its vault reference.
	Address string
	KeyRef  string

	Status           Status
	FundingReference string
	FundedBy         string
	ClosingReference string
	ClosingAmount    string
	DisputeReason    string
	Pending          *PendingTransfer

	CreatedAt time.Time
	UpdatedAt time.Time
	FundedAt  time.Time
	ClosedAt  time.Time
}

// View is the caller-facing representation of an escrow.
type View struct {
	ID               string       `json:"id"`
	JobID            string       `json:"jobId"`
	Network          x402.Network `json:"network"`
	Asset            string       `json:"asset,omitempty"`
	Amount           string       `json:"amount"`
	Payer            string       `json:"payer"`
	Recipient        string       `json:"recipient"`
	Address          string       `json:"address"`
	Status           Status       `json:"status"`
	FundingReference string       `json:"fundingReference,omitempty"`
	FundedBy         string       `json:"fundedBy,omitempty"`
	ClosingReference string       `json:"closingReference,omitempty"`
	ClosingAmount    string       `json:"closingAmount,omitempty"`
	PendingReference string       `json:"pendingReference,omitempty"`
	DisputeReason    string       `json:"disputeReason,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	FundedAt         *time.Time   `json:"fundedAt,omitempty"`
	ClosedAt         *time.Time   `json:"closedAt,omitempty"`
}

// View returns the escrow without key material.
func (e *Escrow) View() View {
	v := View{
		ID:               e.ID,
		JobID:            e.JobID,
		Network:          e.Network,
		Asset:            e.Asset,
		Amount:           e.Amount,
		Payer:            e.Payer,
		Recipient:        e.Recipient,
		Address:          e.Address,
		Status:           e.Status,
		FundingReference: e.FundingReference,
		FundedBy:         e.FundedBy,
		ClosingReference: e.ClosingReference,
		ClosingAmount:    e.ClosingAmount,
		DisputeReason:    e.DisputeReason,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
	if e.Pending != nil {
		v.PendingReference = e.Pending.Reference
	}
	if !e.FundedAt.IsZero() {
		t := e.FundedAt
		v.FundedAt = &t
	}
	if !e.ClosedAt.IsZero() {
		t := e.ClosedAt
		v.ClosedAt = &t
	}
	return v
}
