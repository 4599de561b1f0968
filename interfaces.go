package x402

import (
	"context"
	"math/big"
	"time"
)

// Confirmation is what a ledger adapter established about a transfer, derived
// from ledger data rather than from client-supplied fields.
type Confirmation struct {
	// Reference is the ledger transaction id. Empty until the transfer is submitted.
	Reference string
	Sender    string
	Recipient string
	// Asset is the token mint, or empty for the native asset.
	Asset   string
	Amount  *big.Int
	Network Network
	// SettledAt is the ledger block time; zero when the ledger did not report one.
	SettledAt time.Time
}

// LedgerAdapter verifies and executes payments on one settlement path.
//
// Failures are reported as *PaymentError values carrying one of:
//   - ErrLedgerNotFound: the reference is not (yet) on the ledger; callers may retry later
//   - ErrLedgerExecutionFailed: the transfer failed on the ledger; terminal
//   - ErrLedgerUnavailable, ErrDelegateUnavailable: the ledger or delegate could not be reached;
//     nothing was submitted
//   - ErrSettlementUnknown: a submission may or may not have happened; re-check with Lookup
//
// Any other error is an infrastructure fault.
type LedgerAdapter interface {
	// Kind returns the proof variant this adapter accepts.
	Kind() ProofKind

	// CaipFamily returns the CAIP family pattern this adapter serves (e.g. "solana:*").
	CaipFamily() string

	// GetExtra returns mechanism data advertised in /supported for a network,
	// such as the delegate's fee-paying address.
	GetExtra(network Network) map[string]interface{}

	// Validate checks the payload variant is structurally usable by this adapter.
	// It does not contact the ledger.
	Validate(payload PaymentPayload) error

	// Confirm checks the payment against the ledger without changing any state.
	Confirm(ctx context.Context, requirements PaymentRequirements, payload PaymentPayload) (*Confirmation, error)

	// Execute finalizes a confirmed payment. key identifies the settlement and is
	// forwarded to delegates as an idempotency key.
	Execute(ctx context.Context, key string, requirements PaymentRequirements, payload PaymentPayload, confirmed *Confirmation) (*Confirmation, error)

	// Lookup re-queries the outcome of an earlier Execute with the same key.
	Lookup(ctx context.Context, key string, requirements PaymentRequirements, payload PaymentPayload) (*Confirmation, error)
}

// TransferRequest moves funds out of an account whose key is held in the vault.
type TransferRequest struct {
	Network Network
	// FromKey is the vault reference of the paying account.
	FromKey string
	To      string
	Asset   string
	Amount  *big.Int
}

// PreparedTransfer is a signed transfer whose ledger reference is known before
// submission, so an interrupted submit can be resolved by re-querying it.
type PreparedTransfer struct {
	Network   Network
	Reference string
	Payload   []byte
}

// TransferStatus is the ledger state of a submitted transfer.
type TransferStatus int

const (
	TransferNotFound TransferStatus = iota
	TransferConfirmed
	TransferFailed
)

// Transferer is the ledger transfer primitive used by escrow.
type Transferer interface {
	// Balance returns owner's balance of asset (empty = native) in the smallest unit.
	Balance(ctx context.Context, network Network, owner, asset string) (*big.Int, error)
	PrepareTransfer(ctx context.Context, req TransferRequest) (PreparedTransfer, error)
	SubmitTransfer(ctx context.Context, transfer PreparedTransfer) error
	TransferStatus(ctx context.Context, network Network, reference string) (TransferStatus, error)
}

// ReplayGuard consumes single-use keys (nonces, ledger references).
type ReplayGuard interface {
	// TryConsume atomically marks key as used. It returns false when the key
	// was already consumed within its TTL.
	TryConsume(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Seen reports whether key is currently held, without consuming it.
	Seen(ctx context.Context, key string) (bool, error)

	// Release forgets a key, used only when a settlement was definitively
	// rejected before anything reached the ledger.
	Release(ctx context.Context, key string) error
}
