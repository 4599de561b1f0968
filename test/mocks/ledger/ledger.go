// Package ledger is an in-memory ledger adapter for tests. Payments are
// recorded up front with Put; proofs reference them by key.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

// Network is the network served by the mock adapter.
const Network x402.Network = "mock:1"

// Family is the CAIP family pattern of Network.
const Family = "mock:*"

// Transfer is a payment as the mock ledger sees it.
type Transfer struct {
	Sender    string
	Recipient string
	Asset     string
	Amount    *big.Int
	SettledAt time.Time
	Failed    bool
}

// Adapter implements x402.LedgerAdapter and x402.Transferer.
type Adapter struct {
	mu sync.Mutex

	kind      x402.ProofKind
	transfers map[string]Transfer
	balances  map[string]*big.Int
	prepared  map[string]x402.TransferRequest
	extra     map[string]interface{}

	confirmErr  error
	executeErrs []error
	lookupErr   error
	submitErrs  []error

	executions int
	submitted  []x402.PreparedTransfer
	next       int
}

// NewAdapter creates a mock adapter accepting proofs of kind.
func NewAdapter(kind x402.ProofKind) *Adapter {
	return &Adapter{
		kind:      kind,
		transfers: make(map[string]Transfer),
		balances:  make(map[string]*big.Int),
		prepared:  make(map[string]x402.TransferRequest),
	}
}

// Put records a transfer under ref, the proof's signature or transaction.
func (a *Adapter) Put(ref string, t Transfer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transfers[ref] = t
}

// SetExtra sets the mechanism data advertised for every network.
func (a *Adapter) SetExtra(extra map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extra = extra
}

// FailConfirm makes every Confirm return err until reset with nil.
func (a *Adapter) FailConfirm(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmErr = err
}

// FailNextExecute queues an error for the next Execute call.
func (a *Adapter) FailNextExecute(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executeErrs = append(a.executeErrs, err)
}

// FailLookup makes every Lookup return err until reset with nil.
func (a *Adapter) FailLookup(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookupErr = err
}

// FailNextSubmit queues an error for the next SubmitTransfer call.
func (a *Adapter) FailNextSubmit(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitErrs = append(a.submitErrs, err)
}

// Executions returns how many Execute calls reached the ledger.
func (a *Adapter) Executions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executions
}

// Kind implements x402.LedgerAdapter
func (a *Adapter) Kind() x402.ProofKind { return a.kind }

// CaipFamily implements x402.LedgerAdapter
func (a *Adapter) CaipFamily() string { return Family }

// GetExtra implements x402.LedgerAdapter
func (a *Adapter) GetExtra(x402.Network) map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.extra
}

// Validate implements x402.LedgerAdapter
func (a *Adapter) Validate(payload x402.PaymentPayload) error {
	if reference(payload) == "" {
		return fmt.Errorf("empty proof")
	}
	return nil
}

// Confirm implements x402.LedgerAdapter
func (a *Adapter) Confirm(_ context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (*x402.Confirmation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.confirmErr != nil {
		return nil, a.confirmErr
	}
	return a.confirmLocked(payload)
}

// Execute implements x402.LedgerAdapter
func (a *Adapter) Execute(_ context.Context, _ string, _ x402.PaymentRequirements, payload x402.PaymentPayload, confirmed *x402.Confirmation) (*x402.Confirmation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.executions++
	if len(a.executeErrs) > 0 {
		err := a.executeErrs[0]
		a.executeErrs = a.executeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if confirmed != nil {
		return confirmed, nil
	}
	return a.confirmLocked(payload)
}

// Lookup implements x402.LedgerAdapter
func (a *Adapter) Lookup(_ context.Context, _ string, _ x402.PaymentRequirements, payload x402.PaymentPayload) (*x402.Confirmation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lookupErr != nil {
		return nil, a.lookupErr
	}
	return a.confirmLocked(payload)
}

func (a *Adapter) confirmLocked(payload x402.PaymentPayload) (*x402.Confirmation, error) {
	ref := reference(payload)
	t, ok := a.transfers[ref]
	if !ok {
		return nil, x402.NewPaymentError(x402.ErrLedgerNotFound, "transaction not found", nil)
	}
	if t.Failed {
		return nil, x402.NewPaymentError(x402.ErrLedgerExecutionFailed, "transaction failed", nil)
	}
	return &x402.Confirmation{
		Reference: ref,
		Sender:    t.Sender,
		Recipient: t.Recipient,
		Asset:     t.Asset,
		Amount:    new(big.Int).Set(t.Amount),
		Network:   payload.Network,
		SettledAt: t.SettledAt,
	}, nil
}

func reference(payload x402.PaymentPayload) string {
	if payload.Payload.Kind() == x402.ProofDelegated {
		return payload.Payload.UnsignedTransaction()
	}
	return payload.Payload.Signature()
}

// ============================================================================
// Transfer primitive
// ============================================================================

// SetBalance sets owner's balance of asset.
func (a *Adapter) SetBalance(owner, asset string, amount *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[owner+"/"+asset] = new(big.Int).Set(amount)
}

// Submitted returns the transfers that reached the ledger.
func (a *Adapter) Submitted() []x402.PreparedTransfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]x402.PreparedTransfer(nil), a.submitted...)
}

// Balance implements x402.Transferer
func (a *Adapter) Balance(_ context.Context, _ x402.Network, owner, asset string) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if bal, ok := a.balances[owner+"/"+asset]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// PrepareTransfer implements x402.Transferer. FromKey stands in for the
// sender address.
func (a *Adapter) PrepareTransfer(_ context.Context, req x402.TransferRequest) (x402.PreparedTransfer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.next++
	ref := fmt.Sprintf("xfer-%d", a.next)
	a.prepared[ref] = req
	return x402.PreparedTransfer{
		Network:   req.Network,
		Reference: ref,
		Payload:   []byte(fmt.Sprintf("%s|%s|%s|%s", req.FromKey, req.To, req.Asset, req.Amount)),
	}, nil
}

// SubmitTransfer implements x402.Transferer
func (a *Adapter) SubmitTransfer(_ context.Context, transfer x402.PreparedTransfer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.submitErrs) > 0 {
		err := a.submitErrs[0]
		a.submitErrs = a.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	req, ok := a.prepared[transfer.Reference]
	if !ok {
		return fmt.Errorf("unknown transfer %s", transfer.Reference)
	}
	a.submitted = append(a.submitted, transfer)
	a.transfers[transfer.Reference] = Transfer{
		Sender:    req.FromKey,
		Recipient: req.To,
		Asset:     req.Asset,
		Amount:    new(big.Int).Set(req.Amount),
		SettledAt: time.Now(),
	}
	return nil
}

// TransferStatus implements x402.Transferer
func (a *Adapter) TransferStatus(_ context.Context, _ x402.Network, ref string) (x402.TransferStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.transfers[ref]
	switch {
	case !ok:
		return x402.TransferNotFound, nil
	case t.Failed:
		return x402.TransferFailed, nil
	default:
		return x402.TransferConfirmed, nil
	}
}
