// Package delegated settles payments through an external fee payer: the client
// sends a partially signed transaction, the delegate co-signs as fee payer and
// broadcasts it. Every delegate answer is checked against the transaction the
// client actually signed.
package delegated

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	solana "github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/mechanisms/svm"
)

// Delegate is the fee payer service.
type Delegate interface {
	FeePayer(ctx context.Context) (*FeePayerInfo, error)
	Validate(ctx context.Context, req TransactionRequest) (*ValidateResponse, error)
	Submit(ctx context.Context, key string, req TransactionRequest) (*SubmitResponse, error)
	Submission(ctx context.Context, key string) (*SubmitResponse, error)
}

// Adapter is the delegated settlement path for one Solana network.
type Adapter struct {
	network  x402.Network
	delegate Delegate
	logger   *zap.Logger

	mu       sync.RWMutex
	feePayer solana.PublicKey
	allowed  map[string]bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// NewAdapter creates a delegated adapter and loads the delegate's identity.
func NewAdapter(ctx context.Context, network x402.Network, delegate Delegate, opts ...Option) (*Adapter, error) {
	if !svm.IsValidNetwork(string(network)) {
		return nil, x402.NewConfigurationError("network", "unsupported solana network "+string(network))
	}
	a := &Adapter{network: network, delegate: delegate, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.Refresh(ctx); err != nil {
		return nil, x402.NewConfigurationError("delegate", err.Error())
	}
	return a, nil
}

// Refresh reloads the delegate's fee payer address and asset allow-list.
func (a *Adapter) Refresh(ctx context.Context) error {
	info, err := a.delegate.FeePayer(ctx)
	if err != nil {
		return fmt.Errorf("load fee payer: %w", err)
	}
	pub, err := solana.PublicKeyFromBase58(info.Address)
	if err != nil {
		return fmt.Errorf("invalid fee payer address %q: %w", info.Address, err)
	}

	allowed := make(map[string]bool, len(info.AllowedAssets))
	for _, asset := range info.AllowedAssets {
		allowed[asset] = true
	}

	a.mu.Lock()
	a.feePayer = pub
	a.allowed = allowed
	a.mu.Unlock()
	return nil
}

// FeePayer returns the delegate's fee paying address.
func (a *Adapter) FeePayer() solana.PublicKey {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.feePayer
}

// Kind implements x402.LedgerAdapter
func (a *Adapter) Kind() x402.ProofKind { return x402.ProofDelegated }

// CaipFamily implements x402.LedgerAdapter
func (a *Adapter) CaipFamily() string { return svm.CaipFamily }

// GetExtra implements x402.LedgerAdapter
func (a *Adapter) GetExtra(x402.Network) map[string]interface{} {
	return map[string]interface{}{"feePayer": a.FeePayer().String()}
}

// Validate implements x402.LedgerAdapter
func (a *Adapter) Validate(payload x402.PaymentPayload) error {
	_, err := a.decode(payload)
	return err
}

// Confirm implements x402.LedgerAdapter. The transfer is decoded locally first,
// then the delegate simulates it. Nothing is broadcast.
func (a *Adapter) Confirm(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (*x402.Confirmation, error) {
	tx, err := a.decode(payload)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrMalformedPayload, err.Error(), nil)
	}
	transfer, err := a.inspect(tx, requirements)
	if err != nil {
		return nil, err
	}

	resp, err := a.delegate.Validate(ctx, TransactionRequest{
		Network:     string(a.network),
		Transaction: payload.Payload.UnsignedTransaction(),
	})
	if err != nil {
		return nil, a.classify(err, false)
	}
	if !resp.Valid {
		return nil, x402.NewPaymentError(x402.ErrLedgerExecutionFailed, "delegate rejected transaction: "+resp.Reason, nil)
	}
	if resp.Payer != "" && resp.Payer != transfer.Authority.String() {
		return nil, x402.NewPaymentError(x402.ErrMalformedPayload, "delegate reports a different payer", nil)
	}

	return a.confirmation("", transfer, requirements), nil
}

// Execute implements x402.LedgerAdapter. The delegate co-signs and broadcasts;
// its answer must carry the fee payer's signature over exactly the message the
// client signed.
func (a *Adapter) Execute(ctx context.Context, key string, requirements x402.PaymentRequirements, payload x402.PaymentPayload, _ *x402.Confirmation) (*x402.Confirmation, error) {
	tx, err := a.decode(payload)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrMalformedPayload, err.Error(), nil)
	}
	transfer, err := a.inspect(tx, requirements)
	if err != nil {
		return nil, err
	}

	resp, err := a.delegate.Submit(ctx, key, TransactionRequest{
		Network:     string(a.network),
		Transaction: payload.Payload.UnsignedTransaction(),
	})
	if err != nil {
		return nil, a.classify(err, true)
	}
	return a.checkSubmission(resp, tx, transfer, requirements)
}

// Lookup implements x402.LedgerAdapter
func (a *Adapter) Lookup(ctx context.Context, key string, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (*x402.Confirmation, error) {
	tx, err := a.decode(payload)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrMalformedPayload, err.Error(), nil)
	}
	transfer, err := a.inspect(tx, requirements)
	if err != nil {
		return nil, err
	}

	resp, err := a.delegate.Submission(ctx, key)
	if errors.Is(err, ErrSubmissionNotFound) {
		return nil, x402.NewPaymentError(x402.ErrLedgerNotFound, "delegate has no submission for this payment", nil)
	}
	if err != nil {
		return nil, a.classify(err, false)
	}
	return a.checkSubmission(resp, tx, transfer, requirements)
}

func (a *Adapter) decode(payload x402.PaymentPayload) (*solana.Transaction, error) {
	tx, err := svm.DecodeTransaction(payload.Payload.UnsignedTransaction())
	if err != nil {
		return nil, err
	}
	feePayer, err := svm.FeePayer(tx)
	if err != nil {
		return nil, err
	}
	if !feePayer.Equals(a.FeePayer()) {
		return nil, fmt.Errorf("transaction fee payer %s is not the delegate", feePayer)
	}
	return tx, nil
}

// inspect checks the transaction holds nothing but the payment, cannot touch
// the delegate's accounts, and carries the payer's signature.
func (a *Adapter) inspect(tx *solana.Transaction, requirements x402.PaymentRequirements) (svm.Transfer, error) {
	if requirements.Network != a.network {
		return svm.Transfer{}, x402.NewPaymentError(x402.ErrSchemeOrNetworkMismatch, "requirement is for another network", nil)
	}

	a.mu.RLock()
	allowed := a.allowed
	a.mu.RUnlock()
	if len(allowed) > 0 && !allowed[requirements.Asset] {
		return svm.Transfer{}, x402.NewPaymentError(x402.ErrAssetMismatch, "asset is not sponsored by the delegate", nil)
	}

	feePayer := a.FeePayer()
	if err := svm.CheckSponsored(tx, feePayer); err != nil {
		return svm.Transfer{}, x402.NewPaymentError(x402.ErrMalformedPayload, err.Error(), nil)
	}

	transfer, err := svm.FindPayment(tx, requirements.PayTo, requirements.Asset)
	switch {
	case errors.Is(err, svm.ErrNoTransfer), errors.Is(err, svm.ErrRecipientNotPaid):
		return svm.Transfer{}, x402.NewPaymentError(x402.ErrRecipientMismatch, err.Error(), nil)
	case err != nil:
		return svm.Transfer{}, x402.NewPaymentError(x402.ErrMalformedPayload, err.Error(), nil)
	}

	if transfer.Authority.Equals(feePayer) || transfer.Source.Equals(feePayer) {
		return svm.Transfer{}, x402.NewPaymentError(x402.ErrMalformedPayload, "transfer spends the fee payer's funds", nil)
	}
	if err := verifySigner(tx, transfer.Authority); err != nil {
		return svm.Transfer{}, x402.NewPaymentError(x402.ErrMalformedPayload, err.Error(), nil)
	}
	return transfer, nil
}

func (a *Adapter) checkSubmission(resp *SubmitResponse, tx *solana.Transaction, transfer svm.Transfer, requirements x402.PaymentRequirements) (*x402.Confirmation, error) {
	if !resp.Success {
		return nil, x402.NewPaymentError(x402.ErrLedgerExecutionFailed, "delegate failed to settle: "+resp.ErrorReason, nil)
	}

	// A success answer that does not match what was sent cannot be trusted
	// either way, so it is reported as unknown.
	unknown := func(msg string) error {
		a.logger.Error("delegate answer does not match transaction",
			zap.String("network", string(a.network)),
			zap.String("reason", msg))
		return x402.NewPaymentError(x402.ErrSettlementUnknown, msg+", re-check ledger", nil)
	}
	if resp.Network != "" && resp.Network != string(a.network) {
		return nil, unknown("delegate settled on another network")
	}
	if resp.Payer != "" && resp.Payer != transfer.Authority.String() {
		return nil, unknown("delegate reports a different payer")
	}
	sig, err := solana.SignatureFromBase58(resp.Signature)
	if err != nil {
		return nil, unknown("delegate returned an invalid signature")
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if !sig.Verify(a.FeePayer(), message) {
		return nil, unknown("delegate signature does not cover the submitted transaction")
	}

	return a.confirmation(sig.String(), transfer, requirements), nil
}

func (a *Adapter) confirmation(reference string, transfer svm.Transfer, requirements x402.PaymentRequirements) *x402.Confirmation {
	return &x402.Confirmation{
		Reference: reference,
		Sender:    transfer.Authority.String(),
		Recipient: requirements.PayTo,
		Asset:     requirements.Asset,
		Amount:    new(big.Int).SetUint64(transfer.Amount),
		Network:   a.network,
	}
}

// classify maps delegate client errors. Once a submit may have reached the
// delegate, only a definitive answer counts as failure.
func (a *Adapter) classify(err error, submitting bool) error {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return x402.NewPaymentError(x402.ErrLedgerExecutionFailed, rejected.Reason, nil)
	case errors.Is(err, ErrUnavailable):
		return x402.NewPaymentError(x402.ErrDelegateUnavailable, "fee payer service unavailable", nil)
	case submitting:
		a.logger.Warn("delegate submit outcome unknown", zap.String("network", string(a.network)), zap.Error(err))
		return x402.NewPaymentError(x402.ErrSettlementUnknown, "delegate did not answer, re-check ledger", nil)
	default:
		a.logger.Warn("delegate call failed", zap.String("network", string(a.network)), zap.Error(err))
		return x402.NewPaymentError(x402.ErrDelegateUnavailable, "fee payer service unavailable", nil)
	}
}

// verifySigner checks signer has a valid signature on the transaction message.
func verifySigner(tx *solana.Transaction, signer solana.PublicKey) error {
	idx, err := tx.GetAccountIndex(signer)
	if err != nil {
		return fmt.Errorf("payer is not part of the transaction")
	}
	if int(idx) >= int(tx.Message.Header.NumRequiredSignatures) || int(idx) >= len(tx.Signatures) {
		return fmt.Errorf("payer has not signed the transaction")
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if !tx.Signatures[idx].Verify(signer, message) {
		return fmt.Errorf("payer signature is invalid")
	}
	return nil
}
