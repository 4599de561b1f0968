// Package direct verifies payments the client has already submitted to Solana,
// by fetching the transaction and decoding its transfer instruction bytes. It
// also provides the signed-transfer primitive used to move escrowed funds.
package direct

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/mechanisms/svm"
	svmsigner "github.com/Blessedbiello/402pay-sub000/signers/svm"
)

// KeyResolver hands out signers for vault-held keys.
type KeyResolver interface {
	Signer(ctx context.Context, ref string) (*svmsigner.Signer, error)
}

// Adapter is the direct settlement path for one Solana network.
type Adapter struct {
	network x402.Network
	ledger  Ledger
	keys    KeyResolver
	logger  *zap.Logger

	lookups singleflight.Group
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithKeyResolver enables the transfer primitive by giving the adapter access to vault keys.
func WithKeyResolver(keys KeyResolver) Option {
	return func(a *Adapter) {
		a.keys = keys
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// NewAdapter creates a direct adapter for network.
func NewAdapter(network x402.Network, ledger Ledger, opts ...Option) (*Adapter, error) {
	if !svm.IsValidNetwork(string(network)) {
		return nil, x402.NewConfigurationError("network", "unsupported solana network "+string(network))
	}
	if ledger == nil {
		return nil, x402.NewConfigurationError("ledger", "required")
	}
	a := &Adapter{network: network, ledger: ledger, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Kind implements x402.LedgerAdapter
func (a *Adapter) Kind() x402.ProofKind { return x402.ProofDirect }

// CaipFamily implements x402.LedgerAdapter
func (a *Adapter) CaipFamily() string { return svm.CaipFamily }

// GetExtra implements x402.LedgerAdapter
func (a *Adapter) GetExtra(x402.Network) map[string]interface{} { return nil }

// Validate implements x402.LedgerAdapter
func (a *Adapter) Validate(payload x402.PaymentPayload) error {
	if _, err := solana.SignatureFromBase58(payload.Payload.Signature()); err != nil {
		return fmt.Errorf("invalid transaction signature: %w", err)
	}
	if !svm.ValidateSolanaAddress(payload.To) {
		return fmt.Errorf("invalid recipient address")
	}
	return nil
}

// Confirm implements x402.LedgerAdapter. Sender, recipient and amount come
// from the instruction bytes of the on-ledger transaction.
func (a *Adapter) Confirm(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (*x402.Confirmation, error) {
	sig, err := solana.SignatureFromBase58(payload.Payload.Signature())
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrMalformedPayload, "invalid transaction signature", nil)
	}

	fetched, err := a.fetch(ctx, sig)
	if err != nil {
		return nil, err
	}
	if fetched.Failed {
		return nil, x402.NewPaymentError(x402.ErrLedgerExecutionFailed, "transaction failed on ledger: "+fetched.FailureReason, nil)
	}

	transfer, err := svm.FindPayment(fetched.Transaction, requirements.PayTo, requirements.Asset)
	switch {
	case errors.Is(err, svm.ErrNoTransfer), errors.Is(err, svm.ErrRecipientNotPaid):
		return nil, x402.NewPaymentError(x402.ErrRecipientMismatch, err.Error(), nil)
	case err != nil:
		return nil, x402.NewPaymentError(x402.ErrMalformedPayload, err.Error(), nil)
	}

	return &x402.Confirmation{
		Reference: sig.String(),
		Sender:    transfer.Authority.String(),
		Recipient: requirements.PayTo,
		Asset:     requirements.Asset,
		Amount:    new(big.Int).SetUint64(transfer.Amount),
		Network:   a.network,
		SettledAt: fetched.BlockTime,
	}, nil
}

// Execute implements x402.LedgerAdapter. The client already submitted the
// transaction, so a confirmed payment needs no further ledger action.
func (a *Adapter) Execute(ctx context.Context, _ string, requirements x402.PaymentRequirements, payload x402.PaymentPayload, confirmed *x402.Confirmation) (*x402.Confirmation, error) {
	if confirmed != nil && confirmed.Reference != "" {
		return confirmed, nil
	}
	return a.Confirm(ctx, requirements, payload)
}

// Lookup implements x402.LedgerAdapter
func (a *Adapter) Lookup(ctx context.Context, _ string, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (*x402.Confirmation, error) {
	return a.Confirm(ctx, requirements, payload)
}

// fetch coalesces concurrent lookups of the same signature into one RPC call.
func (a *Adapter) fetch(ctx context.Context, sig solana.Signature) (*FetchedTransaction, error) {
	v, err, _ := a.lookups.Do(sig.String(), func() (interface{}, error) {
		return a.ledger.FetchTransaction(ctx, sig)
	})
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, x402.NewPaymentError(x402.ErrLedgerNotFound, "transaction not found on ledger", nil)
	}
	if err != nil {
		a.logger.Warn("ledger lookup failed", zap.String("network", string(a.network)), zap.Error(err))
		return nil, x402.NewPaymentError(x402.ErrLedgerUnavailable, "ledger lookup failed", nil)
	}
	return v.(*FetchedTransaction), nil
}

// ============================================================================
// Transfer primitive
// ============================================================================

// Balance implements x402.Transferer
func (a *Adapter) Balance(ctx context.Context, network x402.Network, owner, asset string) (*big.Int, error) {
	if err := a.checkNetwork(network); err != nil {
		return nil, err
	}
	pub, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner: %w", err)
	}
	bal, err := a.ledger.Balance(ctx, pub, asset)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrLedgerUnavailable, err.Error(), nil)
	}
	return new(big.Int).SetUint64(bal), nil
}

// PrepareTransfer implements x402.Transferer. The returned transfer is fully
// signed; its reference is the fee payer's signature.
func (a *Adapter) PrepareTransfer(ctx context.Context, req x402.TransferRequest) (x402.PreparedTransfer, error) {
	if err := a.checkNetwork(req.Network); err != nil {
		return x402.PreparedTransfer{}, err
	}
	if a.keys == nil {
		return x402.PreparedTransfer{}, x402.NewConfigurationError("keys", "transfer primitive requires a key resolver")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 || !req.Amount.IsUint64() {
		return x402.PreparedTransfer{}, fmt.Errorf("invalid transfer amount")
	}

	signer, err := a.keys.Signer(ctx, req.FromKey)
	if err != nil {
		return x402.PreparedTransfer{}, fmt.Errorf("resolve signer: %w", err)
	}
	to, err := solana.PublicKeyFromBase58(req.To)
	if err != nil {
		return x402.PreparedTransfer{}, fmt.Errorf("invalid recipient: %w", err)
	}

	ix, err := buildTransferInstruction(signer.Address(), to, req.Asset, req.Amount.Uint64())
	if err != nil {
		return x402.PreparedTransfer{}, err
	}

	blockhash, err := a.ledger.LatestBlockhash(ctx)
	if err != nil {
		return x402.PreparedTransfer{}, x402.NewPaymentError(x402.ErrLedgerUnavailable, err.Error(), nil)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(ix).
		SetRecentBlockHash(blockhash).
		SetFeePayer(signer.Address()).
		Build()
	if err != nil {
		return x402.PreparedTransfer{}, fmt.Errorf("build transaction: %w", err)
	}
	if err := signer.SignTransaction(ctx, tx); err != nil {
		return x402.PreparedTransfer{}, err
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return x402.PreparedTransfer{}, fmt.Errorf("encode transaction: %w", err)
	}
	return x402.PreparedTransfer{
		Network:   a.network,
		Reference: tx.Signatures[0].String(),
		Payload:   raw,
	}, nil
}

// SubmitTransfer implements x402.Transferer. When the send call fails the
// ledger is re-queried for the reference before reporting an outcome.
func (a *Adapter) SubmitTransfer(ctx context.Context, transfer x402.PreparedTransfer) error {
	if err := a.checkNetwork(transfer.Network); err != nil {
		return err
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(transfer.Payload))
	if err != nil {
		return fmt.Errorf("decode prepared transfer: %w", err)
	}

	if _, sendErr := a.ledger.SendTransaction(ctx, tx); sendErr != nil {
		status, err := a.TransferStatus(ctx, transfer.Network, transfer.Reference)
		if err == nil {
			switch status {
			case x402.TransferConfirmed:
				return nil
			case x402.TransferFailed:
				return x402.NewPaymentError(x402.ErrLedgerExecutionFailed, sendErr.Error(), nil)
			}
		}
		a.logger.Warn("transfer submission outcome unknown",
			zap.String("reference", transfer.Reference),
			zap.Error(sendErr))
		return x402.NewPaymentError(x402.ErrSettlementUnknown, "transfer outcome unknown, re-check ledger",
			map[string]interface{}{"reference": transfer.Reference})
	}
	return nil
}

// TransferStatus implements x402.Transferer
func (a *Adapter) TransferStatus(ctx context.Context, network x402.Network, reference string) (x402.TransferStatus, error) {
	if err := a.checkNetwork(network); err != nil {
		return x402.TransferNotFound, err
	}
	sig, err := solana.SignatureFromBase58(reference)
	if err != nil {
		return x402.TransferNotFound, fmt.Errorf("invalid reference: %w", err)
	}
	fetched, err := a.ledger.FetchTransaction(ctx, sig)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return x402.TransferNotFound, nil
	case err != nil:
		return x402.TransferNotFound, x402.NewPaymentError(x402.ErrLedgerUnavailable, err.Error(), nil)
	case fetched.Failed:
		return x402.TransferFailed, nil
	default:
		return x402.TransferConfirmed, nil
	}
}

func (a *Adapter) checkNetwork(network x402.Network) error {
	if network != a.network {
		return x402.NewPaymentError(x402.ErrSchemeOrNetworkMismatch,
			fmt.Sprintf("adapter serves %s, not %s", a.network, network), nil)
	}
	return nil
}

func buildTransferInstruction(from, to solana.PublicKey, asset string, amount uint64) (solana.Instruction, error) {
	if asset == "" {
		return system.NewTransferInstruction(amount, from, to).ValidateAndBuild()
	}

	mint, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return nil, fmt.Errorf("invalid asset: %w", err)
	}
	source, err := svm.AssociatedTokenAddress(from, mint, solana.TokenProgramID)
	if err != nil {
		return nil, err
	}
	destination, err := svm.AssociatedTokenAddress(to, mint, solana.TokenProgramID)
	if err != nil {
		return nil, err
	}
	return token.NewTransferInstruction(amount, source, destination, from, nil).ValidateAndBuild()
}
