package direct

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/Blessedbiello/402pay-sub000/mechanisms/svm"
)

// ErrTransactionNotFound is returned when the ledger has no record of a signature.
var ErrTransactionNotFound = errors.New("direct: transaction not found")

// FetchedTransaction is a transaction as recorded on the ledger.
type FetchedTransaction struct {
	Transaction *solana.Transaction
	// Failed is set when the transaction landed but its execution failed.
	Failed        bool
	FailureReason string
	BlockTime     time.Time
}

// Ledger is the subset of Solana RPC the direct adapter needs.
type Ledger interface {
	FetchTransaction(ctx context.Context, sig solana.Signature) (*FetchedTransaction, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Balance(ctx context.Context, owner solana.PublicKey, asset string) (uint64, error)
}

// RPCLedger implements Ledger over a Solana JSON-RPC endpoint.
type RPCLedger struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCLedger creates a ledger reading at confirmed commitment.
func NewRPCLedger(rpcURL string) *RPCLedger {
	return &RPCLedger{client: rpc.New(rpcURL), commitment: rpc.CommitmentConfirmed}
}

// FetchTransaction implements Ledger
func (l *RPCLedger) FetchTransaction(ctx context.Context, sig solana.Signature) (*FetchedTransaction, error) {
	maxVersion := uint64(0)
	out, err := l.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     l.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && out == nil) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getTransaction: %w", err)
	}
	if out.Transaction == nil {
		return nil, ErrTransactionNotFound
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	fetched := &FetchedTransaction{Transaction: tx}
	if out.Meta != nil && out.Meta.Err != nil {
		fetched.Failed = true
		fetched.FailureReason = fmt.Sprintf("%v", out.Meta.Err)
	}
	if out.BlockTime != nil {
		fetched.BlockTime = out.BlockTime.Time()
	}
	return fetched, nil
}

// LatestBlockhash implements Ledger
func (l *RPCLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := l.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

// SendTransaction implements Ledger
func (l *RPCLedger) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return l.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: l.commitment,
	})
}

// Balance implements Ledger. Token balances are read from the owner's
// associated token account; a missing account has a zero balance.
func (l *RPCLedger) Balance(ctx context.Context, owner solana.PublicKey, asset string) (uint64, error) {
	if asset == "" {
		out, err := l.client.GetBalance(ctx, owner, l.commitment)
		if err != nil {
			return 0, fmt.Errorf("getBalance: %w", err)
		}
		return out.Value, nil
	}

	mint, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return 0, fmt.Errorf("invalid asset: %w", err)
	}
	ata, err := svm.AssociatedTokenAddress(owner, mint, solana.TokenProgramID)
	if err != nil {
		return 0, err
	}
	out, err := l.client.GetTokenAccountBalance(ctx, ata, l.commitment)
	if err != nil {
		if strings.Contains(err.Error(), "could not find account") {
			return 0, nil
		}
		return 0, fmt.Errorf("getTokenAccountBalance: %w", err)
	}
	if out.Value == nil {
		return 0, nil
	}
	return svm.ParseAmount(out.Value.Amount)
}
