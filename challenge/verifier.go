// Package challenge verifies legacy nonce-bound payment proofs: a payer's
// signature over the challenge fields, optionally backed by a ledger transfer.
package challenge

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/mechanisms/evm"
	"github.com/Blessedbiello/402pay-sub000/mechanisms/svm"
)

// Result codes.
const (
	CodeMalformed        = "malformed"
	CodeExpired          = "expired"
	CodeInvalidSignature = "invalid_signature"
	CodeMismatch         = "mismatch"
	CodeLedgerNotFound   = "ledger_not_found"
	CodeReplay           = "replay"
	CodeUnknownNonce     = "unknown_nonce"
)

const (
	// DefaultWindow is how old a proof may be.
	DefaultWindow = 5 * time.Minute

	// DefaultTransactionTTL is how long a redeemed transfer stays bound to
	// its nonce.
	DefaultTransactionTTL = 7 * 24 * time.Hour

	// clockSkew tolerates payer clocks slightly ahead of ours.
	clockSkew = 30 * time.Second
)

// Message returns the bytes a payer signs for a challenge proof.
func Message(p x402.ChallengeProof) []byte {
	return []byte(fmt.Sprintf("x402-challenge:%s:%s:%s:%s:%d", p.Nonce, p.Payer, p.Amount, p.Currency, p.Timestamp))
}

// Currency is an accepted challenge currency.
type Currency struct {
	// Asset is the token mint, or empty for the native asset.
	Asset     string
	MinAmount *big.Int
}

// Confirmer confirms a ledger transfer. The direct Solana adapter satisfies it.
type Confirmer interface {
	Confirm(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (*x402.Confirmation, error)
}

// Config configures a Verifier.
type Config struct {
	// Currencies maps currency codes ("USDC", "SOL") to what they settle as.
	Currencies map[string]Currency

	// Network and PayTo locate transfers referenced by transactionId.
	Network x402.Network
	PayTo   string
	Ledger  Confirmer

	// Window bounds proof age and transfer age (default DefaultWindow).
	// Consumed nonces are remembered for twice this long.
	Window time.Duration

	// TransactionTTL is how long a redeemed transactionId is remembered
	// (default DefaultTransactionTTL).
	TransactionTTL time.Duration
}

// Verifier checks challenge proofs. Checks stop at the first failure and the
// nonce is consumed only after every other check has passed. A nonce must have
// been issued by a RequirementIssuer sharing the same replay guard, and a
// transactionId redeems at most one nonce.
type Verifier struct {
	cfg    Config
	nonces x402.ReplayGuard
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the verifier's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithClock overrides the time source used for the expiry check.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a challenge verifier.
func NewVerifier(cfg Config, nonces x402.ReplayGuard, opts ...Option) (*Verifier, error) {
	if nonces == nil {
		return nil, x402.NewConfigurationError("nonces", "replay guard required")
	}
	if len(cfg.Currencies) == 0 {
		return nil, x402.NewConfigurationError("currencies", "at least one currency required")
	}
	if cfg.Ledger != nil && cfg.PayTo == "" {
		return nil, x402.NewConfigurationError("payTo", "required when a ledger is configured")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.TransactionTTL <= 0 {
		cfg.TransactionTTL = DefaultTransactionTTL
	}
	v := &Verifier{cfg: cfg, nonces: nonces, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks a proof. Rejections are returned as a result with Valid false;
// the error is reserved for infrastructure faults (replay store or ledger down).
func (v *Verifier) Verify(ctx context.Context, p x402.ChallengeProof) (x402.ChallengeResult, error) {
	amount, ok := v.wellFormed(p)
	if !ok {
		return reject(CodeMalformed), nil
	}

	issued := time.UnixMilli(p.Timestamp)
	now := v.now()
	if now.Sub(issued) > v.cfg.Window || issued.Sub(now) > clockSkew {
		return reject(CodeExpired), nil
	}

	if err := verifySignature(p); err != nil {
		v.logger.Debug("challenge signature rejected", zap.String("payer", p.Payer), zap.Error(err))
		return reject(CodeInvalidSignature), nil
	}

	currency, ok := v.cfg.Currencies[strings.ToUpper(p.Currency)]
	if !ok || (currency.MinAmount != nil && amount.Cmp(currency.MinAmount) < 0) {
		return reject(CodeMismatch), nil
	}

	issuedNonce, err := v.nonces.Seen(ctx, x402.IssuedNonceKey(p.Nonce))
	if err != nil {
		return x402.ChallengeResult{}, fmt.Errorf("check nonce: %w", err)
	}
	if !issuedNonce {
		return reject(CodeUnknownNonce), nil
	}

	if p.TransactionID != "" {
		code, err := v.confirmTransfer(ctx, p, currency, amount)
		if err != nil {
			return x402.ChallengeResult{}, err
		}
		if code != "" {
			return reject(code), nil
		}
	}

	nonceKey := "challenge:" + p.Nonce
	fresh, err := v.nonces.TryConsume(ctx, nonceKey, 2*v.cfg.Window)
	if err != nil {
		return x402.ChallengeResult{}, fmt.Errorf("consume nonce: %w", err)
	}
	if !fresh {
		return reject(CodeReplay), nil
	}

	if p.TransactionID != "" {
		fresh, err = v.nonces.TryConsume(ctx, "challenge-tx:"+p.TransactionID, v.cfg.TransactionTTL)
		if err != nil || !fresh {
			// the nonce was not redeemed, so hand it back
			if relErr := v.nonces.Release(ctx, nonceKey); relErr != nil {
				v.logger.Warn("release challenge nonce", zap.String("nonce", p.Nonce), zap.Error(relErr))
			}
		}
		if err != nil {
			return x402.ChallengeResult{}, fmt.Errorf("consume transaction: %w", err)
		}
		if !fresh {
			return reject(CodeReplay), nil
		}
	}
	return x402.ChallengeResult{Valid: true, Payer: p.Payer}, nil
}

func (v *Verifier) wellFormed(p x402.ChallengeProof) (*big.Int, bool) {
	if p.Signature == "" || p.Payer == "" || p.Nonce == "" || p.Currency == "" || p.Timestamp <= 0 {
		return nil, false
	}
	if strings.ContainsRune(p.Nonce, ':') || strings.ContainsRune(p.Currency, ':') {
		return nil, false
	}
	amount, ok := x402.ParseAtomicAmount(p.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

// confirmTransfer checks the referenced ledger transfer pays at least amount of
// the currency to PayTo from the payer, and landed within the window.
func (v *Verifier) confirmTransfer(ctx context.Context, p x402.ChallengeProof, currency Currency, amount *big.Int) (string, error) {
	if v.cfg.Ledger == nil {
		return CodeMismatch, nil
	}

	requirements := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           v.cfg.Network,
		MaxAmountRequired: amount.String(),
		Asset:             currency.Asset,
		PayTo:             v.cfg.PayTo,
		MaxTimeoutSeconds: int(v.cfg.Window / time.Second),
	}
	payload := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     v.cfg.Network,
		Payload:     x402.DirectProof(p.TransactionID),
		From:        p.Payer,
		To:          v.cfg.PayTo,
		Amount:      amount.String(),
		Asset:       currency.Asset,
	}

	conf, err := v.cfg.Ledger.Confirm(ctx, requirements, payload)
	if err != nil {
		switch x402.CodeOf(err) {
		case x402.ErrLedgerNotFound:
			return CodeLedgerNotFound, nil
		case x402.ErrLedgerUnavailable, x402.ErrInternal:
			return "", fmt.Errorf("confirm transfer: %w", err)
		default:
			return CodeMismatch, nil
		}
	}
	if conf.Amount == nil || conf.Amount.Cmp(amount) < 0 || conf.Sender != p.Payer || conf.Asset != currency.Asset {
		return CodeMismatch, nil
	}
	if !conf.SettledAt.IsZero() && v.now().Sub(conf.SettledAt) > v.cfg.Window {
		return CodeExpired, nil
	}
	return "", nil
}

func verifySignature(p x402.ChallengeProof) error {
	msg := Message(p)
	if evm.IsAddress(p.Payer) {
		return evm.VerifyPersonalSignature(p.Payer, msg, p.Signature)
	}
	return svm.VerifyMessageSignature(p.Payer, msg, p.Signature)
}

func reject(code string) x402.ChallengeResult {
	return x402.ChallengeResult{Valid: false, Code: code}
}
