package x402

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// AdapterResolver finds the ledger adapter for a network and proof variant.
type AdapterResolver interface {
	Adapter(network Network, kind ProofKind) (LedgerAdapter, bool)
}

// Verifier checks a payment payload against a requirement. Checks run in a
// fixed order and stop at the first failure, so the same input always yields
// the same reason:
//
//  1. protocol version
//  2. scheme
//  3. network
//  4. payload and requirement structure
//  5. recipient
//  6. asset, when the requirement names one
//  7. amount (payload >= required)
//  8. timeout, when the payload carries a timestamp
//  9. ledger confirmation, re-checked against the requirement
//
// The replay check is not part of Verify; it runs in settlement where the key is consumed.
type Verifier struct {
	adapters AdapterResolver
	now      func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source used for the timeout check.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier that confirms payments through adapters.
func NewVerifier(adapters AdapterResolver, opts ...VerifierOption) *Verifier {
	v := &Verifier{adapters: adapters, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs checks 1-9. Verification failures are returned as an invalid
// VerifyResponse with a nil error; the error is reserved for infrastructure faults.
// The returned Confirmation is non-nil only for valid payments.
func (v *Verifier) Verify(ctx context.Context, requirements PaymentRequirements, payload PaymentPayload) (VerifyResponse, *Confirmation, error) {
	// 1
	if payload.X402Version != X402Version {
		return invalid(ErrVersionMismatch, "unsupported x402 version %d", payload.X402Version)
	}

	// 2
	if payload.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalid(ErrUnsupportedScheme, "unsupported scheme %q", payload.Scheme)
	}

	// 3
	if payload.Network != requirements.Network {
		return invalid(ErrSchemeOrNetworkMismatch, "payload network %s does not match %s", payload.Network, requirements.Network)
	}

	// 4
	required, paid, adapter, msg := v.checkStructure(requirements, payload)
	if msg != "" {
		return invalid(ErrMalformedPayload, "%s", msg)
	}

	// 5
	if !sameAddress(payload.To, requirements.PayTo) {
		return invalid(ErrRecipientMismatch, "payment recipient does not match payTo")
	}

	// 6
	if requirements.Asset != "" && payload.Asset != requirements.Asset {
		return invalid(ErrAssetMismatch, "payment asset does not match requirement")
	}

	// 7
	if paid.Cmp(required) < 0 {
		return invalid(ErrInsufficientAmount, "amount %s is below required %s", paid, required)
	}

	// 8
	if payload.Timestamp > 0 && v.expired(time.UnixMilli(payload.Timestamp), requirements.MaxTimeoutSeconds) {
		return invalid(ErrPaymentExpired, "payment is older than %ds", requirements.MaxTimeoutSeconds)
	}

	// 9
	conf, err := adapter.Confirm(ctx, requirements, payload)
	if err != nil {
		code := CodeOf(err)
		if code == ErrInternal {
			return VerifyResponse{}, nil, fmt.Errorf("confirm payment: %w", err)
		}
		return invalid(code, "%s", err.Error())
	}
	if resp, ok := v.checkConfirmation(requirements, required, conf); !ok {
		return resp, nil, nil
	}

	return VerifyResponse{IsValid: true, Payer: conf.Sender}, conf, nil
}

// checkStructure validates both documents and resolves the adapter. It returns
// a non-empty message on the first problem found.
func (v *Verifier) checkStructure(requirements PaymentRequirements, payload PaymentPayload) (*big.Int, *big.Int, LedgerAdapter, string) {
	if requirements.PayTo == "" {
		return nil, nil, nil, "requirement has no payTo"
	}
	if requirements.MaxTimeoutSeconds <= 0 {
		return nil, nil, nil, "requirement maxTimeoutSeconds must be positive"
	}
	required, ok := ParseAtomicAmount(requirements.MaxAmountRequired)
	if !ok || required.Sign() <= 0 {
		return nil, nil, nil, "requirement maxAmountRequired must be a positive integer"
	}
	if payload.Payload.Kind() == ProofUnknown {
		return nil, nil, nil, "payload variant is not set"
	}
	if payload.To == "" {
		return nil, nil, nil, "payload has no recipient"
	}
	paid, ok := ParseAtomicAmount(payload.Amount)
	if !ok {
		return nil, nil, nil, "payload amount must be a non-negative integer"
	}

	adapter, found := v.adapters.Adapter(payload.Network, payload.Payload.Kind())
	if !found {
		return nil, nil, nil, fmt.Sprintf("no %s settlement path for network %s", payload.Payload.Kind(), payload.Network)
	}
	if err := adapter.Validate(payload); err != nil {
		return nil, nil, nil, err.Error()
	}
	return required, paid, adapter, ""
}

// checkConfirmation compares what the ledger reports with the requirement. The
// payload's own fields were checked earlier; this guards against a payload that
// describes a different transfer than the one referenced.
func (v *Verifier) checkConfirmation(requirements PaymentRequirements, required *big.Int, conf *Confirmation) (VerifyResponse, bool) {
	switch {
	case conf == nil || conf.Amount == nil:
		return VerifyResponse{IsValid: false, InvalidReason: ErrLedgerNotFound, InvalidMessage: "ledger returned no transfer"}, false
	case !sameAddress(conf.Recipient, requirements.PayTo):
		return VerifyResponse{IsValid: false, InvalidReason: ErrRecipientMismatch, InvalidMessage: "ledger transfer recipient does not match payTo"}, false
	case conf.Asset != requirements.Asset:
		return VerifyResponse{IsValid: false, InvalidReason: ErrAssetMismatch, InvalidMessage: "ledger transfer asset does not match requirement"}, false
	case conf.Amount.Cmp(required) < 0:
		return VerifyResponse{IsValid: false, InvalidReason: ErrInsufficientAmount, InvalidMessage: fmt.Sprintf("ledger amount %s is below required %s", conf.Amount, required)}, false
	case !conf.SettledAt.IsZero() && v.expired(conf.SettledAt, requirements.MaxTimeoutSeconds):
		return VerifyResponse{IsValid: false, InvalidReason: ErrPaymentExpired, InvalidMessage: "ledger transfer is older than the payment window"}, false
	}
	return VerifyResponse{}, true
}

func (v *Verifier) expired(at time.Time, maxTimeoutSeconds int) bool {
	return v.now().Sub(at) > time.Duration(maxTimeoutSeconds)*time.Second
}

func invalid(code, format string, args ...interface{}) (VerifyResponse, *Confirmation, error) {
	return VerifyResponse{
		IsValid:        false,
		InvalidReason:  code,
		InvalidMessage: fmt.Sprintf(format, args...),
	}, nil, nil
}

// ParseAtomicAmount parses a non-negative base-10 integer string in the asset's smallest unit.
func ParseAtomicAmount(s string) (*big.Int, bool) {
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return nil, false
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return n, true
}

// sameAddress compares ledger addresses. Hex (0x) addresses are case-insensitive;
// base58 addresses are compared exactly.
func sameAddress(a, b string) bool {
	if strings.HasPrefix(a, "0x") && strings.HasPrefix(b, "0x") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
