package x402

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// NonceLength is the length in bytes of a challenge nonce before hex encoding.
const NonceLength = 16

// RouteConfig describes how a protected resource is priced.
type RouteConfig struct {
	// Price is a decimal amount in whole asset units ("0.01", "$0.01"). It is
	// scaled by Decimals into the asset's smallest unit.
	Price    string
	Decimals int32

	Network        Network
	PayTo          string
	Asset          string // empty for the native asset
	TimeoutSeconds int    // defaults to DefaultMaxTimeoutSeconds

	Description  string
	MimeType     string
	OutputSchema json.RawMessage
	Extra        json.RawMessage
}

// Challenge binds a fresh nonce to a requirement for the legacy challenge flow.
type Challenge struct {
	Nonce        string              `json:"nonce"`
	Requirements PaymentRequirements `json:"requirements"`
	ExpiresAt    time.Time           `json:"expiresAt"`
}

// RequirementIssuer builds payment requirements for registered resources.
// Configuration problems surface from Register; Issue never fails on a
// registered resource.
type RequirementIssuer struct {
	mu     sync.RWMutex
	routes map[string]PaymentRequirements
	nonces ReplayGuard
}

// NewRequirementIssuer creates an issuer. nonces reserves challenge nonces so a
// nonce is never handed out twice within its validity window; it may be nil
// when the challenge flow is not used.
func NewRequirementIssuer(nonces ReplayGuard) *RequirementIssuer {
	return &RequirementIssuer{
		routes: make(map[string]PaymentRequirements),
		nonces: nonces,
	}
}

// BuildRequirements converts a route configuration into a requirement.
func BuildRequirements(resource string, cfg RouteConfig) (PaymentRequirements, error) {
	if resource == "" {
		return PaymentRequirements{}, NewConfigurationError("resource", "must not be empty")
	}
	if strings.TrimSpace(cfg.PayTo) == "" {
		return PaymentRequirements{}, NewConfigurationError("payTo", "recipient must not be empty")
	}
	if _, _, err := cfg.Network.Parse(); err != nil {
		return PaymentRequirements{}, NewConfigurationError("network", err.Error())
	}
	if cfg.TimeoutSeconds < 0 {
		return PaymentRequirements{}, NewConfigurationError("timeoutSeconds", "must not be negative")
	}
	amount, err := AtomicAmount(cfg.Price, cfg.Decimals)
	if err != nil {
		return PaymentRequirements{}, err
	}

	timeout := cfg.TimeoutSeconds
	if timeout == 0 {
		timeout = DefaultMaxTimeoutSeconds
	}

	req := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           cfg.Network,
		MaxAmountRequired: amount,
		Asset:             cfg.Asset,
		PayTo:             cfg.PayTo,
		Resource:          resource,
		Description:       cfg.Description,
		MimeType:          cfg.MimeType,
		MaxTimeoutSeconds: timeout,
	}
	if len(cfg.OutputSchema) > 0 {
		raw := json.RawMessage(append([]byte(nil), cfg.OutputSchema...))
		req.OutputSchema = &raw
	}
	if len(cfg.Extra) > 0 {
		raw := json.RawMessage(append([]byte(nil), cfg.Extra...))
		req.Extra = &raw
	}
	return req, nil
}

// AtomicAmount converts a decimal price into a positive integer string in the
// asset's smallest unit. A leading "$" is accepted. Prices finer than the
// asset's precision are rejected rather than rounded.
func AtomicAmount(price string, decimals int32) (string, error) {
	p := strings.TrimPrefix(strings.TrimSpace(price), "$")
	d, err := decimal.NewFromString(p)
	if err != nil {
		return "", NewConfigurationError("price", fmt.Sprintf("invalid price %q", price))
	}
	if decimals < 0 {
		return "", NewConfigurationError("decimals", "must not be negative")
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return "", NewConfigurationError("price", fmt.Sprintf("price %q exceeds %d decimals", price, decimals))
	}
	if scaled.Sign() <= 0 {
		return "", NewConfigurationError("price", "must be positive")
	}
	return scaled.BigInt().String(), nil
}

// Register validates and stores the pricing for a resource.
func (i *RequirementIssuer) Register(resource string, cfg RouteConfig) error {
	req, err := BuildRequirements(resource, cfg)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.routes[resource] = req
	return nil
}

// Issue returns a fresh copy of the requirement for a resource.
func (i *RequirementIssuer) Issue(resource string) (PaymentRequirements, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	req, ok := i.routes[resource]
	if !ok {
		return PaymentRequirements{}, false
	}
	if req.OutputSchema != nil {
		raw := append(json.RawMessage(nil), *req.OutputSchema...)
		req.OutputSchema = &raw
	}
	if req.Extra != nil {
		raw := append(json.RawMessage(nil), *req.Extra...)
		req.Extra = &raw
	}
	return req, true
}

// PaymentRequired builds the 402 envelope for a resource.
func (i *RequirementIssuer) PaymentRequired(resource, errMsg string) (PaymentRequired, bool) {
	req, ok := i.Issue(resource)
	if !ok {
		return PaymentRequired{}, false
	}
	return PaymentRequired{
		X402Version: X402Version,
		Error:       errMsg,
		Accepts:     []PaymentRequirements{req},
	}, true
}

// NewChallenge issues a nonce-bound challenge for a resource. The nonce is
// reserved for the requirement's timeout window.
func (i *RequirementIssuer) NewChallenge(ctx context.Context, resource string) (Challenge, error) {
	req, ok := i.Issue(resource)
	if !ok {
		return Challenge{}, NewPaymentError(ErrMalformedPayload, "unknown resource "+resource, nil)
	}
	if i.nonces == nil {
		return Challenge{}, NewConfigurationError("nonces", "challenge flow requires a replay guard")
	}

	window := time.Duration(req.MaxTimeoutSeconds) * time.Second
	for attempt := 0; attempt < 3; attempt++ {
		nonce, err := NewNonce()
		if err != nil {
			return Challenge{}, err
		}
		fresh, err := i.nonces.TryConsume(ctx, IssuedNonceKey(nonce), window)
		if err != nil {
			return Challenge{}, fmt.Errorf("reserve nonce: %w", err)
		}
		if fresh {
			return Challenge{Nonce: nonce, Requirements: req, ExpiresAt: time.Now().Add(window)}, nil
		}
	}
	return Challenge{}, fmt.Errorf("reserve nonce: repeated collisions")
}

// IssuedNonceKey is the replay key reserving an issued challenge nonce.
func IssuedNonceKey(nonce string) string {
	return "issued:" + nonce
}

// NewNonce returns a hex-encoded random nonce of NonceLength bytes.
func NewNonce() (string, error) {
	b := make([]byte, NonceLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
