package x402

import (
	"encoding/json"
	"fmt"
	"strings"
)

// X402Version is the protocol version this facilitator speaks.
const X402Version = 1

// SchemeExact is the only payment scheme implemented: pay at least the required amount, once.
const SchemeExact = "exact"

// DefaultMaxTimeoutSeconds is applied when a route does not set its own timeout.
const DefaultMaxTimeoutSeconds = 60

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp" for Solana mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "solana:abc" matches "solana:*" and "solana:*" matches "solana:abc"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		return strings.HasPrefix(nStr, strings.TrimSuffix(patternStr, "*"))
	}
	if strings.HasSuffix(nStr, ":*") {
		return strings.HasPrefix(patternStr, strings.TrimSuffix(nStr, "*"))
	}

	return false
}

// PaymentRequirements defines what payment is acceptable for a resource.
// A requirement is issued per challenged request and discarded after use.
type PaymentRequirements struct {
	Scheme            string           `json:"scheme"`
	Network           Network          `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Asset             string           `json:"asset"`
	PayTo             string           `json:"payTo"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description"`
	MimeType          string           `json:"mimeType"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
	OutputSchema      *json.RawMessage `json:"outputSchema,omitempty"`
	Extra             *json.RawMessage `json:"extra,omitempty"`
}

// PaymentPayload is the client's proof of payment for a single requirement.
type PaymentPayload struct {
	X402Version int               `json:"x402Version"`
	Scheme      string            `json:"scheme"`
	Network     Network           `json:"network"`
	Payload     Proof             `json:"payload"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Amount      string            `json:"amount"`
	Asset       string            `json:"asset,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// SettleStatus describes how a settle call concluded.
type SettleStatus string

const (
	SettleStatusExecuted       SettleStatus = "executed"
	SettleStatusAlreadySettled SettleStatus = "already_settled"
	SettleStatusUnknown        SettleStatus = "unknown"
	SettleStatusFailed         SettleStatus = "failed"
)

// SettleResponse contains the settlement result. It doubles as the confirmation
// object returned to resource clients in the payment response header.
type SettleResponse struct {
	Success      bool         `json:"success"`
	Status       SettleStatus `json:"status"`
	ErrorReason  string       `json:"errorReason,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Payer        string       `json:"payer,omitempty"`
	Transaction  string       `json:"transaction"`
	Network      Network      `json:"network"`
}

// SupportedKind represents a supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// ChallengeProof is the legacy nonce-bound proof: a signature by the payer over the
// challenge fields, optionally pointing at a ledger transaction.
type ChallengeProof struct {
	Signature     string `json:"signature"`
	Payer         string `json:"payer"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Nonce         string `json:"nonce"`
	Timestamp     int64  `json:"timestamp"`
	TransactionID string `json:"transactionId,omitempty"`
}

// ChallengeResult is the verdict on a ChallengeProof.
type ChallengeResult struct {
	Valid bool   `json:"valid"`
	Code  string `json:"code,omitempty"`
	Payer string `json:"payer,omitempty"`
}
