package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is a PaymentError with the same code, so callers can
// match on a kind with errors.Is(err, &PaymentError{Code: ErrEscrowNotFound}).
func (e *PaymentError) Is(target error) bool {
	var pe *PaymentError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Code == e.Code
}

// Verdict and error kinds. These strings are stable and appear on the wire as
// invalidReason / errorReason values.
const (
	ErrConfiguration             = "configuration_error"
	ErrMalformedPayload          = "malformed_payload"
	ErrUnsupportedScheme         = "unsupported_scheme"
	ErrVersionMismatch           = "version_mismatch"
	ErrSchemeOrNetworkMismatch   = "scheme_or_network_mismatch"
	ErrRecipientMismatch         = "recipient_mismatch"
	ErrAssetMismatch             = "asset_mismatch"
	ErrInsufficientAmount        = "insufficient_amount"
	ErrPaymentExpired            = "payment_expired"
	ErrReplayDetected            = "replay_detected"
	ErrLedgerNotFound            = "ledger_not_found"
	ErrLedgerExecutionFailed     = "ledger_execution_failed"
	ErrLedgerUnavailable         = "ledger_unavailable"
	ErrDelegateUnavailable       = "delegate_unavailable"
	ErrSettlementUnknown         = "settlement_unknown"
	ErrInvalidStateTransition    = "invalid_state_transition"
	ErrInsufficientEscrowBalance = "insufficient_escrow_balance"
	ErrEscrowNotFound            = "escrow_not_found"
	ErrInternal                  = "internal_error"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ConfigurationError is returned at setup time when a route, adapter, or store
// cannot be used as configured. It is never produced while serving requests.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

// NewConfigurationError creates a configuration error for the named field.
func NewConfigurationError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// CodeOf returns the PaymentError code carried by err, or ErrInternal.
func CodeOf(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ErrConfiguration
	}
	return ErrInternal
}
