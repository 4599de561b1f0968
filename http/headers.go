// Package http carries x402 over HTTP: the payment header codec, a client for
// remote facilitators, and structural validation of inbound payloads.
package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

const (
	// PaymentHeader carries the client's base64 JSON PaymentPayload.
	PaymentHeader = "X-PAYMENT"
	// PaymentResponseHeader carries the base64 JSON settlement confirmation.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// EncodePaymentHeader encodes a payload for the X-PAYMENT header.
func EncodePaymentHeader(payload x402.PaymentPayload) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// EncodePaymentResponse encodes a settlement result for the X-PAYMENT-RESPONSE header.
func EncodePaymentResponse(resp x402.SettleResponse) (string, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("encode payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodePaymentResponse decodes an X-PAYMENT-RESPONSE header value.
func DecodePaymentResponse(header string) (x402.SettleResponse, error) {
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return x402.SettleResponse{}, fmt.Errorf("invalid payment response header: %w", err)
	}
	var resp x402.SettleResponse
	if err := json.Unmarshal(decoded, &resp); err != nil {
		return x402.SettleResponse{}, fmt.Errorf("invalid payment response header: %w", err)
	}
	return resp, nil
}
