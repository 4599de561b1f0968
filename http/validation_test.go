package http

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestValidateAndDecodePaymentHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"empty", "", true},
		{"not base64", "%%%", true},
		{"not json", b64("hello"), true},
		{"missing payload", b64(`{"x402Version":1,"scheme":"exact"}`), true},
		{"wrong version type", b64(`{"x402Version":"1","payload":{"signature":"abc"}}`), true},
		{"both variants", b64(`{"x402Version":1,"payload":{"signature":"a","unsigned_transaction":"b"}}`), true},
		{"neither variant", b64(`{"x402Version":1,"payload":{}}`), true},
		{"empty signature", b64(`{"x402Version":1,"payload":{"signature":""}}`), true},
		{"direct", b64(`{"x402Version":1,"scheme":"exact","network":"mock:1","to":"r","amount":"10","payload":{"signature":"abc"}}`), false},
		{"delegated", b64(`{"x402Version":1,"scheme":"exact","network":"mock:1","to":"r","amount":"10","payload":{"unsigned_transaction":"AQID"}}`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := ValidateAndDecodePaymentHeader(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, x402.ErrMalformedPayload, x402.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, payload.X402Version)
		})
	}
}

func TestValueChecksAreLeftToVerifier(t *testing.T) {
	// A wrong version or unknown network is well-formed; the verifier reports it.
	payload, err := ValidateAndDecodePaymentHeader(b64(`{"x402Version":2,"scheme":"upto","network":"nowhere","payload":{"signature":"abc"}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, payload.X402Version)
	assert.Equal(t, x402.Network("nowhere"), payload.Network)
}

func TestHeaderRoundTrip(t *testing.T) {
	payload := x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     "mock:1",
		Payload:     x402.DirectProof("sig-1"),
		From:        "alice",
		To:          "merchant",
		Amount:      "1000",
		Asset:       "usdc-mint",
		Timestamp:   1_700_000_000_000,
		Metadata:    map[string]string{"order": "42"},
	}
	header, err := EncodePaymentHeader(payload)
	require.NoError(t, err)

	decoded, err := ValidateAndDecodePaymentHeader(header)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
	assert.Equal(t, x402.ProofDirect, decoded.Payload.Kind())
	assert.Equal(t, "sig-1", decoded.Payload.Signature())

	delegated := payload
	delegated.Payload = x402.DelegatedProof("AQID")
	header, err = EncodePaymentHeader(delegated)
	require.NoError(t, err)
	decoded, err = ValidateAndDecodePaymentHeader(header)
	require.NoError(t, err)
	assert.Equal(t, delegated, decoded)

	resp := x402.SettleResponse{Success: true, Status: x402.SettleStatusExecuted, Transaction: "sig-1", Network: "mock:1", Payer: "alice"}
	out, err := EncodePaymentResponse(resp)
	require.NoError(t, err)
	back, err := DecodePaymentResponse(out)
	require.NoError(t, err)
	assert.Equal(t, resp, back)

	_, err = DecodePaymentResponse("!!")
	assert.Error(t, err)
}

func TestRequirementsRoundTrip(t *testing.T) {
	schema := json.RawMessage(`{"input":{"type":"http","method":"GET"}}`)
	extra := json.RawMessage(`{"feePayer":"fee-payer","name":"USDC"}`)
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           "mock:1",
		MaxAmountRequired: "1000",
		Asset:             "usdc-mint",
		PayTo:             "merchant",
		Resource:          "https://api.example.com/data",
		Description:       "weather",
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		OutputSchema:      &schema,
		Extra:             &extra,
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	decoded, err := x402.DecodePaymentRequirements(data)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	bare := req
	bare.OutputSchema, bare.Extra = nil, nil
	data, err = json.Marshal(bare)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "outputSchema")
	decoded, err = x402.DecodePaymentRequirements(data)
	require.NoError(t, err)
	assert.Equal(t, bare, decoded)

	_, err = x402.DecodePaymentRequirements([]byte(`{"maxTimeoutSeconds":"60"}`))
	assert.Equal(t, x402.ErrMalformedPayload, x402.CodeOf(err))
}
