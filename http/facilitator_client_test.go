package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

type staticAuth struct{}

func (staticAuth) GetAuthHeaders(context.Context) (AuthHeaders, error) {
	return AuthHeaders{
		Verify:    map[string]string{"Authorization": "Bearer v"},
		Settle:    map[string]string{"Authorization": "Bearer s"},
		Supported: map[string]string{"Authorization": "Bearer k"},
	}, nil
}

func testRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           "mock:1",
		MaxAmountRequired: "1000",
		PayTo:             "merchant",
		Resource:          "/weather",
		MaxTimeoutSeconds: 60,
	}
}

func testPayload() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     "mock:1",
		Payload:     x402.DirectProof("sig-1"),
		To:          "merchant",
		Amount:      "1000",
	}
}

func TestFacilitatorClientVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, "Bearer v", r.Header.Get("Authorization"))

		var req FacilitatorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		payload, err := x402.DecodePaymentPayload(req.PaymentPayload)
		require.NoError(t, err)
		assert.Equal(t, "sig-1", payload.Payload.Signature())
		assert.Equal(t, "/weather", req.PaymentRequirements.Resource)

		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrInsufficientAmount})
	}))
	defer srv.Close()

	client, err := NewHTTPFacilitatorClient(FacilitatorConfig{URL: srv.URL, AuthProvider: staticAuth{}})
	require.NoError(t, err)

	resp, err := client.Verify(context.Background(), testRequirements(), testPayload())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ErrInsufficientAmount, resp.InvalidReason)
}

func TestFacilitatorClientSettle(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    interface{}
		wantErr bool
		want    x402.SettleStatus
	}{
		{"executed", http.StatusOK, x402.SettleResponse{Success: true, Status: x402.SettleStatusExecuted, Transaction: "sig-1"}, false, x402.SettleStatusExecuted},
		{"failed verdict", http.StatusPaymentRequired, x402.SettleResponse{Status: x402.SettleStatusFailed, ErrorReason: x402.ErrReplayDetected}, false, x402.SettleStatusFailed},
		{"unknown", http.StatusAccepted, x402.SettleResponse{Status: x402.SettleStatusUnknown, ErrorReason: x402.ErrSettlementUnknown}, false, x402.SettleStatusUnknown},
		{"server fault", http.StatusInternalServerError, map[string]string{"error": "internal_error"}, true, ""},
		{"garbage", http.StatusBadRequest, map[string]string{"error": "nope"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/settle", r.URL.Path)
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			client, err := NewHTTPFacilitatorClient(FacilitatorConfig{URL: srv.URL})
			require.NoError(t, err)

			resp, err := client.Settle(context.Background(), testRequirements(), testPayload())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}

func TestFacilitatorClientGetSupportedRetries(t *testing.T) {
	old := getSupportedRetryBaseDelay
	getSupportedRetryBaseDelay = time.Millisecond
	defer func() { getSupportedRetryBaseDelay = old }()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(x402.SupportedResponse{Kinds: []x402.SupportedKind{{X402Version: 1, Scheme: "exact", Network: "mock:1"}}})
	}))
	defer srv.Close()

	client, err := NewHTTPFacilitatorClient(FacilitatorConfig{URL: srv.URL})
	require.NoError(t, err)

	supported, err := client.GetSupported(context.Background())
	require.NoError(t, err)
	assert.Len(t, supported.Kinds, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewHTTPFacilitatorClientRequiresURL(t *testing.T) {
	_, err := NewHTTPFacilitatorClient(FacilitatorConfig{})
	assert.Equal(t, x402.ErrConfiguration, x402.CodeOf(err))
}
