package delegated

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{URL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{URL: "not a url"})
	assert.Error(t, err)
}

func TestClient_Requests(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/fee-payer":
			writeJSON(w, http.StatusOK, FeePayerInfo{Address: "fee-payer", AllowedAssets: []string{"usdc"}})
		case "/validate":
			var req TransactionRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "solana:devnet", req.Network)
			writeJSON(w, http.StatusOK, ValidateResponse{Valid: true, Payer: "payer"})
		case "/submit":
			assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
			writeJSON(w, http.StatusOK, SubmitResponse{Success: true, Signature: "sig"})
		case "/submissions/key-1":
			writeJSON(w, http.StatusOK, SubmitResponse{Success: true, Signature: "sig"})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	info, err := c.FeePayer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fee-payer", info.Address)
	assert.Equal(t, []string{"usdc"}, info.AllowedAssets)

	v, err := c.Validate(ctx, TransactionRequest{Network: "solana:devnet", Transaction: "AQID"})
	require.NoError(t, err)
	assert.True(t, v.Valid)

	s, err := c.Submit(ctx, "key-1", TransactionRequest{Network: "solana:devnet", Transaction: "AQID"})
	require.NoError(t, err)
	assert.Equal(t, "sig", s.Signature)

	s, err = c.Submission(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, s.Success)

	_, err = c.Submission(ctx, "missing")
	assert.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestClient_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "blockhash expired"})
	})

	_, err := c.Submit(context.Background(), "key-1", TransactionRequest{})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Equal(t, "blockhash expired", rejected.Reason)
}

func TestClient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Validate(context.Background(), TransactionRequest{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}

	_, err := c.Validate(context.Background(), TransactionRequest{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), calls.Load())
}

func TestClient_RejectionsDoNotTrip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad"})
	})
	for i := 0; i < 10; i++ {
		_, err := c.Validate(context.Background(), TransactionRequest{})
		var rejected *RejectedError
		require.ErrorAs(t, err, &rejected)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{URL: url})
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), "key-1", TransactionRequest{Network: "solana:devnet", Transaction: "AQID"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)

	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected))
}
