package delegated

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrUnavailable means the request was not sent because the breaker is
	// open. Transport errors are returned as they are; during a submit they
	// leave the outcome unknown.
	ErrUnavailable = errors.New("delegated: fee payer service unavailable")

	// ErrSubmissionNotFound means the delegate has no submission for a key.
	ErrSubmissionNotFound = errors.New("delegated: submission not found")
)

// RejectedError is a definitive refusal by the delegate (4xx).
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("delegated: rejected (%d): %s", e.StatusCode, e.Reason)
}

// FeePayerInfo is the delegate's fee-paying identity.
type FeePayerInfo struct {
	Address       string   `json:"address"`
	AllowedAssets []string `json:"allowedAssets,omitempty"`
}

// TransactionRequest is sent to /validate and /submit.
type TransactionRequest struct {
	Network     string `json:"network"`
	Transaction string `json:"transaction"`
}

// ValidateResponse is the delegate's simulation verdict.
type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Payer  string `json:"payer,omitempty"`
}

// SubmitResponse describes a co-signed, broadcast transaction.
type SubmitResponse struct {
	Success     bool   `json:"success"`
	Signature   string `json:"signature,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Config configures the fee payer client.
type Config struct {
	// URL is the base URL of the fee payer service
	URL string

	// APIKey is sent as a bearer token (optional)
	APIKey string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// Client talks to an external fee payer service. Calls go through a circuit
// breaker so a failing delegate is not hammered by every payment.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a fee payer client.
func NewClient(config Config) (*Client, error) {
	if _, err := url.ParseRequestURI(config.URL); err != nil {
		return nil, fmt.Errorf("delegated: invalid URL %q: %w", config.URL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    config.URL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fee-payer",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}, nil
}

// FeePayer returns the delegate's fee-paying address.
func (c *Client) FeePayer(ctx context.Context) (*FeePayerInfo, error) {
	var out FeePayerInfo
	if err := c.do(ctx, http.MethodGet, "/fee-payer", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate asks the delegate to simulate a transaction without broadcasting it.
func (c *Client) Validate(ctx context.Context, req TransactionRequest) (*ValidateResponse, error) {
	var out ValidateResponse
	if err := c.do(ctx, http.MethodPost, "/validate", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit asks the delegate to co-sign and broadcast a transaction. key is sent
// as the Idempotency-Key so a repeated submit returns the original outcome.
func (c *Client) Submit(ctx context.Context, key string, req TransactionRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/submit", key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submission returns the recorded outcome of an earlier Submit.
func (c *Client) Submission(ctx context.Context, key string) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodGet, "/submissions/"+url.PathEscape(key), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type rawResponse struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("delegated: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("delegated: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	// 4xx answers are the delegate working correctly and do not count as
	// breaker failures.
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("delegated: server error (%d): %s", resp.StatusCode, string(b))
		}
		return rawResponse{status: resp.StatusCode, body: b}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return err
	}

	raw := result.(rawResponse)
	switch {
	case raw.status == http.StatusNotFound && method == http.MethodGet && path != "/fee-payer":
		return ErrSubmissionNotFound
	case raw.status >= 400:
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw.body, &msg)
		if msg.Error == "" {
			msg.Error = string(raw.body)
		}
		return &RejectedError{StatusCode: raw.status, Reason: msg.Error}
	}

	if err := json.Unmarshal(raw.body, out); err != nil {
		return fmt.Errorf("delegated: decode response: %w", err)
	}
	return nil
}
