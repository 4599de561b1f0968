package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

// FacilitatorRequest is the body of POST /verify and POST /settle.
type FacilitatorRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      json.RawMessage          `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// HTTPFacilitatorClient communicates with a remote facilitator over HTTP.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// getSupportedRetries is the number of retry attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
var getSupportedRetryBaseDelay = 1 * time.Second

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config FacilitatorConfig) (*HTTPFacilitatorClient, error) {
	if config.URL == "" {
		return nil, x402.NewConfigurationError("url", "facilitator URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &HTTPFacilitatorClient{
		url:          config.URL,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}, nil
}

// Verify asks the facilitator to check a payment. An invalid payment is a
// VerifyResponse with IsValid false and a nil error.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.VerifyResponse, error) {
	var out x402.VerifyResponse
	status, body, err := c.post(ctx, "/verify", requirements, payload, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil || (status != http.StatusOK && out.InvalidReason == "") {
		return x402.VerifyResponse{}, fmt.Errorf("facilitator verify failed (%d): %s", status, string(body))
	}
	return out, nil
}

// Settle asks the facilitator to settle a payment. Definitive failures and
// unknown outcomes come back as a SettleResponse; the error is reserved for
// transport problems and facilitator faults.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error) {
	var out x402.SettleResponse
	status, body, err := c.post(ctx, "/settle", requirements, payload, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Status == "" {
		return x402.SettleResponse{}, fmt.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}
	return out, nil
}

// GetSupported gets supported payment kinds.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var lastErr error

	for attempt := range getSupportedRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}
		if err := c.authorize(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return x402.SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("supported request failed: %w", err)
		}
		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supportedResponse x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supportedResponse, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(responseBody))

		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return x402.SupportedResponse{}, ctx.Err()
			}
		}
		return x402.SupportedResponse{}, lastErr
	}

	return x402.SupportedResponse{}, lastErr
}

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, requirements x402.PaymentRequirements, payload x402.PaymentPayload, pick func(AuthHeaders) map[string]string) (int, []byte, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	body, err := json.Marshal(FacilitatorRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      rawPayload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req, pick); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, nil, fmt.Errorf("facilitator %s failed (%d): %s", path, resp.StatusCode, string(responseBody))
	}
	return resp.StatusCode, responseBody, nil
}

func (c *HTTPFacilitatorClient) authorize(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}
