package echo

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub000"
	x402http "github.com/Blessedbiello/402pay-sub000/http"
	"github.com/Blessedbiello/402pay-sub000/pkg/internal/paytest"
)

func newServer(t *testing.T, p *paytest.Processor) *echo.Echo {
	e := echo.New()
	e.Use(PaymentMiddleware(Config{Gate: paytest.Gate(t, "/weather", p)}))
	e.GET("/weather", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"forecast": "sunny"})
	})
	return e
}

func do(e *echo.Echo, path, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set(x402http.PaymentHeader, header)
	}
	e.ServeHTTP(w, req)
	return w
}

func TestPaymentMiddleware(t *testing.T) {
	t.Run("no header", func(t *testing.T) {
		w := do(newServer(t, &paytest.Processor{}), "/weather", "")
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Contains(t, w.Body.String(), `"accepts"`)
	})

	t.Run("paid", func(t *testing.T) {
		p := &paytest.Processor{
			Verdict: x402.VerifyResponse{IsValid: true},
			Result:  x402.SettleResponse{Success: true, Status: x402.SettleStatusExecuted, Transaction: "sig-1", Network: "mock:1"},
		}
		w := do(newServer(t, p), "/weather", paytest.Header(t))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "sunny")
		resp, err := x402http.DecodePaymentResponse(w.Header().Get(x402http.PaymentResponseHeader))
		require.NoError(t, err)
		assert.True(t, resp.Success)
	})

	t.Run("settlement failure", func(t *testing.T) {
		p := &paytest.Processor{
			Verdict: x402.VerifyResponse{IsValid: true},
			Result:  x402.SettleResponse{Status: x402.SettleStatusUnknown, ErrorReason: x402.ErrSettlementUnknown},
		}
		w := do(newServer(t, p), "/weather", paytest.Header(t))
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.NotContains(t, w.Body.String(), "sunny")
	})

	t.Run("handler error", func(t *testing.T) {
		p := &paytest.Processor{Verdict: x402.VerifyResponse{IsValid: true}}
		e := echo.New()
		e.GET("/weather", func(c echo.Context) error {
			return errors.New("boom")
		}, PaymentMiddleware(Config{Gate: paytest.Gate(t, "/weather", p)}))
		w := do(e, "/weather", paytest.Header(t))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Zero(t, p.Settled())
	})
}
