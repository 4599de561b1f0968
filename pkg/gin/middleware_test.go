package gin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub000"
	x402http "github.com/Blessedbiello/402pay-sub000/http"
	"github.com/Blessedbiello/402pay-sub000/pkg/internal/paytest"
)

func newRouter(t *testing.T, p *paytest.Processor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PaymentMiddleware(paytest.Gate(t, "/weather", p)))
	r.GET("/weather", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"forecast": "sunny"}) })
	r.GET("/free", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"free": true}) })
	return r
}

func do(r http.Handler, path, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set(x402http.PaymentHeader, header)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestPaymentMiddleware(t *testing.T) {
	t.Run("no header gets 402 envelope", func(t *testing.T) {
		p := &paytest.Processor{}
		w := do(newRouter(t, p), "/weather", "")
		require.Equal(t, http.StatusPaymentRequired, w.Code)

		var body x402.PaymentRequired
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 1, body.X402Version)
		require.Len(t, body.Accepts, 1)
		assert.Equal(t, "merchant", body.Accepts[0].PayTo)
		assert.Zero(t, p.Settled())
	})

	t.Run("unpriced route is free", func(t *testing.T) {
		w := do(newRouter(t, &paytest.Processor{}), "/free", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("invalid payment", func(t *testing.T) {
		p := &paytest.Processor{Verdict: x402.VerifyResponse{InvalidReason: x402.ErrInsufficientAmount}}
		w := do(newRouter(t, p), "/weather", paytest.Header(t))
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Contains(t, w.Body.String(), x402.ErrInsufficientAmount)
		assert.Zero(t, p.Settled())
	})

	t.Run("paid", func(t *testing.T) {
		p := &paytest.Processor{
			Verdict: x402.VerifyResponse{IsValid: true, Payer: "alice"},
			Result:  x402.SettleResponse{Success: true, Status: x402.SettleStatusExecuted, Transaction: "sig-1", Network: "mock:1", Payer: "alice"},
		}
		w := do(newRouter(t, p), "/weather", paytest.Header(t))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"forecast":"sunny"}`, w.Body.String())

		resp, err := x402http.DecodePaymentResponse(w.Header().Get(x402http.PaymentResponseHeader))
		require.NoError(t, err)
		assert.Equal(t, "sig-1", resp.Transaction)
		assert.Equal(t, 1, p.Settled())
	})

	t.Run("settlement failure withholds the resource", func(t *testing.T) {
		p := &paytest.Processor{
			Verdict: x402.VerifyResponse{IsValid: true},
			Result:  x402.SettleResponse{Status: x402.SettleStatusFailed, ErrorReason: x402.ErrReplayDetected},
		}
		w := do(newRouter(t, p), "/weather", paytest.Header(t))
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.NotContains(t, w.Body.String(), "sunny")
		assert.Empty(t, w.Header().Get(x402http.PaymentResponseHeader))
	})

	t.Run("handler error is not settled", func(t *testing.T) {
		p := &paytest.Processor{Verdict: x402.VerifyResponse{IsValid: true}}
		gin.SetMode(gin.TestMode)
		r := gin.New()
		r.GET("/weather", PaymentMiddleware(paytest.Gate(t, "/weather", p)), func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "upstream down"})
		})
		w := do(r, "/weather", paytest.Header(t))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "upstream down")
		assert.Zero(t, p.Settled())
	})
}
