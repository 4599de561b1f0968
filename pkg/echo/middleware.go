// Package echo provides x402 payment middleware for echo resource servers.
package echo

import (
	"bytes"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	x402http "github.com/Blessedbiello/402pay-sub000/http"
)

// Config configures the payment middleware.
type Config struct {
	Gate *x402http.Gate
	// Resource overrides the matched route path as the priced resource.
	Resource string
	Logger   *zap.Logger
}

// PaymentMiddleware requires payment for priced routes. See the gin package
// for the request flow; both share x402http.Gate.
func PaymentMiddleware(config Config) echo.MiddlewareFunc {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			resource := config.Resource
			if resource == "" {
				resource = c.Path()
			}
			ctx := c.Request().Context()

			adm, rej, err := config.Gate.Admit(ctx, resource, c.Request().Header.Get(x402http.PaymentHeader))
			if err != nil {
				logger.Error("payment verification failed", zap.String("resource", resource), zap.Error(err))
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_error"})
			}
			if rej != nil {
				return c.JSON(rej.Status, rej.Body)
			}
			if adm == nil {
				return next(c)
			}

			res := c.Response()
			original := res.Writer
			buf := &bufferedWriter{header: original.Header(), statusCode: http.StatusOK}
			res.Writer = buf

			herr := next(c)
			res.Writer = original
			if herr != nil {
				// Let echo's error handler render the failure; nothing is settled.
				res.Committed = false
				return herr
			}

			if buf.statusCode >= http.StatusBadRequest {
				return buf.flush(original)
			}

			header, rej, err := config.Gate.Settle(ctx, adm)
			res.Committed = false
			if err != nil {
				logger.Error("payment settlement failed", zap.String("resource", resource), zap.Error(err))
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_error"})
			}
			if rej != nil {
				return c.JSON(rej.Status, rej.Body)
			}

			original.Header().Set(x402http.PaymentResponseHeader, header)
			return buf.flush(original)
		}
	}
}

// bufferedWriter holds the handler's response until settlement finishes.
type bufferedWriter struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(code int) { w.statusCode = code }

func (w *bufferedWriter) Write(b []byte) (int, error) { return w.body.Write(b) }

func (w *bufferedWriter) flush(to http.ResponseWriter) error {
	to.WriteHeader(w.statusCode)
	_, err := to.Write(w.body.Bytes())
	return err
}
