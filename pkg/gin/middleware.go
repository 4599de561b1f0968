// Package gin provides x402 payment middleware for gin resource servers.
package gin

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402http "github.com/Blessedbiello/402pay-sub000/http"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Resource string
	Logger   *zap.Logger
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithResource prices every request through this middleware as resource,
// instead of the matched route path.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithLogger sets the middleware's logger.
func WithLogger(logger *zap.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// PaymentMiddleware requires payment for priced routes. Unpaid requests get the
// 402 envelope; paid ones run the handler, then settle, and the handler's
// response is only released with an X-PAYMENT-RESPONSE header once settlement
// succeeded.
func PaymentMiddleware(gate *x402http.Gate, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		resource := options.Resource
		if resource == "" {
			resource = c.FullPath()
		}

		adm, rej, err := gate.Admit(c.Request.Context(), resource, c.GetHeader(x402http.PaymentHeader))
		if err != nil {
			options.Logger.Error("payment verification failed", zap.String("resource", resource), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if rej != nil {
			c.AbortWithStatusJSON(rej.Status, rej.Body)
			return
		}
		if adm == nil {
			c.Next()
			return
		}

		writer := &responseWriter{ResponseWriter: c.Writer, statusCode: http.StatusOK}
		c.Writer = writer
		c.Next()
		c.Writer = writer.ResponseWriter

		if c.IsAborted() || writer.statusCode >= http.StatusBadRequest {
			// The resource was not delivered, so the payment is left unsettled.
			writer.flush()
			return
		}

		header, rej, err := gate.Settle(c.Request.Context(), adm)
		if err != nil {
			options.Logger.Error("payment settlement failed", zap.String("resource", resource), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if rej != nil {
			c.AbortWithStatusJSON(rej.Status, rej.Body)
			return
		}

		c.Header(x402http.PaymentResponseHeader, header)
		writer.flush()
	}
}

// responseWriter holds the handler's response until settlement finishes.
type responseWriter struct {
	gin.ResponseWriter
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) WriteHeaderNow() {}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

func (w *responseWriter) Status() int { return w.statusCode }

func (w *responseWriter) Size() int { return w.body.Len() }

func (w *responseWriter) Written() bool { return w.written }

func (w *responseWriter) flush() {
	w.ResponseWriter.WriteHeader(w.statusCode)
	_, _ = w.ResponseWriter.Write(w.body.Bytes())
}
