package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

// statusFor maps an error kind to an HTTP status.
func statusFor(code string) int {
	switch code {
	case x402.ErrMalformedPayload, x402.ErrSchemeOrNetworkMismatch, x402.ErrUnsupportedScheme, x402.ErrVersionMismatch:
		return http.StatusBadRequest
	case x402.ErrEscrowNotFound:
		return http.StatusNotFound
	case x402.ErrInvalidStateTransition:
		return http.StatusConflict
	case x402.ErrInsufficientEscrowBalance:
		return http.StatusUnprocessableEntity
	case x402.ErrSettlementUnknown:
		return http.StatusAccepted
	case x402.ErrLedgerUnavailable, x402.ErrDelegateUnavailable:
		return http.StatusServiceUnavailable
	case x402.ErrInternal, x402.ErrConfiguration:
		return http.StatusInternalServerError
	default:
		// remaining kinds are payment verdicts
		return http.StatusPaymentRequired
	}
}

// writeError renders err. Internal faults are logged and answered with a
// generic body so no infrastructure detail reaches the caller.
func (s *Server) writeError(c *gin.Context, op string, err error) {
	code := x402.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		c.JSON(status, gin.H{"error": x402.ErrInternal})
		return
	}

	body := gin.H{"error": code, "message": err.Error()}
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		body["message"] = pe.Message
		if len(pe.Details) > 0 {
			body["details"] = pe.Details
		}
	}
	c.JSON(status, body)
}
