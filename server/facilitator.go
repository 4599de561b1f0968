package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/challenge"
	x402http "github.com/Blessedbiello/402pay-sub000/http"
)

// decodeFacilitatorRequest parses a /verify or /settle body. A structural
// problem is reported as a MalformedPayload error.
func decodeFacilitatorRequest(c *gin.Context) (x402.PaymentRequirements, x402.PaymentPayload, error) {
	body, err := c.GetRawData()
	if err != nil {
		return x402.PaymentRequirements{}, x402.PaymentPayload{}, x402.NewPaymentError(x402.ErrMalformedPayload, "failed to read request body", nil)
	}
	var req x402http.FacilitatorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return x402.PaymentRequirements{}, x402.PaymentPayload{}, x402.NewPaymentError(x402.ErrMalformedPayload, "invalid request: "+err.Error(), nil)
	}
	if len(req.PaymentPayload) == 0 {
		return x402.PaymentRequirements{}, x402.PaymentPayload{}, x402.NewPaymentError(x402.ErrMalformedPayload, "paymentPayload is required", nil)
	}
	payload, err := x402http.ValidatePaymentPayloadJSON(req.PaymentPayload)
	if err != nil {
		return x402.PaymentRequirements{}, x402.PaymentPayload{}, err
	}
	return req.PaymentRequirements, payload, nil
}

func (s *Server) verify(c *gin.Context) {
	requirements, payload, err := decodeFacilitatorRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, x402.VerifyResponse{
			IsValid:        false,
			InvalidReason:  x402.CodeOf(err),
			InvalidMessage: err.Error(),
		})
		return
	}

	resp, err := s.deps.Facilitator.Verify(c.Request.Context(), requirements, payload)
	if err != nil {
		s.writeError(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) settle(c *gin.Context) {
	requirements, payload, err := decodeFacilitatorRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, x402.SettleResponse{
			Success:      false,
			Status:       x402.SettleStatusFailed,
			ErrorReason:  x402.CodeOf(err),
			ErrorMessage: err.Error(),
			Network:      payload.Network,
		})
		return
	}

	resp, err := s.deps.Settler.Settle(c.Request.Context(), requirements, payload)
	if err != nil {
		s.writeError(c, "settle", err)
		return
	}

	status := http.StatusOK
	switch resp.Status {
	case x402.SettleStatusUnknown:
		status = http.StatusAccepted
	case x402.SettleStatusFailed:
		status = http.StatusPaymentRequired
	}
	c.JSON(status, resp)
}

func (s *Server) supported(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Facilitator.GetSupported())
}

type challengeRequest struct {
	Resource string `json:"resource" binding:"required"`
}

func (s *Server) newChallenge(c *gin.Context) {
	var req challengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": x402.ErrMalformedPayload, "message": "resource is required"})
		return
	}
	ch, err := s.deps.ChallengeIssuer.NewChallenge(c.Request.Context(), req.Resource)
	if err != nil {
		s.writeError(c, "challenge", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) verifyChallenge(c *gin.Context) {
	var proof x402.ChallengeProof
	if err := c.ShouldBindJSON(&proof); err != nil {
		c.JSON(http.StatusBadRequest, x402.ChallengeResult{Valid: false, Code: challenge.CodeMalformed})
		return
	}
	result, err := s.deps.ChallengeVerifier.Verify(c.Request.Context(), proof)
	if err != nil {
		s.logger.Error("challenge verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": x402.ErrInternal})
		return
	}
	c.JSON(http.StatusOK, result)
}
