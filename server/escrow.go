package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/auth"
	"github.com/Blessedbiello/402pay-sub000/escrow"
	x402http "github.com/Blessedbiello/402pay-sub000/http"
)

// escrowResponse pairs an escrow with the requirement that funds it while it
// is still awaiting funding.
type escrowResponse struct {
	Escrow          escrow.View           `json:"escrow"`
	PaymentRequired *x402.PaymentRequired `json:"paymentRequired,omitempty"`
}

// createEscrow opens an escrow. When the request carries an X-PAYMENT header
// the escrow is funded in the same call.
func (s *Server) createEscrow(c *gin.Context) {
	var req escrow.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": x402.ErrMalformedPayload, "message": "invalid escrow request"})
		return
	}
	if id, _ := auth.FromContext(c); !isParty(id, req.Payer, req.Recipient) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "caller must be the payer or the recipient"})
		return
	}
	ctx := c.Request.Context()

	view, err := s.deps.Escrows.Create(ctx, req)
	if err != nil {
		s.writeError(c, "create escrow", err)
		return
	}

	if header := c.GetHeader(x402http.PaymentHeader); header != "" {
		payment, err := x402http.ValidateAndDecodePaymentHeader(header)
		if err != nil {
			s.writeFunding(c, view.ID, err)
			return
		}
		funded, err := s.deps.Escrows.Fund(ctx, view.ID, payment)
		if err != nil {
			s.writeFunding(c, view.ID, err)
			return
		}
		c.JSON(http.StatusCreated, escrowResponse{Escrow: funded})
		return
	}

	s.writeUnfunded(c, http.StatusCreated, view, "")
}

func (s *Server) fundEscrow(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.partyEscrow(c, "fund escrow", id); !ok {
		return
	}
	header := c.GetHeader(x402http.PaymentHeader)
	if header == "" {
		s.writeFunding(c, id, x402.NewPaymentError(x402.ErrMalformedPayload, "X-PAYMENT header is required", nil))
		return
	}
	payment, err := x402http.ValidateAndDecodePaymentHeader(header)
	if err != nil {
		s.writeFunding(c, id, err)
		return
	}
	view, err := s.deps.Escrows.Fund(c.Request.Context(), id, payment)
	if err != nil {
		s.writeFunding(c, id, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse{Escrow: view})
}

// writeFunding answers a failed funding attempt. Payment verdicts get the 402
// envelope so the caller can pay again; other failures are plain errors.
func (s *Server) writeFunding(c *gin.Context, id string, err error) {
	code := x402.CodeOf(err)
	if statusFor(code) != http.StatusPaymentRequired && code != x402.ErrMalformedPayload {
		s.writeError(c, "fund escrow", err)
		return
	}
	view, getErr := s.deps.Escrows.Get(c.Request.Context(), id)
	if getErr != nil {
		s.writeError(c, "fund escrow", getErr)
		return
	}
	if view.Status != escrow.StatusCreated {
		s.writeError(c, "fund escrow", err)
		return
	}
	s.writeUnfunded(c, http.StatusPaymentRequired, view, code)
}

func (s *Server) writeUnfunded(c *gin.Context, status int, view escrow.View, reason string) {
	req, err := s.deps.Escrows.FundingRequirements(c.Request.Context(), view.ID)
	if err != nil {
		s.writeError(c, "escrow requirements", err)
		return
	}
	c.JSON(status, escrowResponse{
		Escrow: view,
		PaymentRequired: &x402.PaymentRequired{
			X402Version: x402.X402Version,
			Error:       reason,
			Accepts:     []x402.PaymentRequirements{req},
		},
	})
}

// isParty reports whether id may see or act on an escrow between payer and
// recipient. Admins are party to every escrow.
func isParty(id auth.Identity, payer, recipient string) bool {
	if id.Role == auth.RoleAdmin {
		return true
	}
	return id.Subject != "" && (id.Subject == payer || id.Subject == recipient)
}

// authorizeEscrow answers 404 to callers who are not party to view, so other
// parties' escrows cannot be discovered by id.
func (s *Server) authorizeEscrow(c *gin.Context, view escrow.View) bool {
	if id, _ := auth.FromContext(c); isParty(id, view.Payer, view.Recipient) {
		return true
	}
	c.JSON(http.StatusNotFound, gin.H{"error": x402.ErrEscrowNotFound, "message": "escrow not found"})
	return false
}

// partyEscrow loads an escrow for a caller who must be party to it.
func (s *Server) partyEscrow(c *gin.Context, op, id string) (escrow.View, bool) {
	view, err := s.deps.Escrows.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, op, err)
		return escrow.View{}, false
	}
	if !s.authorizeEscrow(c, view) {
		return escrow.View{}, false
	}
	return view, true
}

func (s *Server) getEscrow(c *gin.Context) {
	view, ok := s.partyEscrow(c, "get escrow", c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, escrowResponse{Escrow: view})
}

func (s *Server) getEscrowByJob(c *gin.Context) {
	view, err := s.deps.Escrows.GetByJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		s.writeError(c, "get escrow", err)
		return
	}
	if !s.authorizeEscrow(c, view) {
		return
	}
	c.JSON(http.StatusOK, escrowResponse{Escrow: view})
}

func (s *Server) releaseEscrow(c *gin.Context) {
	view, err := s.deps.Escrows.Release(c.Request.Context(), c.Param("id"))
	s.writeEscrow(c, "release escrow", view, err)
}

func (s *Server) refundEscrow(c *gin.Context) {
	view, err := s.deps.Escrows.Refund(c.Request.Context(), c.Param("id"))
	s.writeEscrow(c, "refund escrow", view, err)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) disputeEscrow(c *gin.Context) {
	var req disputeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": x402.ErrMalformedPayload, "message": "invalid dispute request"})
			return
		}
	}
	if _, ok := s.partyEscrow(c, "dispute escrow", c.Param("id")); !ok {
		return
	}
	view, err := s.deps.Escrows.Dispute(c.Request.Context(), c.Param("id"), req.Reason)
	s.writeEscrow(c, "dispute escrow", view, err)
}

func (s *Server) listEscrows(c *gin.Context) {
	filter := escrow.ListFilter{Status: escrow.Status(c.Query("status"))}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": x402.ErrMalformedPayload, "message": "limit must be an integer"})
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": x402.ErrMalformedPayload, "message": "offset must be an integer"})
		return
	}

	views, err := s.deps.Escrows.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, "list escrows", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": views,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (s *Server) writeEscrow(c *gin.Context, op string, view escrow.View, err error) {
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse{Escrow: view})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
