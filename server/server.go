// Package server is the facilitator's HTTP surface.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/auth"
	"github.com/Blessedbiello/402pay-sub000/escrow"
	"github.com/Blessedbiello/402pay-sub000/ratelimit"
)

// Facilitator verifies payments and lists what it supports.
type Facilitator interface {
	Verify(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.VerifyResponse, error)
	GetSupported() x402.SupportedResponse
}

// Settler settles payments idempotently.
type Settler interface {
	Settle(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error)
}

// ChallengeIssuer hands out nonce-bound challenges.
type ChallengeIssuer interface {
	NewChallenge(ctx context.Context, resource string) (x402.Challenge, error)
}

// ChallengeVerifier checks legacy challenge proofs.
type ChallengeVerifier interface {
	Verify(ctx context.Context, proof x402.ChallengeProof) (x402.ChallengeResult, error)
}

// Escrows is the escrow state machine.
type Escrows interface {
	Create(ctx context.Context, req escrow.CreateRequest) (escrow.View, error)
	FundingRequirements(ctx context.Context, id string) (x402.PaymentRequirements, error)
	Fund(ctx context.Context, id string, payment x402.PaymentPayload) (escrow.View, error)
	Release(ctx context.Context, id string) (escrow.View, error)
	Refund(ctx context.Context, id string) (escrow.View, error)
	Dispute(ctx context.Context, id, reason string) (escrow.View, error)
	Get(ctx context.Context, id string) (escrow.View, error)
	GetByJob(ctx context.Context, jobID string) (escrow.View, error)
	List(ctx context.Context, filter escrow.ListFilter) ([]escrow.View, error)
}

// HealthReporter reports whether the replay guard runs on its local fallback.
type HealthReporter interface {
	Degraded() bool
}

// Deps are the components the server exposes. Facilitator, Settler, Auth and
// Limiter are required; a nil optional component leaves its routes unmounted.
type Deps struct {
	Facilitator Facilitator
	Settler     Settler

	ChallengeIssuer   ChallengeIssuer
	ChallengeVerifier ChallengeVerifier
	Escrows           Escrows
	Replay            HealthReporter

	Auth    *auth.Authenticator
	Limiter *ratelimit.Limiter
	// MCP serves the tool surface at /mcp.
	MCP http.Handler

	Logger *zap.Logger
}

// Server routes facilitator requests.
type Server struct {
	deps   Deps
	logger *zap.Logger
	engine *gin.Engine
}

// New builds the router.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Facilitator == nil:
		return nil, x402.NewConfigurationError("facilitator", "required")
	case deps.Settler == nil:
		return nil, x402.NewConfigurationError("settler", "required")
	case deps.Auth == nil:
		return nil, x402.NewConfigurationError("auth", "required")
	case deps.Limiter == nil:
		return nil, x402.NewConfigurationError("limiter", "required")
	case (deps.ChallengeIssuer == nil) != (deps.ChallengeVerifier == nil):
		return nil, x402.NewConfigurationError("challenge", "issuer and verifier must be configured together")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{deps: deps, logger: logger}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), requestMetrics())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", auth.Middleware(s.deps.Auth))
	strict := ratelimit.Middleware(s.deps.Limiter, ratelimit.TierVerify)
	limited := ratelimit.Middleware(s.deps.Limiter, ratelimit.TierDefault)

	api.POST("/verify", strict, s.verify)
	api.POST("/settle", limited, s.settle)
	api.GET("/supported", limited, s.supported)

	if s.deps.ChallengeVerifier != nil {
		api.POST("/challenge", limited, s.newChallenge)
		api.POST("/challenge/verify", strict, s.verifyChallenge)
	}

	if s.deps.Escrows != nil {
		escrows := api.Group("/escrows", limited, auth.RequireIdentity())
		escrows.POST("", s.createEscrow)
		escrows.GET("/:id", s.getEscrow)
		escrows.GET("/job/:jobId", s.getEscrowByJob)
		escrows.POST("/:id/fund", s.fundEscrow)
		escrows.POST("/:id/release", auth.RequireAdmin(), s.releaseEscrow)
		escrows.POST("/:id/refund", auth.RequireAdmin(), s.refundEscrow)
		escrows.POST("/:id/dispute", s.disputeEscrow)

		api.GET("/admin/escrows", limited, auth.RequireAdmin(), s.listEscrows)
	}

	if s.deps.MCP != nil {
		mcp := gin.WrapH(s.deps.MCP)
		api.GET("/mcp", limited, mcp)
		api.POST("/mcp", limited, mcp)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	degraded := s.deps.Replay != nil && s.deps.Replay.Degraded()
	status := "ok"
	if degraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"replayDegraded": degraded,
	})
}
