package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

// PaymentProcessor verifies and settles payments. HTTPFacilitatorClient is
// the remote implementation; Local wires in-process components.
type PaymentProcessor interface {
	Verify(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.VerifyResponse, error)
	Settle(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error)
}

// Verifier is the verify half of a PaymentProcessor.
type Verifier interface {
	Verify(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.VerifyResponse, error)
}

// Settler is the settle half of a PaymentProcessor.
type Settler interface {
	Settle(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error)
}

type local struct {
	Verifier
	Settler
}

// Local combines an in-process verifier and settler.
func Local(v Verifier, s Settler) PaymentProcessor {
	return local{Verifier: v, Settler: s}
}

// Rejection is a response the middleware must send instead of the resource.
type Rejection struct {
	Status int
	Body   x402.PaymentRequired
}

// Admission is a verified payment for a resource, ready to settle once the
// handler has produced its response.
type Admission struct {
	Requirements x402.PaymentRequirements
	Payload      x402.PaymentPayload
	Payer        string
}

// Gate holds the framework-independent part of the resource middleware.
type Gate struct {
	issuer    *x402.RequirementIssuer
	processor PaymentProcessor
	logger    *zap.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(logger *zap.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a gate that prices resources with issuer and checks payments with processor.
func NewGate(issuer *x402.RequirementIssuer, processor PaymentProcessor, opts ...GateOption) *Gate {
	g := &Gate{issuer: issuer, processor: processor, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit checks the payment header for a resource. Exactly one of the results
// is meaningful: an Admission, a Rejection, or an error for facilitator faults.
// A resource the issuer does not know is served without payment.
func (g *Gate) Admit(ctx context.Context, resource, header string) (*Admission, *Rejection, error) {
	requirements, ok := g.issuer.Issue(resource)
	if !ok {
		return nil, nil, nil
	}

	if header == "" {
		return nil, g.reject(requirements, "X-PAYMENT header is required"), nil
	}
	payload, err := ValidateAndDecodePaymentHeader(header)
	if err != nil {
		return nil, g.reject(requirements, x402.CodeOf(err)), nil
	}

	verdict, err := g.processor.Verify(ctx, requirements, payload)
	if err != nil {
		return nil, nil, err
	}
	if !verdict.IsValid {
		g.logger.Debug("payment rejected",
			zap.String("resource", resource),
			zap.String("reason", verdict.InvalidReason))
		return nil, g.reject(requirements, verdict.InvalidReason), nil
	}
	return &Admission{Requirements: requirements, Payload: payload, Payer: verdict.Payer}, nil, nil
}

// Settle settles an admitted payment and returns the X-PAYMENT-RESPONSE value.
// A payment that did not settle yields a Rejection.
func (g *Gate) Settle(ctx context.Context, adm *Admission) (string, *Rejection, error) {
	resp, err := g.processor.Settle(ctx, adm.Requirements, adm.Payload)
	if err != nil {
		return "", nil, err
	}
	if !resp.Success {
		g.logger.Warn("payment did not settle",
			zap.String("resource", adm.Requirements.Resource),
			zap.String("status", string(resp.Status)),
			zap.String("reason", resp.ErrorReason))
		reason := resp.ErrorReason
		if reason == "" {
			reason = string(resp.Status)
		}
		return "", g.reject(adm.Requirements, reason), nil
	}
	header, err := EncodePaymentResponse(resp)
	if err != nil {
		return "", nil, err
	}
	return header, nil, nil
}

func (g *Gate) reject(requirements x402.PaymentRequirements, reason string) *Rejection {
	return &Rejection{
		Status: http.StatusPaymentRequired,
		Body: x402.PaymentRequired{
			X402Version: x402.X402Version,
			Error:       reason,
			Accepts:     []x402.PaymentRequirements{requirements},
		},
	}
}
