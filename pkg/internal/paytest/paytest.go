// Package paytest holds fixtures shared by the middleware tests.
package paytest

import (
	"context"
	"sync"
	"testing"

	x402 "github.com/Blessedbiello/402pay-sub000"
	x402http "github.com/Blessedbiello/402pay-sub000/http"
)

// Processor is a scripted PaymentProcessor.
type Processor struct {
	mu      sync.Mutex
	Verdict x402.VerifyResponse
	Result  x402.SettleResponse
	settled int
}

// Verify implements x402http.PaymentProcessor
func (p *Processor) Verify(context.Context, x402.PaymentRequirements, x402.PaymentPayload) (x402.VerifyResponse, error) {
	return p.Verdict, nil
}

// Settle implements x402http.PaymentProcessor
func (p *Processor) Settle(context.Context, x402.PaymentRequirements, x402.PaymentPayload) (x402.SettleResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled++
	return p.Result, nil
}

// Settled returns how many times Settle ran.
func (p *Processor) Settled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// Gate returns a gate pricing resource at 1000 units on mock:1.
func Gate(t *testing.T, resource string, p *Processor) *x402http.Gate {
	t.Helper()
	issuer := x402.NewRequirementIssuer(nil)
	if err := issuer.Register(resource, x402.RouteConfig{
		Price:    "0.001",
		Decimals: 6,
		Network:  "mock:1",
		PayTo:    "merchant",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return x402http.NewGate(issuer, p)
}

// Header returns a well-formed X-PAYMENT value.
func Header(t *testing.T) string {
	t.Helper()
	h, err := x402http.EncodePaymentHeader(x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     "mock:1",
		Payload:     x402.DirectProof("sig-1"),
		To:          "merchant",
		Amount:      "1000",
	})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	return h
}
