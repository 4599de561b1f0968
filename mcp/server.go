// Package mcp exposes read-only facilitator operations as MCP tools, so agents
// can discover payment kinds, check a payment before sending it, and follow
// an escrow.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/auth"
	"github.com/Blessedbiello/402pay-sub000/escrow"
)

// Tool names.
const (
	ToolSupported = "x402_supported"
	ToolVerify    = "x402_verify"
	ToolEscrowGet = "escrow_get"
)

// Facilitator is the verification surface the tools call.
type Facilitator interface {
	Verify(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.VerifyResponse, error)
	GetSupported() x402.SupportedResponse
}

// Escrows looks up escrows.
type Escrows interface {
	Get(ctx context.Context, id string) (escrow.View, error)
	GetByJob(ctx context.Context, jobID string) (escrow.View, error)
}

type verifyArgs struct {
	PaymentPayload      json.RawMessage          `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

type escrowArgs struct {
	ID    string `json:"id"`
	JobID string `json:"jobId"`
}

type tools struct {
	facilitator Facilitator
	escrows     Escrows
	logger      *zap.Logger
}

// NewServer creates an MCP server with the facilitator tools. escrows may be
// nil, in which case escrow_get is not registered.
func NewServer(facilitator Facilitator, escrows Escrows, logger *zap.Logger) *mcpsdk.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &tools{facilitator: facilitator, escrows: escrows, logger: logger}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "x402-facilitator",
		Version: "1.0.0",
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolSupported,
		Description: "List the payment schemes and networks this facilitator accepts.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}, t.supported)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolVerify,
		Description: "Check a payment payload against a requirement without settling it.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"paymentPayload": {"type": "object"},
				"paymentRequirements": {"type": "object"}
			},
			"required": ["paymentPayload", "paymentRequirements"]
		}`),
	}, t.verify)

	if escrows != nil {
		server.AddTool(&mcpsdk.Tool{
			Name:        ToolEscrowGet,
			Description: "Get an escrow by id or by job id.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"jobId": {"type": "string"}
				}
			}`),
		}, t.escrowGet)
	}
	return server
}

// Handler serves over SSE. Sessions opened by an admin are served by admin;
// every other session gets public, which should not carry escrow_get.
func Handler(public, admin *mcpsdk.Server) http.Handler {
	return mcpsdk.NewSSEHandler(serverFor(public, admin), &mcpsdk.SSEOptions{})
}

func serverFor(public, admin *mcpsdk.Server) func(*http.Request) *mcpsdk.Server {
	return func(r *http.Request) *mcpsdk.Server {
		if id, ok := auth.IdentityFromContext(r.Context()); ok && id.Role == auth.RoleAdmin {
			return admin
		}
		return public
	}
}

func (t *tools) supported(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return jsonResult(t.facilitator.GetSupported())
}

func (t *tools) verify(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args verifyArgs
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult(x402.ErrMalformedPayload, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	payload, err := x402.DecodePaymentPayload(args.PaymentPayload)
	if err != nil {
		return jsonResult(x402.VerifyResponse{
			IsValid:        false,
			InvalidReason:  x402.CodeOf(err),
			InvalidMessage: err.Error(),
		})
	}

	resp, err := t.facilitator.Verify(ctx, args.PaymentRequirements, payload)
	if err != nil {
		t.logger.Error("mcp verify failed", zap.Error(err))
		return errorResult(x402.ErrInternal, "verification failed"), nil
	}
	return jsonResult(resp)
}

func (t *tools) escrowGet(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args escrowArgs
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(x402.ErrMalformedPayload, fmt.Sprintf("invalid arguments: %v", err)), nil
		}
	}

	var (
		view escrow.View
		err  error
	)
	switch {
	case args.ID != "":
		view, err = t.escrows.Get(ctx, args.ID)
	case args.JobID != "":
		view, err = t.escrows.GetByJob(ctx, args.JobID)
	default:
		return errorResult(x402.ErrMalformedPayload, "id or jobId is required"), nil
	}
	if err != nil {
		code := x402.CodeOf(err)
		if code == x402.ErrInternal {
			t.logger.Error("mcp escrow lookup failed", zap.Error(err))
			return errorResult(code, "escrow lookup failed"), nil
		}
		return errorResult(code, err.Error()), nil
	}
	return jsonResult(view)
}

func jsonResult(v interface{}) (*mcpsdk.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	var structured map[string]interface{}
	if err := json.Unmarshal(b, &structured); err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}},
		StructuredContent: structured,
	}, nil
}

func errorResult(code, message string) *mcpsdk.CallToolResult {
	b, _ := json.Marshal(map[string]string{"error": code, "message": message})
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}},
		IsError: true,
	}
}
