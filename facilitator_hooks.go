package x402

import (
	"context"
	"time"
)

// ============================================================================
// Facilitator Hook Context Types
// ============================================================================

// FacilitatorVerifyContext contains information passed to facilitator verify hooks
type FacilitatorVerifyContext struct {
	Ctx                 context.Context
	PaymentPayload      PaymentPayload
	PaymentRequirements PaymentRequirements
	Timestamp           time.Time
}

// FacilitatorVerifyResultContext contains facilitator verify operation result and context
type FacilitatorVerifyResultContext struct {
	FacilitatorVerifyContext
	Result   VerifyResponse
	Duration time.Duration
}

// FacilitatorVerifyFailureContext contains facilitator verify operation failure and context
type FacilitatorVerifyFailureContext struct {
	FacilitatorVerifyContext
	Error    error
	Duration time.Duration
}

// FacilitatorSettleContext contains information passed to facilitator settle hooks
type FacilitatorSettleContext struct {
	Ctx                 context.Context
	PaymentPayload      PaymentPayload
	PaymentRequirements PaymentRequirements
	SettlementKey       string
	Timestamp           time.Time
}

// FacilitatorSettleResultContext contains facilitator settle operation result and context
type FacilitatorSettleResultContext struct {
	FacilitatorSettleContext
	Result   SettleResponse
	Duration time.Duration
}

// FacilitatorSettleFailureContext contains facilitator settle operation failure and context
type FacilitatorSettleFailureContext struct {
	FacilitatorSettleContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Facilitator Hook Result Types
// ============================================================================

// FacilitatorBeforeHookResult represents the result of a facilitator "before" hook
// If Abort is true, the operation will be aborted with the given Reason
type FacilitatorBeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Facilitator Hook Function Types
// ============================================================================

// FacilitatorBeforeVerifyHook runs before verification; it may abort with a reason.
type FacilitatorBeforeVerifyHook func(FacilitatorVerifyContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterVerifyHook observes every completed verification, valid or not.
type FacilitatorAfterVerifyHook func(FacilitatorVerifyResultContext) error

// FacilitatorOnVerifyFailureHook observes infrastructure failures during verification.
type FacilitatorOnVerifyFailureHook func(FacilitatorVerifyFailureContext)

// FacilitatorBeforeSettleHook runs before settlement; it may abort with a reason.
type FacilitatorBeforeSettleHook func(FacilitatorSettleContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterSettleHook observes every completed settlement.
type FacilitatorAfterSettleHook func(FacilitatorSettleResultContext) error

// FacilitatorOnSettleFailureHook observes infrastructure failures during settlement.
type FacilitatorOnSettleFailureHook func(FacilitatorSettleFailureContext)
