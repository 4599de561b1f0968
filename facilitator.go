package x402

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// X402Facilitator routes payments to ledger adapters by network and proof
// variant, and runs verification with lifecycle hooks.
type X402Facilitator struct {
	mu sync.RWMutex

	adapters map[Network]map[ProofKind]LedgerAdapter
	verifier *Verifier
	logger   *zap.Logger

	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
}

// FacilitatorOption configures an X402Facilitator.
type FacilitatorOption func(*X402Facilitator)

// WithLogger sets the facilitator's logger.
func WithLogger(logger *zap.Logger) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.logger = logger
	}
}

// WithVerifierOptions passes options through to the facilitator's verifier.
func WithVerifierOptions(opts ...VerifierOption) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.verifier = NewVerifier(f, opts...)
	}
}

// NewX402Facilitator creates a facilitator with no registered networks.
func NewX402Facilitator(opts ...FacilitatorOption) *X402Facilitator {
	f := &X402Facilitator{
		adapters: make(map[Network]map[ProofKind]LedgerAdapter),
		logger:   zap.NewNop(),
	}
	f.verifier = NewVerifier(f)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds an adapter for a network. Registering a second adapter of the
// same kind for a network replaces the first.
func (f *X402Facilitator) Register(network Network, adapter LedgerAdapter) error {
	if _, _, err := network.Parse(); err != nil {
		return NewConfigurationError("network", err.Error())
	}
	if adapter == nil || adapter.Kind() == ProofUnknown {
		return NewConfigurationError("adapter", "adapter must declare a proof kind")
	}
	if !network.Match(Network(adapter.CaipFamily())) {
		return NewConfigurationError("network", "network "+string(network)+" is outside adapter family "+adapter.CaipFamily())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.adapters[network] == nil {
		f.adapters[network] = make(map[ProofKind]LedgerAdapter)
	}
	f.adapters[network][adapter.Kind()] = adapter
	return nil
}

// Adapter implements AdapterResolver
func (f *X402Facilitator) Adapter(network Network, kind ProofKind) (LedgerAdapter, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if byKind, ok := f.adapters[network]; ok {
		a, ok := byKind[kind]
		return a, ok
	}
	return nil, false
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *X402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods
// ============================================================================

// Verify checks a payment without side effects. It is safe to call repeatedly.
func (f *X402Facilitator) Verify(ctx context.Context, requirements PaymentRequirements, payload PaymentPayload) (VerifyResponse, error) {
	resp, _, err := f.VerifyWithConfirmation(ctx, requirements, payload)
	return resp, err
}

// VerifyWithConfirmation is Verify that also returns the ledger confirmation of
// a valid payment, for callers that go on to settle it.
func (f *X402Facilitator) VerifyWithConfirmation(ctx context.Context, requirements PaymentRequirements, payload PaymentPayload) (VerifyResponse, *Confirmation, error) {
	f.mu.RLock()
	before := f.beforeVerifyHooks
	after := f.afterVerifyHooks
	onFailure := f.onVerifyFailureHooks
	f.mu.RUnlock()

	hookCtx := FacilitatorVerifyContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           time.Now(),
	}

	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{}, nil, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil, nil
		}
	}

	start := time.Now()
	resp, conf, err := f.verifier.Verify(ctx, requirements, payload)
	duration := time.Since(start)

	if err != nil {
		f.logger.Error("verify failed",
			zap.String("network", string(payload.Network)),
			zap.Stringer("path", payload.Payload.Kind()),
			zap.Error(err))
		for _, hook := range onFailure {
			hook(FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: err, Duration: duration})
		}
		return VerifyResponse{}, nil, err
	}

	if !resp.IsValid {
		f.logger.Info("payment rejected",
			zap.String("network", string(payload.Network)),
			zap.String("reason", resp.InvalidReason))
	}

	for _, hook := range after {
		if hookErr := hook(FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: resp, Duration: duration}); hookErr != nil {
			f.logger.Warn("after-verify hook failed", zap.Error(hookErr))
		}
	}
	return resp, conf, nil
}

// GetSupported lists every registered scheme/network pair. Extras from all
// adapters on a network are merged, so a delegated path contributes its feePayer.
func (f *X402Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	networks := make([]string, 0, len(f.adapters))
	for network := range f.adapters {
		networks = append(networks, string(network))
	}
	sort.Strings(networks)

	kinds := make([]SupportedKind, 0, len(networks))
	for _, n := range networks {
		network := Network(n)
		var extra map[string]interface{}
		for _, kind := range []ProofKind{ProofDirect, ProofDelegated} {
			adapter, ok := f.adapters[network][kind]
			if !ok {
				continue
			}
			for k, v := range adapter.GetExtra(network) {
				if extra == nil {
					extra = make(map[string]interface{})
				}
				extra[k] = v
			}
		}
		kinds = append(kinds, SupportedKind{
			X402Version: X402Version,
			Scheme:      SchemeExact,
			Network:     network,
			Extra:       extra,
		})
	}
	return SupportedResponse{Kinds: kinds}
}
