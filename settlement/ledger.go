// Package settlement executes verified payments exactly once. Each payment is
// identified by a settlement key derived from its ledger reference; a durable
// record per key makes repeated settle calls return the original outcome.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/metrics"
)

// Verifier verifies payments and resolves their ledger adapters.
// *x402.X402Facilitator satisfies it.
type Verifier interface {
	x402.AdapterResolver
	VerifyWithConfirmation(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.VerifyResponse, *x402.Confirmation, error)
}

// Ledger settles payments idempotently.
type Ledger struct {
	verifier       Verifier
	replay         x402.ReplayGuard
	records        RecordStore
	replayTTL      time.Duration
	pendingTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
	inflight       *inflight

	mu                   sync.RWMutex
	beforeSettleHooks    []x402.FacilitatorBeforeSettleHook
	afterSettleHooks     []x402.FacilitatorAfterSettleHook
	onSettleFailureHooks []x402.FacilitatorOnSettleFailureHook
}

// NewLedger creates a settlement ledger. replay consumes settlement keys and
// must be shared by every instance that settles against the same ledger.
func NewLedger(verifier Verifier, replay x402.ReplayGuard, opts ...Option) *Ledger {
	l := &Ledger{
		verifier:       verifier,
		replay:         replay,
		replayTTL:      DefaultRecordTTL,
		pendingTimeout: DefaultPendingTimeout,
		logger:         zap.NewNop(),
		now:            time.Now,
		inflight:       newInflight(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.records == nil {
		l.records = NewMemoryStore(l.replayTTL)
	}
	return l
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (l *Ledger) OnBeforeSettle(hook x402.FacilitatorBeforeSettleHook) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beforeSettleHooks = append(l.beforeSettleHooks, hook)
	return l
}

func (l *Ledger) OnAfterSettle(hook x402.FacilitatorAfterSettleHook) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.afterSettleHooks = append(l.afterSettleHooks, hook)
	return l
}

func (l *Ledger) OnSettleFailure(hook x402.FacilitatorOnSettleFailureHook) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSettleFailureHooks = append(l.onSettleFailureHooks, hook)
	return l
}

// ============================================================================
// Keys
// ============================================================================

// Key derives the settlement key of a payload. Direct payments are keyed by
// their transaction signature, delegated ones by a digest of the signed
// transaction bytes.
func Key(payload x402.PaymentPayload) (string, error) {
	switch payload.Payload.Kind() {
	case x402.ProofDirect:
		sig := strings.TrimSpace(payload.Payload.Signature())
		if sig == "" {
			return "", fmt.Errorf("empty signature")
		}
		return "direct:" + sig, nil
	case x402.ProofDelegated:
		tx := strings.TrimSpace(payload.Payload.UnsignedTransaction())
		if tx == "" {
			return "", fmt.Errorf("empty transaction")
		}
		sum := sha256.Sum256([]byte(tx))
		return "delegated:" + hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("payload carries no proof")
	}
}

// Fingerprint identifies the parts of a requirement a payment is bound to.
func Fingerprint(requirements x402.PaymentRequirements) string {
	h := sha256.New()
	for _, field := range []string{
		requirements.Scheme,
		string(requirements.Network),
		requirements.PayTo,
		requirements.Asset,
		requirements.MaxAmountRequired,
		requirements.Resource,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ============================================================================
// Settle
// ============================================================================

// Settle verifies and executes a payment. It is idempotent per settlement key:
//   - a settled key returns Status already_settled with the original reference
//   - a key settled against a different requirement is replay_detected
//   - a key whose earlier outcome is unknown is resolved against the ledger
//
// Rejections are returned as an unsuccessful SettleResponse with a nil error;
// the error is reserved for infrastructure faults.
func (l *Ledger) Settle(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error) {
	path := payload.Payload.Kind().String()
	start := l.now()

	key, err := Key(payload)
	if err != nil {
		resp := failed(x402.ErrMalformedPayload, err.Error(), payload.Network)
		metrics.SettlementsTotal.WithLabelValues(path, string(resp.Status)).Inc()
		return resp, nil
	}

	l.mu.RLock()
	before := l.beforeSettleHooks
	after := l.afterSettleHooks
	onFailure := l.onSettleFailureHooks
	l.mu.RUnlock()

	hookCtx := x402.FacilitatorSettleContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		SettlementKey:       key,
		Timestamp:           start,
	}
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return x402.SettleResponse{}, err
		}
		if result != nil && result.Abort {
			return failed(result.Reason, "settlement aborted", payload.Network), nil
		}
	}

	resp, err := l.settle(ctx, key, requirements, payload)
	duration := l.now().Sub(start)
	metrics.SettlementDuration.WithLabelValues(path).Observe(duration.Seconds())

	if err != nil {
		l.logger.Error("settle failed",
			zap.String("key", key),
			zap.String("network", string(payload.Network)),
			zap.Error(err))
		for _, hook := range onFailure {
			hook(x402.FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Error: err, Duration: duration})
		}
		return x402.SettleResponse{}, err
	}

	metrics.SettlementsTotal.WithLabelValues(path, string(resp.Status)).Inc()
	for _, hook := range after {
		if hookErr := hook(x402.FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: resp, Duration: duration}); hookErr != nil {
			l.logger.Warn("after-settle hook failed", zap.Error(hookErr))
		}
	}
	return resp, nil
}

func (l *Ledger) settle(ctx context.Context, key string, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error) {
	for {
		done, owner := l.inflight.begin(key)
		if owner {
			defer l.inflight.finish(key, done)
			break
		}
		if err := l.inflight.wait(ctx, done); err != nil {
			return x402.SettleResponse{}, err
		}
	}

	fingerprint := Fingerprint(requirements)

	rec, err := l.records.Get(ctx, key)
	switch {
	case errors.Is(err, ErrRecordNotFound):
	case err != nil:
		return x402.SettleResponse{}, err
	case rec.Fingerprint != fingerprint:
		return failed(x402.ErrReplayDetected, "payment already used for a different requirement", payload.Network), nil
	case rec.Status == StatusSettled:
		return x402.SettleResponse{
			Success:     true,
			Status:      x402.SettleStatusAlreadySettled,
			Payer:       rec.Payer,
			Transaction: rec.Reference,
			Network:     payload.Network,
		}, nil
	default:
		return l.resolve(ctx, rec, requirements, payload)
	}
	return l.execute(ctx, key, fingerprint, requirements, payload)
}

// execute runs a key with no live record: verify, consume, record pending,
// then submit. The caller owns the key's in-flight slot.
func (l *Ledger) execute(ctx context.Context, key, fingerprint string, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error) {
	verdict, confirmed, err := l.verifier.VerifyWithConfirmation(ctx, requirements, payload)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !verdict.IsValid {
		resp := failed(verdict.InvalidReason, verdict.InvalidMessage, payload.Network)
		resp.Payer = verdict.Payer
		return resp, nil
	}

	adapter, ok := l.verifier.Adapter(payload.Network, payload.Payload.Kind())
	if !ok {
		return failed(x402.ErrMalformedPayload, "no adapter for network", payload.Network), nil
	}

	replayKey := "settle:" + key
	fresh, err := l.replay.TryConsume(ctx, replayKey, l.replayTTL)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !fresh {
		return failed(x402.ErrReplayDetected, "payment already consumed", payload.Network), nil
	}

	err = l.records.PutPending(ctx, Record{
		Key:         key,
		Fingerprint: fingerprint,
		Network:     string(payload.Network),
		Path:        payload.Payload.Kind().String(),
	})
	if errors.Is(err, ErrRecordExists) {
		return failed(x402.ErrReplayDetected, "payment already consumed", payload.Network), nil
	}
	if err != nil {
		l.release(ctx, replayKey)
		return x402.SettleResponse{}, err
	}

	executed, err := adapter.Execute(ctx, key, requirements, payload, confirmed)
	if err != nil {
		return l.executeFailed(ctx, key, payload, err), nil
	}

	payer := executed.Sender
	if payer == "" {
		payer = verdict.Payer
	}
	l.markSettled(ctx, key, executed, payer)
	return x402.SettleResponse{
		Success:     true,
		Status:      x402.SettleStatusExecuted,
		Payer:       payer,
		Transaction: executed.Reference,
		Network:     payload.Network,
	}, nil
}

// resolve settles a key whose earlier attempt ended without a recorded outcome.
// A transfer the ledger still does not know once the pending timeout has passed
// can no longer land, so the record is dropped and the payment runs again.
func (l *Ledger) resolve(ctx context.Context, rec *Record, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error) {
	key := rec.Key
	adapter, ok := l.verifier.Adapter(payload.Network, payload.Payload.Kind())
	if !ok {
		return failed(x402.ErrMalformedPayload, "no adapter for network", payload.Network), nil
	}

	conf, err := adapter.Lookup(ctx, key, requirements, payload)
	if err != nil {
		switch x402.CodeOf(err) {
		case x402.ErrLedgerExecutionFailed, x402.ErrRecipientMismatch, x402.ErrMalformedPayload:
			l.discard(ctx, key)
			return failed(x402.CodeOf(err), err.Error(), payload.Network), nil
		case x402.ErrLedgerNotFound:
			if age := l.now().Sub(rec.CreatedAt); age > l.pendingTimeout {
				l.logger.Info("pending settlement never reached the ledger, running it again",
					zap.String("key", key),
					zap.Duration("age", age))
				l.discard(ctx, key)
				return l.execute(ctx, key, rec.Fingerprint, requirements, payload)
			}
		}
		l.logger.Warn("settlement outcome still unknown", zap.String("key", key), zap.Error(err))
		return unknown(payload.Network, ""), nil
	}

	l.markSettled(ctx, key, conf, conf.Sender)
	return x402.SettleResponse{
		Success:     true,
		Status:      x402.SettleStatusExecuted,
		Payer:       conf.Sender,
		Transaction: conf.Reference,
		Network:     payload.Network,
	}, nil
}

func (l *Ledger) executeFailed(ctx context.Context, key string, payload x402.PaymentPayload, err error) x402.SettleResponse {
	var pe *x402.PaymentError
	if !errors.As(err, &pe) || pe.Code == x402.ErrSettlementUnknown || pe.Code == x402.ErrInternal {
		// The transfer may have reached the ledger; keep the pending record so
		// a retry resolves it through Lookup.
		l.logger.Warn("settlement outcome unknown", zap.String("key", key), zap.Error(err))
		var reference string
		if pe != nil {
			if ref, ok := pe.Details["reference"].(string); ok {
				reference = ref
			}
		}
		return unknown(payload.Network, reference)
	}

	l.logger.Info("settlement rejected",
		zap.String("key", key),
		zap.String("reason", pe.Code))
	l.discard(ctx, key)
	return failed(pe.Code, pe.Message, payload.Network)
}

// discard forgets a key that definitively did not settle, so the client may retry.
func (l *Ledger) discard(ctx context.Context, key string) {
	if err := l.records.Delete(ctx, key); err != nil {
		l.logger.Error("failed to delete settlement record", zap.String("key", key), zap.Error(err))
	}
	l.release(ctx, "settle:"+key)
}

func (l *Ledger) release(ctx context.Context, replayKey string) {
	if err := l.replay.Release(ctx, replayKey); err != nil {
		l.logger.Error("failed to release replay key", zap.String("key", replayKey), zap.Error(err))
	}
}

func (l *Ledger) markSettled(ctx context.Context, key string, conf *x402.Confirmation, payer string) {
	if err := l.records.MarkSettled(ctx, key, conf.Reference, payer, conf.SettledAt); err != nil {
		// The transfer is on the ledger. The replay key still blocks reuse, and a
		// retry resolves the pending record through Lookup.
		l.logger.Error("CRITICAL: settled payment not recorded",
			zap.String("key", key),
			zap.String("reference", conf.Reference),
			zap.Error(err))
	}
}

func failed(code, message string, network x402.Network) x402.SettleResponse {
	return x402.SettleResponse{
		Success:      false,
		Status:       x402.SettleStatusFailed,
		ErrorReason:  code,
		ErrorMessage: message,
		Network:      network,
	}
}

func unknown(network x402.Network, reference string) x402.SettleResponse {
	return x402.SettleResponse{
		Success:      false,
		Status:       x402.SettleStatusUnknown,
		ErrorReason:  x402.ErrSettlementUnknown,
		ErrorMessage: "settlement outcome unknown, retry to resolve",
		Transaction:  reference,
		Network:      network,
	}
}
