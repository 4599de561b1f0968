package replay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Blessedbiello/402pay-sub000/metrics"
)

// Guard consumes keys in a shared Store.
//
// DEGRADED MODE: when fallback is enabled and the shared store errors, keys are
// checked against an in-process set instead. That set is not shared between
// instances and is lost on restart, so a key consumed elsewhere (or before a
// restart) can be accepted again while degraded. Every fallback answer is
// logged and counted.
type Guard struct {
	store         Store
	local         *MemoryStore
	allowFallback bool
	logger        *zap.Logger
	degraded      atomic.Bool
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLocalFallback enables degraded-mode answers from a local set.
func WithLocalFallback(enabled bool) GuardOption {
	return func(g *Guard) {
		g.allowFallback = enabled
	}
}

// WithLogger sets the guard's logger.
func WithLogger(logger *zap.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a guard over a shared store.
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		local:  NewMemoryStore(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryConsume implements x402.ReplayGuard
func (g *Guard) TryConsume(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fresh, err := g.store.SetIfAbsent(ctx, key, ttl)
	if err == nil {
		if g.degraded.Swap(false) {
			g.logger.Info("replay store recovered")
		}
		// keys consumed while degraded exist only locally
		if fresh {
			if seen, _ := g.local.Exists(ctx, key); seen {
				fresh = false
			}
		}
		if !fresh {
			metrics.ReplayRejectionsTotal.Inc()
		}
		return fresh, nil
	}

	if ctx.Err() != nil || !g.allowFallback {
		return false, fmt.Errorf("replay: consume key: %w", err)
	}

	g.degraded.Store(true)
	metrics.ReplayFallbackTotal.Inc()
	g.logger.Warn("replay store unreachable, answering from local fallback (degraded mode)",
		zap.Error(err))

	fresh, _ = g.local.SetIfAbsent(ctx, key, ttl)
	if !fresh {
		metrics.ReplayRejectionsTotal.Inc()
	}
	return fresh, nil
}

// Seen implements x402.ReplayGuard
func (g *Guard) Seen(ctx context.Context, key string) (bool, error) {
	if held, _ := g.local.Exists(ctx, key); held {
		return true, nil
	}
	held, err := g.store.Exists(ctx, key)
	if err == nil {
		return held, nil
	}
	if ctx.Err() != nil || !g.allowFallback {
		return false, fmt.Errorf("replay: check key: %w", err)
	}
	g.degraded.Store(true)
	metrics.ReplayFallbackTotal.Inc()
	g.logger.Warn("replay store unreachable, answering from local fallback (degraded mode)",
		zap.Error(err))
	return false, nil
}

// Release implements x402.ReplayGuard
func (g *Guard) Release(ctx context.Context, key string) error {
	_ = g.local.Delete(ctx, key)
	if err := g.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("replay: release key: %w", err)
	}
	return nil
}

// Degraded reports whether the last shared-store call failed over to the local set.
func (g *Guard) Degraded() bool {
	return g.degraded.Load()
}
