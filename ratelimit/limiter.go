// Package ratelimit applies per-caller token buckets in front of the
// facilitator's endpoints.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Tier names a bucket class. Verification is limited more strictly than the
// rest of the surface because every call may reach the ledger.
type Tier string

const (
	TierVerify  Tier = "verify"
	TierDefault Tier = "default"
)

// DefaultIdleTimeout is how long an unused bucket is kept.
const DefaultIdleTimeout = 10 * time.Minute

// Limit is the refill rate and burst size of one tier.
type Limit struct {
	RPS   float64
	Burst int
}

// Config holds the per-tier limits.
type Config struct {
	Verify  Limit
	Default Limit
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		Verify:      Limit{RPS: 5, Burst: 10},
		Default:     Limit{RPS: 20, Burst: 40},
		IdleTimeout: DefaultIdleTimeout,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one bucket per (tier, caller).
type Limiter struct {
	mu      sync.Mutex
	limits  map[Tier]Limit
	buckets map[string]*bucket
	idle    time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a limiter. Tiers with a non-positive rate are unlimited.
func New(cfg Config, opts ...Option) *Limiter {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	l := &Limiter{
		limits:  map[Tier]Limit{TierVerify: cfg.Verify, TierDefault: cfg.Default},
		buckets: make(map[string]*bucket),
		idle:    idle,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes one token from the caller's bucket for tier. When the bucket is
// empty it returns false and the wait until the next token.
func (l *Limiter) Allow(tier Tier, key string) (bool, time.Duration) {
	limit, ok := l.limits[tier]
	if !ok {
		limit = l.limits[TierDefault]
	}
	if limit.RPS <= 0 {
		return true, 0
	}

	now := l.now()
	l.mu.Lock()
	id := string(tier) + "|" + key
	b, ok := l.buckets[id]
	if !ok {
		burst := limit.Burst
		if burst < 1 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(limit.RPS), burst)}
		l.buckets[id] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Evict drops buckets unused for longer than the idle timeout.
func (l *Limiter) Evict() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			n++
		}
	}
	return n
}

// Run evicts idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Evict(); n > 0 {
				l.logger.Debug("evicted idle rate buckets", zap.Int("count", n))
			}
		}
	}
}

func (l *Limiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
