package settlement

import (
	"time"

	"go.uber.org/zap"
)

// DefaultRecordTTL covers the dispute window during which a client may still
// retry a settlement.
const DefaultRecordTTL = 7 * 24 * time.Hour

// DefaultPendingTimeout is past the validity window of a Solana blockhash, so a
// transaction still unknown after it was never going to land.
const DefaultPendingTimeout = 3 * time.Minute

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore sets the record store.
//
// Default: MemoryStore with DefaultRecordTTL
func WithStore(store RecordStore) Option {
	return func(l *Ledger) {
		l.records = store
	}
}

// WithReplayTTL sets how long a consumed settlement key stays consumed in the
// replay guard. It should not be shorter than the record TTL.
//
// Default: DefaultRecordTTL
func WithReplayTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		l.replayTTL = ttl
	}
}

// WithPendingTimeout sets how long a pending settlement the ledger has never
// seen is kept before the payment may run again. It must exceed the validity
// window of the ledger's transactions.
//
// Default: DefaultPendingTimeout
func WithPendingTimeout(timeout time.Duration) Option {
	return func(l *Ledger) {
		l.pendingTimeout = timeout
	}
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock overrides the time source used for hook timestamps and pending
// record age.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}
