// Package replay guards single-use keys (challenge nonces, ledger references)
// against reuse. Every backend implements set-if-absent as one atomic
// operation; there is no separate exists-then-set path.
package replay

import (
	"context"
	"time"
)

// Store is a TTL-bounded set of consumed keys.
type Store interface {
	// SetIfAbsent records key for ttl and reports true, or reports false if
	// key is already present and unexpired. The check and the write are atomic.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}
