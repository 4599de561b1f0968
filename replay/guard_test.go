package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	fail bool
	*MemoryStore
}

func (f *failingStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.fail {
		return false, errors.New("connection refused")
	}
	return f.MemoryStore.SetIfAbsent(ctx, key, ttl)
}

func (f *failingStore) Exists(ctx context.Context, key string) (bool, error) {
	if f.fail {
		return false, errors.New("connection refused")
	}
	return f.MemoryStore.Exists(ctx, key)
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	if f.fail {
		return errors.New("connection refused")
	}
	return f.MemoryStore.Delete(ctx, key)
}

func TestGuard_NonceReuseIsRejected(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryStore())

	ok, err := g.TryConsume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// one second later, same nonce
	ok, err = g.TryConsume(ctx, "abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuard_StoreErrorWithoutFallback(t *testing.T) {
	g := NewGuard(&failingStore{fail: true, MemoryStore: NewMemoryStore()})

	_, err := g.TryConsume(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	assert.False(t, g.Degraded())
}

func TestGuard_DegradedFallback(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{fail: true, MemoryStore: NewMemoryStore()}
	g := NewGuard(store, WithLocalFallback(true))

	ok, err := g.TryConsume(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, g.Degraded())

	ok, err = g.TryConsume(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fallback must still reject reuse")

	// shared store recovers; the key consumed while degraded stays consumed here
	store.fail = false
	ok, err = g.TryConsume(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, g.Degraded())
}

func TestGuard_CancelledContextDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGuard(&failingStore{fail: true, MemoryStore: NewMemoryStore()}, WithLocalFallback(true))

	_, err := g.TryConsume(ctx, "k", time.Minute)
	assert.Error(t, err)
}

func TestGuard_Release(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryStore())

	_, _ = g.TryConsume(ctx, "k", time.Minute)
	require.NoError(t, g.Release(ctx, "k"))

	ok, err := g.TryConsume(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_Seen(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	g := NewGuard(store, WithLocalFallback(true))

	seen, err := g.Seen(ctx, "k")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = g.TryConsume(ctx, "k", time.Minute)
	require.NoError(t, err)
	seen, err = g.Seen(ctx, "k")
	require.NoError(t, err)
	assert.True(t, seen)

	// checking does not consume
	ok, err := g.TryConsume(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("store down answers from the local set", func(t *testing.T) {
		store.fail = true
		defer func() { store.fail = false }()

		seen, err := g.Seen(ctx, "k")
		require.NoError(t, err)
		assert.False(t, seen, "shared keys are unknown while degraded")
		assert.True(t, g.Degraded())

		_, err = g.TryConsume(ctx, "local", time.Minute)
		require.NoError(t, err)
		seen, err = g.Seen(ctx, "local")
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("store down without fallback", func(t *testing.T) {
		strict := NewGuard(&failingStore{fail: true, MemoryStore: NewMemoryStore()})
		_, err := strict.Seen(ctx, "k")
		assert.Error(t, err)
	})
}
