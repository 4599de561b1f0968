package replay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "x402:replay:"), mr
}

func TestRedisStore_SetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	ok, err := s.SetIfAbsent(ctx, "nonce-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, "nonce-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("x402:replay:nonce-1"))
	assert.Equal(t, time.Minute, mr.TTL("x402:replay:nonce-1"))
}

func TestRedisStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	ok, err := s.SetIfAbsent(ctx, "k", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = s.SetIfAbsent(ctx, "k", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)

	_, err := s.SetIfAbsent(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))

	ok, err := s.SetIfAbsent(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_Unreachable(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	mr.Close()

	_, err := s.SetIfAbsent(ctx, "k", time.Minute)
	assert.Error(t, err)
}
