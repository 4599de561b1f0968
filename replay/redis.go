package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps consumed keys in Redis using SET NX PX, so a key is claimed
// and given its expiry in a single command.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL parses a redis:// URL and creates a store.
func NewRedisStoreFromURL(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("replay: parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), prefix), nil
}

// SetIfAbsent implements Store
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay: redis setnx: %w", err)
	}
	return ok, nil
}

// Exists implements Store
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("replay: redis exists: %w", err)
	}
	return n > 0, nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("replay: redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
