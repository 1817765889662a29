package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisWindowStore keeps rate limit windows in Redis so every replica sees
// the same counters.
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowStore wraps client. prefix namespaces the counters.
func NewRedisWindowStore(client redis.UniversalClient, prefix string) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: prefix}
}

// Allow increments the window counter, starting the expiry on the first
// hit of a window.
func (s *RedisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	key = s.prefix + key
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis pexpire: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis pttl: %w", err)
	}
	if ttl <= 0 {
		// The expiry was lost, for example after a failed PEXPIRE; restart
		// the window so the key cannot block forever.
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis pexpire: %w", err)
		}
		ttl = window
	}
	return false, ttl, nil
}

func (s *RedisWindowStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connections.
func (s *RedisWindowStore) Close() error {
	return s.client.Close()
}
