// Package redis provides the Redis-backed hot layer for the content cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ragfactory/ingest/internal/core"
)

// HotCache implements core.HotCacheRepository over a Redis client. Values
// are opaque byte slices; serialization is the caller's concern.
type HotCache struct {
	client redis.UniversalClient
	prefix string
}

var _ core.HotCacheRepository = (*HotCache)(nil)

// NewHotCache creates a hot cache over the given client.
func NewHotCache(client redis.UniversalClient) *HotCache {
	return &HotCache{client: client}
}

// NewHotCacheWithPrefix creates a hot cache with a custom key prefix so
// several deployments can share one Redis.
func NewHotCacheWithPrefix(client redis.UniversalClient, prefix string) *HotCache {
	return &HotCache{client: client, prefix: prefix}
}

// Set stores a value under key for ttl. A non-positive ttl is rejected
// because an unbounded hot entry would never age out.
func (c *HotCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get returns the value for key, or nil when the key is absent.
func (c *HotCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Delete removes key and reports whether it existed.
func (c *HotCache) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	n, err := c.client.Del(ctx, c.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// Health pings the Redis server.
func (c *HotCache) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
