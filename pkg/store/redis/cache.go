package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rmax-ai/trackguard/pkg/store"
)

// RedisCache shares vendor responses between Coordinator instances.
// Entries are msgpack encoded and expire with the entry's own deadline.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) makeKey(key string) string {
	return keyPrefix + "cache:" + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (store.CacheEntry, bool, error) {
	data, err := c.client.Get(ctx, c.makeKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.CacheEntry{}, false, nil
		}
		return store.CacheEntry{}, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var e store.CacheEntry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return store.CacheEntry{}, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, e store.CacheEntry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.makeKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}
