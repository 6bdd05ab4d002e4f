// Package redis backs the Coordinator's shared state with Redis so that
// several Coordinator instances enforce one global view: the emergency
// stop flag, the vendor call slot, a fixed-window limiter and the response
// cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/trackguard/pkg/store"
)

const keyPrefix = "trackguard:"

// NewClient connects to the Redis server at url (redis://host:port/db).
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisStateStore persists the emergency stop with a TTL so the key lapses
// on its own when the cooldown ends.
type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) key() string {
	return keyPrefix + "state:" + store.KeyEmergencyStop
}

func (s *RedisStateStore) GetEmergencyStop(ctx context.Context) (store.EmergencyState, error) {
	data, err := s.client.Get(ctx, s.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.EmergencyState{}, nil
		}
		return store.EmergencyState{}, fmt.Errorf("failed to read emergency stop: %w", err)
	}

	var st store.EmergencyState
	if err := json.Unmarshal(data, &st); err != nil {
		return store.EmergencyState{}, fmt.Errorf("failed to decode emergency stop: %w", err)
	}
	return st, nil
}

func (s *RedisStateStore) SetEmergencyStop(ctx context.Context, st store.EmergencyState) error {
	ttl := time.Until(st.Until)
	if ttl <= 0 {
		return s.ClearEmergencyStop(ctx)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode emergency stop: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist emergency stop: %w", err)
	}
	return nil
}

func (s *RedisStateStore) ClearEmergencyStop(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("failed to clear emergency stop: %w", err)
	}
	return nil
}

// RedisLimiter is a fixed-window counter shared by every Coordinator.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window}
}

// Allow counts one request against key. When the window is full it
// returns false with the time left in the window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	windowID := time.Now().UnixMilli() / l.window.Milliseconds()
	k := fmt.Sprintf("%slimit:%s:%d", keyPrefix, key, windowID)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to count request: %w", err)
	}

	if incr.Val() <= l.limit {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = l.window
	}
	return false, ttl, nil
}
