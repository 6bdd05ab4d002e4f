package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/trackguard/pkg/store"
)

var (
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// RedisLeaseStore implements store.LeaseStore. The Coordinator uses it for
// the global vendor call slot, so its TTL is the minimum call spacing.
type RedisLeaseStore struct {
	client *redis.Client
}

func NewRedisLeaseStore(client *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

func (s *RedisLeaseStore) makeKey(name string) string {
	return keyPrefix + "lease:" + name
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	key := s.makeKey(name)

	success, err := s.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	if success {
		return true, nil
	}

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			return s.Acquire(ctx, name, holderID, ttl)
		}
		return false, fmt.Errorf("failed to check existing lease: %w", err)
	}

	if val == holderID {
		return true, s.Renew(ctx, name, holderID, ttl)
	}

	return false, nil
}

func (s *RedisLeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	key := s.makeKey(name)

	res, err := renewScript.Run(ctx, s.client, []string{key}, holderID, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("failed to execute renew script: %w", err)
	}

	success, ok := res.(int64)
	if !ok {
		return fmt.Errorf("unexpected return type from renew script")
	}

	if success == 1 {
		return nil
	}

	return fmt.Errorf("lease lost or stolen")
}

func (s *RedisLeaseStore) Release(ctx context.Context, name, holderID string) error {
	key := s.makeKey(name)

	if err := releaseScript.Run(ctx, s.client, []string{key}, holderID).Err(); err != nil {
		return fmt.Errorf("failed to execute release script: %w", err)
	}
	return nil
}

func (s *RedisLeaseStore) Get(ctx context.Context, name string) (*store.Lease, error) {
	key := s.makeKey(name)

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lease ttl: %w", err)
	}

	return &store.Lease{
		Name:      name,
		HolderID:  val,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
