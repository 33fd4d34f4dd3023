package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares counter state across worker instances.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	now := time.Now()

	// ExpireNX only arms a key without a TTL, so the first increment of a
	// window (or a stranded key) starts it and later increments never
	// extend it.
	pipe := s.rdb.TxPipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr failed: %w", err)
	}

	count := incrCmd.Val()
	remaining := ttlCmd.Val()
	if remaining < 0 {
		remaining = ttl
	}
	return count, now.Add(remaining), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	count, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get failed: %w", err)
	}
	return count, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
