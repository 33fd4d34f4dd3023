// Package kv provides the keyed counter store backing the rate limiter.
// Two implementations exist: an in-process MemoryStore suitable only for
// single-instance deployments, and a Redis-backed store shared across
// worker instances.
package kv

import (
	"context"
	"time"
)

// Store is a keyed counter with window expiry. Incr creates the key with
// count 1 and the given TTL when absent or expired, otherwise increments
// and leaves the existing TTL untouched.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, expiresAt time.Time, err error)
	Get(ctx context.Context, key string) (count int64, ok bool, err error)
	Delete(ctx context.Context, key string) error
}
