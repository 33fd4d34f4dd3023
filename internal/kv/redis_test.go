package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisStore(rdb)
}

func TestRedisStoreIncr(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, _, err := store.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if count != want {
			t.Errorf("count = %d, want %d", count, want)
		}
	}
}

func TestRedisStoreWindowNotExtended(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Incr(ctx, "counter", time.Minute); err != nil {
		t.Fatalf("Incr: %v", err)
	}

	mr.FastForward(30 * time.Second)

	start := time.Now()
	_, resetAt, err := store.Incr(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	// Later increments keep the first caller's window instead of restarting
	// it from now.
	if remaining := resetAt.Sub(start); remaining > 31*time.Second {
		t.Errorf("window extended to %v remaining, want about 30s", remaining)
	}
}

func TestRedisStoreStrandedKeyGetsWindow(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	// A key without expiry must be given one rather than counting forever.
	if err := mr.Set("counter", "3"); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	count, _, err := store.Incr(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
	if mr.TTL("counter") <= 0 {
		t.Error("stranded key should carry a window TTL")
	}
}

func TestRedisStoreGetDelete(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("Get(missing) = ok %v err %v, want absent", ok, err)
	}

	if _, _, err := store.Incr(ctx, "counter", time.Minute); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	count, ok, err := store.Get(ctx, "counter")
	if err != nil || !ok || count != 1 {
		t.Errorf("Get = %d ok %v err %v, want 1", count, ok, err)
	}

	if err := store.Delete(ctx, "counter"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "counter"); ok {
		t.Error("key should be gone after Delete")
	}
}
