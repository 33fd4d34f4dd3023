package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/kv"
)

func TestCheckAllowsUpToLimit(t *testing.T) {
	limiter := New(kv.NewMemoryStore(), zap.NewNop(), "test", Config{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		result := limiter.Check(ctx, "user-1")
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Current != i {
			t.Errorf("request %d: current = %d", i, result.Current)
		}
		if result.Remaining != 3-i {
			t.Errorf("request %d: remaining = %d, want %d", i, result.Remaining, 3-i)
		}
	}

	result := limiter.Check(ctx, "user-1")
	if result.Allowed {
		t.Error("request over the limit should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
}

func TestCheckIsolatesIdentifiers(t *testing.T) {
	limiter := New(kv.NewMemoryStore(), zap.NewNop(), "test", Config{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	if !limiter.Check(ctx, "user-1").Allowed {
		t.Fatal("first request for user-1 should pass")
	}
	if limiter.Check(ctx, "user-1").Allowed {
		t.Fatal("second request for user-1 should be blocked")
	}
	if !limiter.Check(ctx, "user-2").Allowed {
		t.Error("user-2 should have an independent window")
	}
}

func TestCheckWindowResets(t *testing.T) {
	now := time.Now()
	store := kv.NewMemoryStoreWithClock(func() time.Time { return now })
	limiter := New(store, zap.NewNop(), "test", Config{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	first := limiter.Check(ctx, "user-1")
	if !first.Allowed {
		t.Fatal("first request should pass")
	}
	if got := first.ResetAt; !got.Equal(now.Add(time.Minute)) {
		t.Errorf("ResetAt = %v, want %v", got, now.Add(time.Minute))
	}
	if limiter.Check(ctx, "user-1").Allowed {
		t.Fatal("second request should be blocked")
	}

	now = now.Add(time.Minute + time.Second)

	if !limiter.Check(ctx, "user-1").Allowed {
		t.Error("request after window expiry should pass")
	}
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	limiter := New(failingStore{}, zap.NewNop(), "test", Config{Limit: 1, Window: time.Minute})

	result := limiter.Check(context.Background(), "user-1")
	if !result.Allowed {
		t.Error("limiter should fail open when the store errors")
	}
	if result.Remaining != 1 {
		t.Errorf("remaining = %d, want full limit", result.Remaining)
	}
}

func TestCheckWithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := New(kv.NewRedisStore(rdb), zap.NewNop(), "test", Config{Limit: 2, Window: time.Minute})
	ctx := context.Background()

	if !limiter.Check(ctx, "user-1").Allowed {
		t.Fatal("first request should pass")
	}
	if !limiter.Check(ctx, "user-1").Allowed {
		t.Fatal("second request should pass")
	}
	if limiter.Check(ctx, "user-1").Allowed {
		t.Fatal("third request should be blocked")
	}

	mr.FastForward(time.Minute + time.Second)

	if !limiter.Check(ctx, "user-1").Allowed {
		t.Error("request after window expiry should pass")
	}
}

func TestConfigDefaults(t *testing.T) {
	limiter := New(kv.NewMemoryStore(), zap.NewNop(), "test", Config{})
	if limiter.Limit() != 10 {
		t.Errorf("Limit() = %d, want 10", limiter.Limit())
	}
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func (failingStore) Get(context.Context, string) (int64, bool, error) {
	return 0, false, errors.New("store down")
}

func (failingStore) Delete(context.Context, string) error {
	return errors.New("store down")
}
