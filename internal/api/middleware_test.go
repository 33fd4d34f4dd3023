package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/kv"
	"github.com/mailburst/mailburst/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.New(kv.NewMemoryStore(), zap.NewNop(), "api",
		ratelimit.Config{Limit: 2, Window: time.Minute})
	handler := RateLimitMiddleware(limiter, zap.NewNop(), UserKeyFunc)(okHandler())

	do := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil)
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := do("user-a")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("X-RateLimit-Limit = %q, want 2", got)
		}
		wantRemaining := strconv.Itoa(1 - i)
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want %q", i+1, got, wantRemaining)
		}
	}

	rec := do("user-a")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/problem+json" {
		t.Errorf("blocked response content type = %q", rec.Header().Get("Content-Type"))
	}
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want at least 1", rec.Header().Get("Retry-After"))
	}

	// Another user has their own budget.
	if rec := do("user-b"); rec.Code != http.StatusOK {
		t.Errorf("other user blocked: status = %d", rec.Code)
	}
}

func TestRateLimitMiddlewareNilLimiter(t *testing.T) {
	handler := RateLimitMiddleware(nil, zap.NewNop(), IPKeyFunc)(okHandler())

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("nil limiter must pass through, got %d", rec.Code)
		}
	}
}

type errorStore struct{}

func (errorStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, context.DeadlineExceeded
}

func (errorStore) Get(context.Context, string) (int64, bool, error) {
	return 0, false, context.DeadlineExceeded
}

func (errorStore) Delete(context.Context, string) error { return context.DeadlineExceeded }

func TestRateLimitMiddlewareFailOpen(t *testing.T) {
	limiter := ratelimit.New(errorStore{}, zap.NewNop(), "api",
		ratelimit.Config{Limit: 1, Window: time.Minute})
	handler := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("store failure must fail open, got %d", rec.Code)
		}
	}
}

func TestKeyFuncs(t *testing.T) {
	tests := []struct {
		name    string
		keyFunc func(*http.Request) string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", IPKeyFunc, map[string]string{"X-Forwarded-For": "203.0.113.7"}, "10.0.0.1:1234", "ip:203.0.113.7"},
		{"real ip", IPKeyFunc, map[string]string{"X-Real-IP": "203.0.113.8"}, "10.0.0.1:1234", "ip:203.0.113.8"},
		{"remote addr", IPKeyFunc, nil, "192.0.2.4:5678", "ip:192.0.2.4:5678"},
		{"user header", UserKeyFunc, map[string]string{"X-User-ID": "u-1"}, "10.0.0.1:1234", "user:u-1"},
		{"user falls back to ip", UserKeyFunc, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "10.0.0.1:1234", "ip:203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := tt.keyFunc(req); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}
