// Package ratelimit implements a fixed-window request limiter over a kv.Store.
// Windows reset at fixed boundaries; traffic straddling a boundary can burst
// up to twice the limit, which is the documented trade-off of this algorithm.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/kv"
)

// Config defines the limit for one call-site.
type Config struct {
	Limit  int           // Maximum requests allowed per window
	Window time.Duration // Window length
}

// DefaultConfig matches the platform-wide default of 10 requests per minute.
func DefaultConfig() Config {
	return Config{Limit: 10, Window: time.Minute}
}

// Result is the decision for a single check.
type Result struct {
	Allowed   bool
	Current   int
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces a fixed-window limit keyed by caller identifier.
// Each call-site (general API, SMTP test, test send, outbound throttle)
// owns its own Limiter with an independent configuration.
type Limiter struct {
	store  kv.Store
	logger *zap.Logger
	name   string
	config Config
}

// New creates a limiter. The name namespaces keys in the store and
// labels rejection metrics.
func New(store kv.Store, logger *zap.Logger, name string, config Config) *Limiter {
	if config.Limit <= 0 {
		config.Limit = 10
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &Limiter{
		store:  store,
		logger: logger,
		name:   name,
		config: config,
	}
}

// Name returns the limiter's call-site name.
func (l *Limiter) Name() string {
	return l.name
}

// Limit returns the configured per-window maximum.
func (l *Limiter) Limit() int {
	return l.config.Limit
}

// Check records one request for the identifier and returns the decision.
// It never returns an error: when the backing store is unreachable the
// limiter fails open and allows the request, logging the store error.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	key := "ratelimit:" + l.name + ":" + identifier

	count, expiresAt, err := l.store.Incr(ctx, key, l.config.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open",
			zap.String("limiter", l.name),
			zap.Error(err),
		)
		return Result{
			Allowed:   true,
			Current:   0,
			Remaining: l.config.Limit,
			ResetAt:   time.Now().Add(l.config.Window),
		}
	}

	remaining := l.config.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   int(count) <= l.config.Limit,
		Current:   int(count),
		Remaining: remaining,
		ResetAt:   expiresAt,
	}
}
