// Package ratelimit implements fixed-window request limiting for accessd.
//
// Every inbound request passes the limiter before any expensive work runs.
// Counters live in a pluggable CounterStore (in-memory or PostgreSQL); the
// read-and-increment on a key is atomic with respect to concurrent callers,
// so two simultaneous first-requests for an absent key establish exactly one
// window and both increments land.
//
// Counter store failures are terminal for the request — never retried inline.
// The default policy is fail-closed (deny on store failure); deployments that
// prefer availability over strictness can opt into fail-open.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gabizap/accessd/internal/logging"
	"github.com/gabizap/accessd/internal/metrics"
)

// ErrBackendUnavailable indicates the counter store could not be reached.
var ErrBackendUnavailable = errors.New("rate limit counter store unavailable")

// Config configures the limiter.
type Config struct {
	// Limit is the max requests per key per window.
	Limit int
	// Window is the fixed window duration.
	Window time.Duration
	// FailOpen admits requests when the counter store is unreachable.
	// Default false: a defensive system treats its counter store as a hard
	// dependency and denies when it cannot count.
	FailOpen bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Limit:    100,
		Window:   time.Minute,
		FailOpen: false,
	}
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	Remaining  int           // Requests left in the current window (0 when denied)
	RetryAfter time.Duration // Time until the window resets (meaningful when denied)
}

// CounterStore is the pluggable backend for per-key window counters.
// Incr atomically increments the counter for key within the current fixed
// window, starting a fresh window (count=1) if none is live. It returns the
// post-increment count and the window's start time.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, windowStart time.Time, err error)
}

// Limiter admits or denies requests by key using fixed windows.
type Limiter struct {
	cfg   Config
	store CounterStore
}

// New creates a limiter over the given counter store.
func New(cfg Config, store CounterStore) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Limiter{cfg: cfg, store: store}
}

// Admit checks whether a request for key is within the limit.
// A store failure returns ErrBackendUnavailable wrapped, with Result
// reflecting the configured fail-open/fail-closed policy.
func (l *Limiter) Admit(ctx context.Context, key string) (Result, error) {
	count, windowStart, err := l.store.Incr(ctx, key, l.cfg.Window)
	if err != nil {
		metrics.RateLimitBackendErrors.Inc()
		logging.Component(ctx, "ratelimit").Error("counter store failure",
			"key", key,
			"fail_open", l.cfg.FailOpen,
			"error", err,
		)
		if l.cfg.FailOpen {
			return Result{Allowed: true, Remaining: l.cfg.Limit}, nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if count > l.cfg.Limit {
		metrics.RateLimitedTotal.Inc()
		return Result{
			Allowed:    false,
			RetryAfter: remainingWindow(windowStart, l.cfg.Window),
		}, nil
	}

	return Result{Allowed: true, Remaining: l.cfg.Limit - count}, nil
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int {
	return l.cfg.Limit
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}

func remainingWindow(windowStart time.Time, window time.Duration) time.Duration {
	remaining := window - time.Since(windowStart)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Middleware returns a gin middleware that limits requests by client IP.
// Denied requests get 429 with a Retry-After header (seconds until the window
// resets). Counter store failures return 503 under the fail-closed default.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := l.Admit(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "backend_unavailable",
				"message": "Rate limiter backend is unreachable.",
			})
			return
		}

		if !res.Allowed {
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
