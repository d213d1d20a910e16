package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/P4v3r/void-ai/pkg/cache"
	"go.uber.org/zap"
)

// Result contains rate limit information for response headers
type Result struct {
	// Allowed reports whether the request fits the current window
	Allowed bool
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// Limiter enforces a fixed-window request budget per scope key. Scope keys
// are opaque digests derived by the caller; raw addresses or identifiers
// never reach the counter store.
type Limiter struct {
	cache  *cache.Cache
	logger *zap.Logger
	max    int64
	window time.Duration
}

// NewLimiter creates a fixed-window limiter with the given budget.
func NewLimiter(cache *cache.Cache, logger *zap.Logger, maxRequests int64, window time.Duration) *Limiter {
	return &Limiter{
		cache:  cache,
		logger: logger,
		max:    maxRequests,
		window: window,
	}
}

// Allow checks the address-scope and identity-scope windows in one pass. The
// request is admitted only when every scope fits its budget; the narrower
// remaining count is surfaced. identityScope may be empty (pre-resolution
// paths), in which case only the address scope is consulted.
//
// A counter store failure is returned as an error: the limiter fails closed
// and the caller must reject the request.
func (l *Limiter) Allow(ctx context.Context, addrScope, identityScope string) (Result, error) {
	now := time.Now()

	result, err := l.checkScope(ctx, "addr", addrScope, now)
	if err != nil {
		return Result{}, err
	}
	if !result.Allowed {
		l.logger.Warn("address rate limit exceeded",
			zap.String("scope", addrScope),
			zap.Int64("retry_after", result.RetryAfter),
		)
		return result, nil
	}

	if identityScope != "" {
		idResult, err := l.checkScope(ctx, "id", identityScope, now)
		if err != nil {
			return Result{}, err
		}
		if !idResult.Allowed {
			l.logger.Warn("identity rate limit exceeded",
				zap.String("scope", identityScope),
				zap.Int64("retry_after", idResult.RetryAfter),
			)
			return idResult, nil
		}
		if idResult.Remaining < result.Remaining {
			result = idResult
		}
	}

	return result, nil
}

// checkScope increments one fixed-window counter and evaluates it against
// the budget. The window index is part of the key, so counters from a prior
// window are simply never touched again and expire on their own.
func (l *Limiter) checkScope(ctx context.Context, kind, scope string, now time.Time) (Result, error) {
	windowSecs := int64(l.window.Seconds())
	windowIdx := now.Unix() / windowSecs
	key := fmt.Sprintf("ratelimit:%s:%s:%s", kind, scope, strconv.FormatInt(windowIdx, 10))

	counter, err := l.cache.IncrWindow(ctx, key, l.window)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check failed for %s scope: %w", kind, err)
	}

	result := Result{
		Limit:   l.max,
		ResetAt: (windowIdx + 1) * windowSecs,
	}

	if counter.Count > l.max {
		result.Allowed = false
		result.Remaining = 0
		result.RetryAfter = counter.TTLSeconds
		if result.RetryAfter < 1 {
			result.RetryAfter = 1
		}
		return result, nil
	}

	result.Allowed = true
	result.Remaining = l.max - counter.Count
	return result, nil
}
