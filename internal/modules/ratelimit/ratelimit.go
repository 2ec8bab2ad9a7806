// Package ratelimit bounds inbound signaling actions per user per action
// class with fixed Redis windows. The limiter is advisory: when the bus is
// unreachable it degrades to allow rather than blocking traffic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voxspace/core/internal/config"
	pkgredis "github.com/voxspace/core/internal/pkg/redis"
)

const (
	keyPrefix   = "vx:ratelimit:"
	callTimeout = 500 * time.Millisecond
)

// ExceededError is returned once a class threshold is crossed within the
// current window. Recoverable: the offending message is dropped, the
// connection stays open.
type ExceededError struct {
	Class      string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Class, e.RetryAfter)
}

// RetryAfterSeconds rounds the wait up for client-facing hints.
func (e *ExceededError) RetryAfterSeconds() int {
	s := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 || s == 0 {
		s++
	}
	return s
}

// Limiter counts actions per (class, user) in fixed windows backed by Redis
// INCR + EXPIRE, so the count is shared across all router instances.
type Limiter struct {
	rc     *pkgredis.Client
	rules  map[string]config.RateLimitRule
	logger *zap.Logger
}

// NewLimiter builds a limiter from the configured per-class rules.
func NewLimiter(rc *pkgredis.Client, rules map[string]config.RateLimitRule, logger *zap.Logger) *Limiter {
	return &Limiter{rc: rc, rules: rules, logger: logger}
}

// Check increments the (class, user) counter for the current window and
// fails with *ExceededError once the class threshold is exceeded. Unknown
// classes are unlimited. Bus failures are logged and allowed through.
func (l *Limiter) Check(ctx context.Context, class, userID string) error {
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	now := time.Now()
	windowStart := now.Truncate(rule.Window)
	key := fmt.Sprintf("%s%s:%s:%d", keyPrefix, class, userID, windowStart.Unix())

	count, err := l.rc.Raw().Incr(ctx, key).Result()
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("rate limit check degraded to allow", zap.String("class", class), zap.Error(err))
		}
		return nil
	}
	if count == 1 {
		// Window reset happens atomically when this key expires.
		l.rc.Raw().PExpire(ctx, key, rule.Window+time.Second)
	}

	if count > int64(rule.Limit) {
		return &ExceededError{
			Class:      class,
			RetryAfter: windowStart.Add(rule.Window).Sub(now),
		}
	}
	return nil
}
