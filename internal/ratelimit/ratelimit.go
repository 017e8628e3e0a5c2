package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vividon/backend/internal/cache"
)

// Scope names a rate-limited surface. Each scope has its own per-minute limit
// and its own keyspace.
type Scope string

const (
	ScopeGenerate    Scope = "generate"
	ScopePluginStart Scope = "plugin_start"
	ScopeInviteClaim Scope = "invite_claim"
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter implements sliding-window rate limiting on Redis sorted sets. It
// fails open: without Redis, or on Redis errors, requests pass. Rate limiting
// is abuse protection, not an entitlement; credits are the real meter.
type Limiter struct {
	redis  *cache.Redis
	limits map[Scope]int
	window time.Duration
}

// NewLimiter creates a limiter. redis may be nil, which disables limiting.
func NewLimiter(rds *cache.Redis, limits map[Scope]int) *Limiter {
	return &Limiter{
		redis:  rds,
		limits: limits,
		window: time.Minute,
	}
}

// Check records a request against the scope's window and reports whether it is
// allowed. subject is the caller identity (user id or client IP).
func (l *Limiter) Check(ctx context.Context, scope Scope, subject string) (*Result, error) {
	limit := l.limits[scope]
	if limit <= 0 || l.redis == nil || l.redis.Client == nil {
		return &Result{Allowed: true, Limit: limit, Remaining: int64(limit)}, nil
	}

	now := time.Now()
	windowStart := now.Add(-l.window)
	key := fmt.Sprintf("ratelimit:%s:%s", scope, subject)

	pipe := l.redis.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("scope", string(scope)).Msg("Rate limit check failed, allowing request")
		return &Result{Allowed: true, Limit: limit, Remaining: int64(limit)}, nil
	}

	currentCount := countCmd.Val()
	result := &Result{
		Limit:   limit,
		ResetAt: now.Add(l.window),
	}

	if currentCount >= int64(limit) {
		result.Allowed = false
		result.RetryAfter = l.window

		// Retry hint from the oldest entry still in the window
		oldest, err := l.redis.Client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestTime := time.Unix(0, int64(oldest[0].Score))
			if retry := oldestTime.Add(l.window).Sub(now); retry > 0 {
				result.RetryAfter = retry
			} else {
				result.RetryAfter = time.Second
			}
		}
		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), subject)
	if err := l.redis.Client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	}).Err(); err != nil {
		log.Warn().Err(err).Str("scope", string(scope)).Msg("Failed to record rate limit entry")
	}
	l.redis.Client.Expire(ctx, key, l.window*2)

	result.Allowed = true
	result.Remaining = int64(limit) - currentCount - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Reset clears a subject's window in one scope.
func (l *Limiter) Reset(ctx context.Context, scope Scope, subject string) error {
	if l.redis == nil || l.redis.Client == nil {
		return nil
	}
	key := fmt.Sprintf("ratelimit:%s:%s", scope, subject)
	return l.redis.Client.Del(ctx, key).Err()
}
