package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowResult is the outcome of a sliding-window check.
type WindowResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter performs sliding-window counting backed by Redis sorted sets.
// Checking and consuming are separate: Admit must not consume budget, and
// Record consumes it even for requests that went on to fail.
type Limiter struct {
	rdb *redis.Client
}

// NewLimiter creates a limiter. If rdb is nil, all checks pass (fail open).
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// countScript removes expired entries and returns the current count.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
var countScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
return redis.call('ZCARD', key)
`)

// consumeScript adds the current request to the window.
// KEYS[1] = sorted set key
// ARGV[1] = now (unix micro)
// ARGV[2] = TTL seconds
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
redis.call('EXPIRE', key, ttl)
return redis.call('ZCARD', key)
`)

// Check reports whether a request fits in the window without consuming budget.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (WindowResult, error) {
	if l.rdb == nil {
		return WindowResult{Allowed: true, Remaining: limit, ResetAt: time.Now().Add(window)}, nil
	}

	now := time.Now()
	windowStart := now.Add(-window).UnixMicro()
	redisKey := fmt.Sprintf("cds:rl:%s", key)

	count, err := countScript.Run(ctx, l.rdb, []string{redisKey}, windowStart).Int64()
	if err != nil {
		// Fail open on Redis errors
		return WindowResult{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}, nil
	}

	allowed := count < limit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = window / 2 // conservative estimate
	}

	return WindowResult{
		Allowed:    allowed,
		Remaining:  remaining,
		ResetAt:    now.Add(window),
		RetryAfter: retryAfter,
	}, nil
}

// Consume records one request in the window.
func (l *Limiter) Consume(ctx context.Context, key string, window time.Duration) error {
	if l.rdb == nil {
		return nil
	}

	now := time.Now()
	ttlSecs := int64(window.Seconds()) + 1
	redisKey := fmt.Sprintf("cds:rl:%s", key)

	return consumeScript.Run(ctx, l.rdb, []string{redisKey}, now.UnixMicro(), ttlSecs).Err()
}
