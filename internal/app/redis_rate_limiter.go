package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counts one attempt and returns {count, remaining window ms}.
var intentCreateWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// CreateLimiter decides whether a payer may create another intent now.
type CreateLimiter interface {
	Allow(ctx context.Context, payer string) (allowed bool, retryAfter time.Duration, err error)
}

// RedisIntentRateLimiter is a fixed-window limit on intent creation per payer,
// shared by every instance pointing at the same Redis.
type RedisIntentRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisIntentRateLimiter allows limit creations per payer per window.
func NewRedisIntentRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisIntentRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "payment_intent"
	}
	if window < time.Second {
		window = time.Minute
	}
	return &RedisIntentRateLimiter{
		client: client,
		prefix: prefix + ":rate_limit:intent_create",
		limit:  limit,
		window: window,
	}
}

// Allow counts one attempt for payer. A nil limiter, nil client or
// non-positive limit always allows.
func (r *RedisIntentRateLimiter) Allow(ctx context.Context, payer string) (bool, time.Duration, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, 0, nil
	}
	subject := strings.ToLower(strings.TrimSpace(payer))
	if subject == "" {
		return true, 0, nil
	}

	key := r.prefix + ":" + subject
	raw, err := intentCreateWindowScript.Run(ctx, r.client, []string{key}, r.window.Milliseconds()).Result()
	if err != nil {
		return true, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return true, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return true, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = r.window.Milliseconds()
	}

	retryAfter := time.Duration(ttlMs) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return count <= int64(r.limit), retryAfter.Round(time.Second), nil
}
