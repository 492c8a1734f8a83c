// Package ratelimit throttles writes with a Redis INCR + EXPIRE fixed window.
// Counters live in Redis so every server replica shares the same budget.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // metric label
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// MessageRule limits posts per identity.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Name: "message", Key: "rl:msg:", Limit: limit, Window: window}
}

// RegisterRule limits registrations per remote address.
func RegisterRule(limit int, window time.Duration) Rule {
	return Rule{Name: "register", Key: "rl:reg:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *slog.Logger) *Limiter {
	return &Limiter{client: client, log: log}
}

// Allow increments the identifier's counter for rule and reports whether it
// is still within the limit. The expiry is set on the first increment.
//
// On Redis errors Allow fails open: it returns true along with the error so a
// Redis outage never blocks the room.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("ratelimit: INCR failed, failing open", "key", key, "err", err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("ratelimit: EXPIRE failed, failing open", "key", key, "err", err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until the identifier's window resets. It falls
// back to the full window when the TTL is unknown.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}

// Remaining returns the number of requests the identifier has left in the
// current window. Returns the full limit if the key does not exist yet or
// Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("ratelimit: GET failed, failing open", "key", key, "err", err)
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}
