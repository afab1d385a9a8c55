// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package ratelimit implements sliding-window rate limiting over Redis sorted
sets, with a conservative in-process fallback for Redis outages.

Each (class, key) pair owns one sorted set whose members are request
timestamps in microseconds. A Lua script trims, counts, and conditionally
records in one atomic step, so concurrent instances never double-admit past
the limit. An event landing exactly on the window boundary belongs to the
newer window.
*/
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/taibuivan/torii/internal/platform/cache"
	"github.com/taibuivan/torii/internal/platform/constants"
	"github.com/taibuivan/torii/pkg/uuidv7"
)

// # Limit Classes

// Class names one limited operation family and its window policy.
type Class struct {
	Name   string
	Window time.Duration
	Limit  int
}

// The class table. Keys are chosen by the caller: credential-guessing classes
// key on (client IP, normalized email), session classes on the session ID,
// generic classes on the authenticated user or client IP.
var (
	ClassPasswordAuth   = Class{Name: "password-auth", Window: 15 * time.Minute, Limit: 5}
	ClassMagicLinkIssue = Class{Name: "magic-link-issue", Window: time.Hour, Limit: 3}
	ClassTOTPVerify     = Class{Name: "totp-verify", Window: 5 * time.Minute, Limit: 10}
	ClassRefresh        = Class{Name: "refresh", Window: time.Minute, Limit: 30}
	ClassGenericWrite   = Class{Name: "generic-write", Window: time.Minute, Limit: 50}
	ClassGenericRead    = Class{Name: "generic-read", Window: time.Minute, Limit: 200}
)

// Result reports one admission decision.
type Result struct {
	Allowed bool
	// Remaining is the admission budget left in the current window.
	Remaining int
	// ResetAt is when the oldest recorded event leaves the window. Zero when
	// the window is empty or the decision came from the degraded fallback.
	ResetAt time.Time
}

// # Limiter

// slidingWindowScript trims expired events, admits if under the limit, and
// reports the count plus the oldest surviving timestamp, atomically.
var slidingWindowScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[3]) then
    redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
    redis.call('PEXPIRE', KEYS[1], math.ceil(tonumber(ARGV[2]) / 1000))
    allowed = 1
    count = count + 1
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = 0
if oldest[2] then
    reset = tonumber(oldest[2]) + tonumber(ARGV[2])
end
return {allowed, count, reset}
`)

// Limiter admits or rejects requests per sliding-window class.
//
// # Degraded mode
//
// When the circuit in front of Redis is open, decisions fall back to a local
// token bucket at half the class budget. Halving is deliberate: every
// instance limits independently in this mode, so the fleet-wide admission
// rate would otherwise multiply by the instance count.
type Limiter struct {
	client  redis.UniversalClient
	breaker *cache.Breaker
	clock   clockwork.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

// New creates a [Limiter].
func New(client redis.UniversalClient, breaker *cache.Breaker, clock clockwork.Clock, logger *slog.Logger) *Limiter {
	return &Limiter{
		client:   client,
		breaker:  breaker,
		clock:    clock,
		logger:   logger.With(slog.String("component", "ratelimit")),
		fallback: make(map[string]*rate.Limiter),
	}
}

/*
Allow records one attempt against the (class, key) window and reports whether
it was admitted.

Description: Counting is attempt-based: a rejected attempt still occupies no
window slot (only admitted events are recorded), so a client hammering a full
window does not push its own reset time out further.

Parameters:
  - ctx: context.Context
  - class: Class
  - key: string (scope discriminator, e.g. "ip|email")

Returns:
  - Result: Admission decision
  - error: Nothing in practice; Redis failures degrade to the local fallback
*/
func (l *Limiter) Allow(ctx context.Context, class Class, key string) (Result, error) {
	redisKey := l.redisKey(class, key)
	now := l.clock.Now()

	var raw interface{}
	err := l.breaker.Do(func() error {
		var scriptErr error
		raw, scriptErr = slidingWindowScript.Run(ctx, l.client, []string{redisKey},
			now.UnixMicro(),
			class.Window.Microseconds(),
			class.Limit,
			uuidv7.New(),
		).Result()
		return scriptErr
	})
	if err != nil {
		if !errors.Is(err, cache.ErrOpen) {
			l.logger.WarnContext(ctx, "sliding window unavailable, using local fallback",
				slog.String("class", class.Name), slog.String("error", err.Error()))
		}
		return l.allowDegraded(class, key), nil
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return Result{}, fmt.Errorf("ratelimit_malformed_script_reply: %T", raw)
	}

	allowed := reply[0].(int64) == 1
	count := int(reply[1].(int64))
	resetMicros := reply[2].(int64)

	result := Result{
		Allowed:   allowed,
		Remaining: max(0, class.Limit-count),
	}
	if resetMicros > 0 {
		result.ResetAt = time.UnixMicro(resetMicros)
	}
	return result, nil
}

/*
Forgive releases the most recent admission for the (class, key) window.

Description: Skip-on-success classes (password auth) call this after a
successful verification so legitimate users never burn budget. The whole
window is not cleared: earlier failures in the window keep counting.

Parameters:
  - ctx: context.Context
  - class: Class
  - key: string

Returns:
  - error: Nothing actionable; failures are logged and swallowed
*/
func (l *Limiter) Forgive(ctx context.Context, class Class, key string) error {
	err := l.breaker.Do(func() error {
		return l.client.ZPopMax(ctx, l.redisKey(class, key), 1).Err()
	})
	if err != nil && !errors.Is(err, cache.ErrOpen) {
		l.logger.WarnContext(ctx, "failed to forgive admission",
			slog.String("class", class.Name), slog.String("error", err.Error()))
	}
	return nil
}

// redisKey namespaces a (class, key) window in the shared keyspace.
func (l *Limiter) redisKey(class Class, key string) string {
	return constants.RedisPrefixRateCounter + class.Name + ":" + key
}

// allowDegraded consults the per-(class,key) local token bucket.
func (l *Limiter) allowDegraded(class Class, key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucketKey := class.Name + ":" + key
	bucket, ok := l.fallback[bucketKey]
	if !ok {
		budget := max(1, class.Limit/2)
		bucket = rate.NewLimiter(rate.Every(class.Window/time.Duration(budget)), budget)
		l.fallback[bucketKey] = bucket
	}

	return Result{Allowed: bucket.Allow()}
}
