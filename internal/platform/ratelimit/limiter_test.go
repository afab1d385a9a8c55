// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/torii/internal/platform/cache"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClock()
	breaker := cache.NewBreaker(cache.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: 10 * time.Second,
		IsExpected:       cache.IsExpectedRedisError,
		Clock:            clock,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(client, breaker, clock, logger), mini, clock
}

func TestLimiter_AdmitsUpToLimit(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ClassPasswordAuth.Limit; i++ {
		result, err := limiter.Allow(ctx, ClassPasswordAuth, "10.0.0.1|alice@example.com")
		require.NoError(t, err)
		require.True(t, result.Allowed, "attempt %d should be admitted", i+1)
		require.Equal(t, ClassPasswordAuth.Limit-i-1, result.Remaining)
	}

	result, err := limiter.Allow(ctx, ClassPasswordAuth, "10.0.0.1|alice@example.com")
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, 0, result.Remaining)
	require.False(t, result.ResetAt.IsZero())
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ClassMagicLinkIssue.Limit; i++ {
		result, err := limiter.Allow(ctx, ClassMagicLinkIssue, "alice@example.com")
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	// A different key and a different class both have a fresh budget.
	result, err := limiter.Allow(ctx, ClassMagicLinkIssue, "bob@example.com")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, ClassTOTPVerify, "alice@example.com")
	require.NoError(t, err)
	require.True(t, result.Allowed)
}

func TestLimiter_WindowSlides(t *testing.T) {
	limiter, _, clock := newTestLimiter(t)
	ctx := context.Background()

	// Two early attempts, then the rest of the budget later.
	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(ctx, ClassPasswordAuth, "slider")
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	clock.Advance(10 * time.Minute)
	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, ClassPasswordAuth, "slider")
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	result, err := limiter.Allow(ctx, ClassPasswordAuth, "slider")
	require.NoError(t, err)
	require.False(t, result.Allowed)

	// Another 5m expires the first two events; exactly two slots open up.
	clock.Advance(5*time.Minute + time.Second)
	for i := 0; i < 2; i++ {
		result, err = limiter.Allow(ctx, ClassPasswordAuth, "slider")
		require.NoError(t, err)
		require.True(t, result.Allowed, "slot %d should have reopened", i+1)
	}
	result, err = limiter.Allow(ctx, ClassPasswordAuth, "slider")
	require.NoError(t, err)
	require.False(t, result.Allowed)
}

func TestLimiter_ResetAtTracksOldestEvent(t *testing.T) {
	limiter, _, clock := newTestLimiter(t)
	ctx := context.Background()

	start := clock.Now()
	for i := 0; i < ClassPasswordAuth.Limit; i++ {
		_, err := limiter.Allow(ctx, ClassPasswordAuth, "reset-check")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	result, err := limiter.Allow(ctx, ClassPasswordAuth, "reset-check")
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, start.Add(ClassPasswordAuth.Window).UnixMicro(), result.ResetAt.UnixMicro())
}

func TestLimiter_ForgiveReleasesOneSlot(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ClassPasswordAuth.Limit; i++ {
		_, err := limiter.Allow(ctx, ClassPasswordAuth, "forgiven")
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Forgive(ctx, ClassPasswordAuth, "forgiven"))

	result, err := limiter.Allow(ctx, ClassPasswordAuth, "forgiven")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, ClassPasswordAuth, "forgiven")
	require.NoError(t, err)
	require.False(t, result.Allowed)
}

func TestLimiter_DegradesToLocalFallback(t *testing.T) {
	limiter, mini, _ := newTestLimiter(t)
	ctx := context.Background()

	mini.Close()

	// Decisions keep flowing without Redis: the fallback bucket admits an
	// initial burst of half the class budget, then throttles.
	admitted := 0
	for i := 0; i < ClassPasswordAuth.Limit; i++ {
		result, err := limiter.Allow(ctx, ClassPasswordAuth, "degraded")
		require.NoError(t, err)
		if result.Allowed {
			admitted++
		}
	}
	require.Equal(t, ClassPasswordAuth.Limit/2, admitted)
}
