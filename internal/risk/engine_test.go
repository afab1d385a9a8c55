// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/torii/internal/device"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/cache"
	"github.com/taibuivan/torii/internal/risk"
	"github.com/taibuivan/torii/internal/session"
)

// sessionLister is a session.Repository stub serving only ListActive.
type sessionLister struct {
	session.Repository

	sessions []session.Session
	err      error
}

func (lister *sessionLister) ListActive(_ context.Context, _ string) ([]session.Session, error) {
	if lister.err != nil {
		return nil, lister.err
	}
	return lister.sessions, nil
}

type engineFixture struct {
	engine *risk.Engine
	lister *sessionLister
	clock  *clockwork.FakeClock
}

func newEngineFixture(t *testing.T, cfg risk.Config) *engineFixture {
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
	aggregates := cache.New(cache.Config{
		Prefix:    "auth:cache:risk:",
		LocalSize: 64,
		LocalTTL:  time.Minute,
		RemoteTTL: 5 * time.Minute,
	}, client, breaker, logger)

	lister := &sessionLister{}
	engine, err := risk.NewEngine(cfg, lister, aggregates, clock, logger)
	require.NoError(t, err)

	return &engineFixture{engine: engine, lister: lister, clock: clock}
}

func defaultConfig() risk.Config {
	return risk.Config{ChallengeFloor: 40, DenyFloor: 80}
}

// establishedUser returns a user old enough that the account-age signal is
// silent.
func establishedUser(clock clockwork.Clock) *identity.User {
	return &identity.User{
		ID:        "user-1",
		Email:     "amelie@example.com",
		CreatedAt: clock.Now().Add(-90 * 24 * time.Hour),
	}
}

/*
TestEngine_KnownDeviceKnownIPAllows verifies the quiet path: a trusted device
from a known address with no failures scores under the challenge floor.
*/
func TestEngine_KnownDeviceKnownIPAllows(t *testing.T) {
	fixture := newEngineFixture(t, defaultConfig())
	fixture.lister.sessions = []session.Session{{IssuedIP: "203.0.113.10"}}

	evaluation := fixture.engine.Score(context.Background(), &risk.Attempt{
		User:          establishedUser(fixture.clock),
		Device:        &device.Device{TrustLevel: device.TrustTrusted},
		IP:            "203.0.113.10",
		FailuresKnown: true,
	})

	require.Equal(t, risk.DecisionAllow, evaluation.Decision)
	require.Less(t, evaluation.Score, 40)
}

/*
TestEngine_NewDeviceNewIPChallenges verifies an unfamiliar device from an
unseen address lands between the floors.
*/
func TestEngine_NewDeviceNewIPChallenges(t *testing.T) {
	fixture := newEngineFixture(t, defaultConfig())
	fixture.lister.sessions = []session.Session{{IssuedIP: "203.0.113.10"}}

	evaluation := fixture.engine.Score(context.Background(), &risk.Attempt{
		User:          establishedUser(fixture.clock),
		DeviceNew:     true,
		IP:            "198.51.100.7",
		FailuresKnown: true,
	})

	require.Equal(t, risk.DecisionChallenge, evaluation.Decision)
	require.GreaterOrEqual(t, evaluation.Score, 40)
	require.Less(t, evaluation.Score, 80)
}

/*
TestEngine_DenylistedIPDenies verifies denylist membership pushes the score
to an outright refusal.
*/
func TestEngine_DenylistedIPDenies(t *testing.T) {
	cfg := defaultConfig()
	cfg.DenylistCIDRs = []string{"198.51.100.0/24"}
	fixture := newEngineFixture(t, cfg)
	fixture.lister.sessions = []session.Session{{IssuedIP: "203.0.113.10"}}

	evaluation := fixture.engine.Score(context.Background(), &risk.Attempt{
		User:           establishedUser(fixture.clock),
		DeviceNew:      true,
		IP:             "198.51.100.7",
		RecentFailures: 6,
		FailuresKnown:  true,
	})

	require.Equal(t, risk.DecisionDeny, evaluation.Decision)
	require.GreaterOrEqual(t, evaluation.Score, 80)
}

/*
TestEngine_ScoreClippedAt100 verifies every signal firing at once cannot push
the score past the ceiling.
*/
func TestEngine_ScoreClippedAt100(t *testing.T) {
	cfg := defaultConfig()
	cfg.DenylistCIDRs = []string{"0.0.0.0/0"}
	fixture := newEngineFixture(t, cfg)
	fixture.lister.sessions = []session.Session{{IssuedIP: "203.0.113.10"}}

	young := &identity.User{
		ID:        "user-1",
		CreatedAt: fixture.clock.Now().Add(-time.Hour),
	}

	evaluation := fixture.engine.Score(context.Background(), &risk.Attempt{
		User:           young,
		DeviceNew:      true,
		IP:             "198.51.100.7",
		RecentFailures: 25,
		FailuresKnown:  true,
	})

	require.Equal(t, 100, evaluation.Score)
	require.Equal(t, risk.DecisionDeny, evaluation.Decision)
}

/*
TestEngine_DegradesWhenAggregatesUnavailable verifies a dead aggregate source
never fails the evaluation: the IP-delta signal falls back to its mid-range
default and the decision still comes out.
*/
func TestEngine_DegradesWhenAggregatesUnavailable(t *testing.T) {
	fixture := newEngineFixture(t, defaultConfig())
	fixture.lister.err = errors.New("connection refused")

	evaluation := fixture.engine.Score(context.Background(), &risk.Attempt{
		User:          establishedUser(fixture.clock),
		Device:        &device.Device{TrustLevel: device.TrustTrusted},
		IP:            "203.0.113.10",
		FailuresKnown: true,
	})

	require.NotNil(t, evaluation)
	require.Equal(t, risk.DecisionAllow, evaluation.Decision)

	var delta *risk.SignalScore
	for i := range evaluation.Signals {
		if evaluation.Signals[i].Name == "ip_delta" {
			delta = &evaluation.Signals[i]
		}
	}
	require.NotNil(t, delta)
	require.Equal(t, 0.5, delta.Magnitude)
}

/*
TestEngine_ExplanationCoversEverySignal verifies the explanation bag names
each configured signal exactly once.
*/
func TestEngine_ExplanationCoversEverySignal(t *testing.T) {
	fixture := newEngineFixture(t, defaultConfig())

	evaluation := fixture.engine.Score(context.Background(), &risk.Attempt{
		User:          establishedUser(fixture.clock),
		IP:            "203.0.113.10",
		FailuresKnown: true,
	})

	names := make(map[string]int)
	for _, signal := range evaluation.Signals {
		names[signal.Name]++
	}
	for _, expected := range []string{"new_device", "ip_delta", "failure_velocity", "account_age", "odd_hour", "denylisted_ip"} {
		require.Equal(t, 1, names[expected], expected)
	}
}
