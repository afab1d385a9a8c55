// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package cache provides the two-tier read-through cache in front of the durable
stores, plus the circuit breaker guarding the distributed tier.

Architecture:

  - Tier 1: in-process LRU with a fixed TTL (bounded staleness, zero latency).
  - Tier 2: shared Redis keyspace, reached only through the [Breaker].
  - Loader: the durable-store fallback, deduplicated with singleflight.

When the distributed tier misbehaves the breaker opens and reads degrade to
local-plus-loader; writes invalidate the local tier and queue nothing, so a
recovered Redis may serve stale entries until their TTL lapses. That staleness
window is the documented trade-off for staying up during a Redis outage.
*/
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// # Breaker States

// BreakerState enumerates the three circuit states.
type BreakerState int

const (
	// StateClosed: traffic flows, failures are counted.
	StateClosed BreakerState = iota
	// StateOpen: traffic is rejected without touching the dependency.
	StateOpen
	// StateHalfOpen: a single probe is allowed through.
	StateHalfOpen
)

// String implements fmt.Stringer for log records.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by [Breaker.Do] when the circuit rejects the call.
var ErrOpen = errors.New("breaker: circuit open")

// # Breaker

// BreakerConfig tunes one [Breaker] instance.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// circuit. Failures must land within one MonitoringPeriod of each other
	// to stay consecutive.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before allowing a
	// probe.
	RecoveryTimeout time.Duration

	// MonitoringPeriod bounds the gap between failures that still count as
	// a streak. A quiet period resets the count.
	MonitoringPeriod time.Duration

	// IsExpected marks dependency results that are business outcomes, not
	// health signals (e.g. a cache miss). Expected errors neither trip nor
	// reset the streak.
	IsExpected func(error) bool

	Clock clockwork.Clock
}

// Breaker is a three-state circuit breaker for a single dependency.
//
// # Concurrency
//
// All transitions happen under one mutex; [Breaker.Do] holds it only around
// bookkeeping, never across the guarded call. In half-open exactly one caller
// wins the probe slot and everyone else is rejected until it reports back.
type Breaker struct {
	cfg BreakerConfig

	mu             sync.Mutex
	state          BreakerState
	failureStreak  int
	lastFailureAt  time.Time
	openedAt       time.Time
	probeInFlight  bool
	onStateChanged func(from, to BreakerState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.IsExpected == nil {
		cfg.IsExpected = func(error) bool { return false }
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// OnStateChanged registers a transition hook, called outside the lock is NOT
// guaranteed; keep it cheap (a log line, a counter).
func (b *Breaker) OnStateChanged(hook func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChanged = hook
}

// State returns the current circuit state, accounting for recovery expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

/*
Do runs the operation under circuit control.

Description: When the circuit is open (and recovery has not elapsed) the
operation is not invoked and [ErrOpen] is returned. Expected errors pass
through untouched and do not move the state machine.

Parameters:
  - operation: func() error (the guarded dependency call)

Returns:
  - error: ErrOpen, or whatever the operation returned
*/
func (b *Breaker) Do(operation func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := operation()
	b.report(err)
	return err
}

// acquire decides whether a call may proceed right now.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return ErrOpen
	}
}

// report feeds an operation result back into the state machine.
func (b *Breaker) report(err error) {
	if err != nil && b.cfg.IsExpected(err) {
		err = nil // business outcome, dependency is healthy
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		if err == nil {
			b.transitionLocked(StateClosed)
			b.failureStreak = 0
		} else {
			b.transitionLocked(StateOpen)
			b.openedAt = b.cfg.Clock.Now()
		}

	case StateClosed:
		if err == nil {
			b.failureStreak = 0
			return
		}
		now := b.cfg.Clock.Now()
		if b.failureStreak > 0 && now.Sub(b.lastFailureAt) > b.cfg.MonitoringPeriod {
			b.failureStreak = 0 // streak went stale
		}
		b.failureStreak++
		b.lastFailureAt = now
		if b.failureStreak >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
			b.openedAt = now
		}
	}
}

// refreshLocked promotes OPEN to HALF_OPEN once the recovery timeout elapses.
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.cfg.Clock.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = false
	}
}

func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChanged != nil {
		b.onStateChanged(from, to)
	}
}
