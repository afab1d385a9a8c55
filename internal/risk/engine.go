// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package risk implements the adaptive-challenge decision engine.

The engine is a weighted sum of independent signal functions. Each signal
inspects the assembled evidence for one authentication attempt and returns a
magnitude in [0,1]; magnitudes times weights are summed and clipped to
[0,100]. Two configured floors turn the score into a decision: allow below
the challenge floor, step-up between the floors, deny at or above the deny
floor.

Per-user aggregates (known source addresses, failure velocity) are read
through the cache substrate. An unavailable cache never fails an evaluation:
the affected signals degrade to a conservative mid-range default.
*/
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/jonboulle/clockwork"

	"github.com/taibuivan/torii/internal/device"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/cache"
	"github.com/taibuivan/torii/internal/session"
)

// # Decisions

// Decision is the engine's verdict for one attempt.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionChallenge Decision = "challenge"
	DecisionDeny      Decision = "deny"
)

// SignalScore is one signal's contribution, kept for the explanation bag.
type SignalScore struct {
	Name      string  `json:"name"`
	Magnitude float64 `json:"magnitude"`
	Weight    float64 `json:"weight"`
}

// Evaluation is the full outcome of one scoring pass.
type Evaluation struct {
	Score    int           `json:"score"`
	Decision Decision      `json:"decision"`
	Signals  []SignalScore `json:"signals"`
}

// # Configuration

// Config carries the decision floors and the operator denylist.
type Config struct {
	// ChallengeFloor is the lowest score that requires step-up.
	ChallengeFloor int
	// DenyFloor is the lowest score that refuses the attempt outright.
	DenyFloor int
	// DenylistCIDRs are known-bad source ranges.
	DenylistCIDRs []string
}

// # Engine

// Engine scores authentication attempts.
type Engine struct {
	cfg      Config
	signals  []Signal
	sessions session.Repository
	cache    *cache.Cache
	clock    clockwork.Clock
	logger   *slog.Logger
}

/*
NewEngine creates a risk [Engine].

Parameters:
  - cfg: Config
  - sessions: session.Repository (source for the known-IP aggregate)
  - aggregates: *cache.Cache (may serve degraded; never required to be up)
  - clock: clockwork.Clock
  - logger: *slog.Logger

Returns:
  - *Engine: Ready engine
  - error: Malformed denylist entries
*/
func NewEngine(cfg Config, sessions session.Repository, aggregates *cache.Cache, clock clockwork.Clock, logger *slog.Logger) (*Engine, error) {
	denylist := make([]netip.Prefix, 0, len(cfg.DenylistCIDRs))
	for _, raw := range cfg.DenylistCIDRs {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("risk_engine_bad_denylist_entry %q: %w", raw, err)
		}
		denylist = append(denylist, prefix)
	}

	return &Engine{
		cfg:      cfg,
		signals:  defaultSignals(denylist),
		sessions: sessions,
		cache:    aggregates,
		clock:    clock,
		logger:   logger.With(slog.String("component", "risk_engine")),
	}, nil
}

// Attempt is the raw per-request evidence the orchestrator hands over.
type Attempt struct {
	User           *identity.User
	Device         *device.Device
	DeviceNew      bool
	IP             string
	RecentFailures int
	// FailuresKnown is false when the caller had no credential row to read
	// the counter from (passwordless flows).
	FailuresKnown bool
}

/*
Score evaluates one authentication attempt.

Description: Pure with respect to its inputs: the same attempt and the same
aggregates always produce the same score. Aggregate loads go through the
cache; on any load failure the corresponding input is marked unknown and the
signals fall back to conservative defaults instead of failing the attempt.

Parameters:
  - ctx: context.Context
  - attempt: *Attempt

Returns:
  - *Evaluation: Score, decision, and the per-signal explanation bag
*/
func (engine *Engine) Score(ctx context.Context, attempt *Attempt) *Evaluation {
	input := engine.assemble(ctx, attempt)

	total := 0.0
	scores := make([]SignalScore, 0, len(engine.signals))
	for _, signal := range engine.signals {
		magnitude := signal.Evaluate(input)
		total += magnitude * signal.Weight
		scores = append(scores, SignalScore{
			Name:      signal.Name,
			Magnitude: magnitude,
			Weight:    signal.Weight,
		})
	}

	score := int(total)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	evaluation := &Evaluation{Score: score, Decision: engine.decide(score), Signals: scores}

	engine.logger.DebugContext(ctx, "risk scored",
		slog.String("user_id", attempt.User.ID),
		slog.Int("score", score),
		slog.String("decision", string(evaluation.Decision)))

	return evaluation
}

func (engine *Engine) decide(score int) Decision {
	switch {
	case score >= engine.cfg.DenyFloor:
		return DecisionDeny
	case score >= engine.cfg.ChallengeFloor:
		return DecisionChallenge
	default:
		return DecisionAllow
	}
}

// assemble resolves the cached aggregates and builds the immutable signal
// input.
func (engine *Engine) assemble(ctx context.Context, attempt *Attempt) *Input {
	input := &Input{
		UserID:           attempt.User.ID,
		DeviceNew:        attempt.DeviceNew,
		IP:               attempt.IP,
		RecentFailures:   attempt.RecentFailures,
		AccountCreatedAt: attempt.User.CreatedAt,
		AttemptAt:        engine.clock.Now(),
	}
	if attempt.Device != nil {
		input.DeviceTrusted = attempt.Device.TrustLevel == device.TrustTrusted
	}
	if !attempt.FailuresKnown {
		input.RecentFailuresUnknown = true
	}

	knownIPs, err := engine.knownIPs(ctx, attempt.User.ID)
	if err != nil {
		input.KnownIPsUnknown = true
		engine.logger.WarnContext(ctx, "risk aggregate unavailable",
			slog.String("aggregate", "known_ips"),
			slog.String("error", err.Error()))
	} else {
		input.KnownIPs = knownIPs
	}

	return input
}

// knownIPs loads the user's live-session source addresses through the cache.
func (engine *Engine) knownIPs(ctx context.Context, userID string) ([]string, error) {
	raw, err := engine.cache.Get(ctx, "ips:"+userID, func(ctx context.Context) ([]byte, error) {
		active, err := engine.sessions.ListActive(ctx, userID)
		if err != nil {
			return nil, err
		}

		seen := make(map[string]struct{}, len(active))
		addresses := make([]string, 0, len(active))
		for _, live := range active {
			if _, dup := seen[live.IssuedIP]; dup || live.IssuedIP == "" {
				continue
			}
			seen[live.IssuedIP] = struct{}{}
			addresses = append(addresses, live.IssuedIP)
		}
		return json.Marshal(addresses)
	})
	if errors.Is(err, cache.ErrNegative) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var addresses []string
	if err := json.Unmarshal(raw, &addresses); err != nil {
		return nil, err
	}
	return addresses, nil
}

// InvalidateUser drops the user's cached aggregates after a session change.
func (engine *Engine) InvalidateUser(ctx context.Context, userID string) {
	if err := engine.cache.Invalidate(ctx, "ips:"+userID); err != nil {
		engine.logger.WarnContext(ctx, "risk aggregate invalidation failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}
}
