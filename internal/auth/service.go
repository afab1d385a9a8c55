// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package auth implements the authentication orchestrator: the state machines
that compose the hasher, keystore, token service, cache, rate limiter,
session store, credential registry, challenge broker, risk engine, and audit
emitter into complete login, refresh, step-up, and logout flows.

The orchestrator is transport-agnostic. Every operation takes typed inputs
and returns an [Outcome]; the HTTP layer only decodes and encodes.

# Failure semantics

Internal errors collapse to a small set of coarse outcomes. User-missing and
password-wrong take the same code path and the same time. Transient store
errors are retried once with jitter before surfacing as a temporary failure.
*/
package auth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/taibuivan/torii/internal/audit"
	"github.com/taibuivan/torii/internal/challenge"
	"github.com/taibuivan/torii/internal/credential"
	"github.com/taibuivan/torii/internal/device"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/cache"
	"github.com/taibuivan/torii/internal/platform/ctxutil"
	"github.com/taibuivan/torii/internal/platform/ratelimit"
	"github.com/taibuivan/torii/internal/platform/sec"
	"github.com/taibuivan/torii/internal/risk"
	"github.com/taibuivan/torii/internal/session"
	"github.com/taibuivan/torii/pkg/uuidv7"
)

// # Collaborators

// Messenger is the out-of-band delivery sink. Implementations send; the
// orchestrator never sees transport details.
type Messenger interface {

	/*
		SendMagicLink delivers a login link to an email address.

		Parameters:
		  - context: context.Context
		  - address: string
		  - challengeID: string
		  - secret: string (raw; never logged)

		Returns:
		  - error: Delivery failures
	*/
	SendMagicLink(context context.Context, address, challengeID, secret string) error

	/*
		SendCode delivers a short verification code.

		Parameters:
		  - context: context.Context
		  - kind: credential.ChannelKind
		  - address: string
		  - code: string (raw; never logged)

		Returns:
		  - error: Delivery failures
	*/
	SendCode(context context.Context, kind credential.ChannelKind, address, code string) error
}

// # Options

// Options are the orchestrator's tunables, populated from configuration.
type Options struct {
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	AbsoluteSessionLifetime time.Duration

	// SecurityVersionTTL bounds how stale a cached security version may be.
	// The access-token TTL must exceed it.
	SecurityVersionTTL time.Duration
}

// # Service

// Service is the authentication orchestrator.
type Service struct {
	opts Options

	users       identity.UserRepository
	devices     device.Repository
	sessions    session.Repository
	credentials *credential.Registry
	challenges  *challenge.Broker

	hasher *sec.Hasher
	tokens *sec.TokenService

	limiter *ratelimit.Limiter
	risk    *risk.Engine
	// versions caches per-user security versions for token validation.
	versions *cache.Cache

	events    *audit.Emitter
	messenger Messenger

	clock  clockwork.Clock
	logger *slog.Logger
}

// Dependencies bundles the collaborators for [NewService].
type Dependencies struct {
	Users       identity.UserRepository
	Devices     device.Repository
	Sessions    session.Repository
	Credentials *credential.Registry
	Challenges  *challenge.Broker
	Hasher      *sec.Hasher
	Tokens      *sec.TokenService
	Limiter     *ratelimit.Limiter
	Risk        *risk.Engine
	Versions    *cache.Cache
	Events      *audit.Emitter
	Messenger   Messenger
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// NewService creates the orchestrator [Service].
func NewService(opts Options, deps Dependencies) *Service {
	return &Service{
		opts:        opts,
		users:       deps.Users,
		devices:     deps.Devices,
		sessions:    deps.Sessions,
		credentials: deps.Credentials,
		challenges:  deps.Challenges,
		hasher:      deps.Hasher,
		tokens:      deps.Tokens,
		limiter:     deps.Limiter,
		risk:        deps.Risk,
		versions:    deps.Versions,
		events:      deps.Events,
		messenger:   deps.Messenger,
		clock:       deps.Clock,
		logger:      deps.Logger.With(slog.String("component", "auth_service")),
	}
}

// # Shared machinery

// withRetry runs a mutation, retrying exactly once with jitter when the
// failure is transient.
func (service *Service) withRetry(ctx context.Context, operation func() error) error {
	err := operation()
	if err == nil || !apperr.HasCode(err, apperr.CodeTemporaryFailure) {
		return err
	}

	jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
	select {
	case <-service.clock.After(50*time.Millisecond + jitter):
	case <-ctx.Done():
		return err
	}

	return operation()
}

// observeDevice records the fingerprint observation and reports whether this
// device is new for the user.
func (service *Service) observeDevice(ctx context.Context, userID, fingerprintHash, userAgent string) (*device.Device, bool, error) {
	known, err := service.devices.FindByFingerprint(ctx, userID, fingerprintHash)
	if err == nil {
		observed := *known
		observed.UserAgent = userAgent
		if err := service.devices.Observe(ctx, &observed); err != nil {
			return nil, false, err
		}
		return known, false, nil
	}
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		return nil, false, err
	}

	fresh := &device.Device{
		ID:              uuidv7.New(),
		UserID:          userID,
		FingerprintHash: fingerprintHash,
		UserAgent:       userAgent,
		TrustLevel:      device.TrustNew,
	}
	if err := service.devices.Observe(ctx, fresh); err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

// issueSession mints the token pair and persists the backing session.
func (service *Service) issueSession(ctx context.Context, user *identity.User, observed *device.Device, factors sec.Factors, riskScore int, ip, userAgent string) (*Tokens, *session.Session, error) {
	refreshRaw, refreshHash, err := sec.NewRefreshSecret()
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}

	now := service.clock.Now()
	live := &session.Session{
		ID:                uuidv7.New(),
		UserID:            user.ID,
		FamilyID:          uuidv7.New(),
		RefreshHash:       refreshHash,
		Factors:           factors,
		RiskScore:         riskScore,
		IssuedIP:          ip,
		UserAgent:         userAgent,
		CreatedAt:         now,
		LastSeenAt:        now,
		RefreshExpiresAt:  now.Add(service.opts.RefreshTokenTTL),
		AbsoluteExpiresAt: now.Add(service.opts.AbsoluteSessionLifetime),
	}
	if live.RefreshExpiresAt.After(live.AbsoluteExpiresAt) {
		live.RefreshExpiresAt = live.AbsoluteExpiresAt
	}
	if observed != nil {
		live.DeviceID = observed.ID
	}

	if err := service.withRetry(ctx, func() error {
		return service.sessions.Create(ctx, live)
	}); err != nil {
		return nil, nil, err
	}

	access, err := service.tokens.MintAccessToken(user.ID, live.ID, live.DeviceID,
		factors, user.SecurityVersion, service.opts.AccessTokenTTL)
	if err != nil {
		return nil, nil, err
	}

	service.emit(ctx, audit.Event{
		Kind:     audit.KindTokenMinted,
		ActorID:  user.ID,
		DeviceID: live.DeviceID,
		IP:       ip,
		Details:  map[string]any{"session_id": live.ID, "factors": int(factors)},
	})

	return &Tokens{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(service.opts.AccessTokenTTL),
		RefreshToken:     refreshRaw,
		RefreshExpiresAt: live.RefreshExpiresAt,
	}, live, nil
}

// currentSecurityVersion reads the user's security version through the cache
// with bounded staleness.
func (service *Service) currentSecurityVersion(ctx context.Context, userID string) (int, error) {
	raw, err := service.versions.Get(ctx, "sv:"+userID, func(ctx context.Context) ([]byte, error) {
		version, err := service.users.SecurityVersionOf(ctx, userID)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.Itoa(version)), nil
	})
	if err != nil {
		return 0, err
	}

	version, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, apperr.InvariantViolation("cached security version corrupt", err)
	}
	return version, nil
}

// invalidateSecurityVersion drops the cached version after a bump so the new
// value is visible immediately on this instance.
func (service *Service) invalidateSecurityVersion(ctx context.Context, userID string) {
	if err := service.versions.Invalidate(ctx, "sv:"+userID); err != nil {
		service.logger.WarnContext(ctx, "security version invalidation failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}
}

// emit forwards an event with the request correlation ID attached.
func (service *Service) emit(ctx context.Context, event audit.Event) {
	if event.CorrelationID == "" {
		event.CorrelationID = ctxutil.GetRequestID(ctx)
	}
	service.events.Emit(ctx, event)
}

// outcomeForError maps terminal flow errors onto coarse outcomes. Transient
// and unexpected errors become a temporary failure.
func (service *Service) outcomeForError(ctx context.Context, err error) *Outcome {
	var failure *apperr.AppError
	if !errors.As(err, &failure) {
		service.logger.ErrorContext(ctx, "authentication flow failed",
			slog.String("error", err.Error()))
		return temporaryFailureOutcome()
	}

	switch failure.Code {
	case apperr.CodeAccountLocked:
		return lockedOutcome(failure.RetryAt)
	case apperr.CodeRateLimited:
		return rateLimitedOutcome(failure.RetryAt)
	case apperr.CodeTemporaryFailure, apperr.CodeDependencyDown, apperr.CodeServiceUnavailable:
		return temporaryFailureOutcome()
	case apperr.CodeInvalidCredential,
		apperr.CodeChallengeExpired, apperr.CodeChallengeConsumed, apperr.CodeChallengeExhausted:
		// Enumeration defense: all credential and challenge failures look
		// identical from the outside.
		return deniedOutcome("invalid_credential")
	case apperr.CodeRefreshReused, apperr.CodeRefreshExpired, apperr.CodeRefreshUnknown,
		apperr.CodeTokenExpired, apperr.CodeTokenSignature, apperr.CodeTokenRevoked:
		return deniedOutcome("invalid_token")
	case apperr.CodeRiskDenied:
		return deniedOutcome("denied")
	default:
		service.logger.ErrorContext(ctx, "authentication flow failed",
			slog.String("code", string(failure.Code)))
		return temporaryFailureOutcome()
	}
}
