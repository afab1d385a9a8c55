// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/taibuivan/torii/internal/audit"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/ratelimit"
	"github.com/taibuivan/torii/internal/platform/sec"
	"github.com/taibuivan/torii/internal/session"
)

// # Refresh

/*
Refresh rotates a refresh token and mints a fresh token pair.

Description: Exactly one of two things happens for any presented token: the
family rotates once, or the request is rejected. Reuse of a superseded token
is theft evidence: the store revokes the whole family before answering and a
critical event is emitted here. The refresh window slides forward but never
past the session's absolute lifetime.

Parameters:
  - ctx: context.Context
  - refreshToken: string (raw, as delivered to the client)
  - ip: string
  - userAgent: string

Returns:
  - *Outcome: success | denied | rate_limited | temporary_failure
*/
func (service *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) *Outcome {
	if !sec.IsRefreshSecret(refreshToken) {
		return deniedOutcome("invalid_token")
	}

	presentedHash := sec.HashToken(refreshToken)

	limit, err := service.limiter.Allow(ctx, ratelimit.ClassRefresh, presentedHash)
	if err == nil && !limit.Allowed {
		return rateLimitedOutcome(limit.ResetAt)
	}

	newRaw, newHash, err := sec.NewRefreshSecret()
	if err != nil {
		return service.outcomeForError(ctx, apperr.Internal(err))
	}

	newExpiry := service.clock.Now().Add(service.opts.RefreshTokenTTL)

	var rotated *session.Session
	err = service.withRetry(ctx, func() error {
		var rotateErr error
		rotated, rotateErr = service.sessions.RotateRefresh(ctx, presentedHash, newHash, newExpiry)
		return rotateErr
	})
	if err != nil {
		if apperr.HasCode(err, apperr.CodeRefreshReused) {
			service.emit(ctx, audit.Event{
				Kind:    audit.KindRefreshReused,
				IP:      ip,
				Details: map[string]any{"reason": "superseded_token_presented"},
			})
		}
		return service.outcomeForError(ctx, err)
	}

	user, err := service.users.FindByID(ctx, rotated.UserID)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}
	if !user.CanAuthenticate() {
		if err := service.sessions.Revoke(ctx, rotated.ID, session.ReasonAdminRevoke); err != nil {
			service.logger.WarnContext(ctx, "session revoke failed",
				slog.String("session_id", rotated.ID),
				slog.String("error", err.Error()))
		}
		return deniedOutcome("invalid_token")
	}

	access, err := service.tokens.MintAccessToken(user.ID, rotated.ID, rotated.DeviceID,
		rotated.Factors, user.SecurityVersion, service.opts.AccessTokenTTL)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}

	service.emit(ctx, audit.Event{
		Kind:     audit.KindTokenRefreshed,
		ActorID:  user.ID,
		DeviceID: rotated.DeviceID,
		IP:       ip,
		Details: map[string]any{
			"session_id": rotated.ID,
			"generation": rotated.Generation,
		},
	})

	now := service.clock.Now()
	return successOutcome(&Tokens{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(service.opts.AccessTokenTTL),
		RefreshToken:     newRaw,
		RefreshExpiresAt: rotated.RefreshExpiresAt,
	}, user, rotated.Factors)
}

// # Validation

// Identity is the validated principal extracted from an access token.
type Identity struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	DeviceID  string      `json:"device_id,omitempty"`
	Factors   sec.Factors `json:"-"`
	ExpiresAt time.Time   `json:"expires_at"`
}

/*
ValidateAccessToken checks signature, expiry, and revocation state.

Description: Revocation is enforced through the per-user security version,
read through the cache with bounded staleness. A token whose embedded
version lags the current one fails with TokenRevoked regardless of its
expiry.

Parameters:
  - ctx: context.Context
  - token: string

Returns:
  - *Identity: The validated principal
  - error: apperr.TokenExpired / TokenSignature / TokenRevoked, or
    apperr.TemporaryFailure when the version cannot be read at all
*/
func (service *Service) ValidateAccessToken(ctx context.Context, token string) (*Identity, error) {
	claims, err := service.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	return &Identity{
		UserID:    claims.UserID(),
		SessionID: claims.SessionID,
		DeviceID:  claims.DeviceID,
		Factors:   claims.Factors,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

/*
VerifyToken performs the full access-token check and returns the raw claims.
It satisfies the middleware's TokenVerifier contract; handlers that want a
typed principal use [Service.ValidateAccessToken] instead.

Parameters:
  - ctx: context.Context
  - token: string

Returns:
  - *sec.AuthClaims: The verified claims
  - error: Same failure set as [Service.ValidateAccessToken]
*/
func (service *Service) VerifyToken(ctx context.Context, token string) (*sec.AuthClaims, error) {
	claims, err := service.tokens.ParseAccessToken(token)
	if err != nil {
		return nil, err
	}

	current, err := service.currentSecurityVersion(ctx, claims.UserID())
	if err != nil {
		return nil, apperr.TemporaryFailure(err)
	}
	if claims.SecurityVersion != current {
		return nil, apperr.TokenRevoked()
	}
	return claims, nil
}

// # Logout

/*
Logout revokes one session.

Parameters:
  - ctx: context.Context
  - sessionID: string

Returns:
  - error: Persistence failures
*/
func (service *Service) Logout(ctx context.Context, sessionID string) error {
	if err := service.withRetry(ctx, func() error {
		return service.sessions.Revoke(ctx, sessionID, session.ReasonLogout)
	}); err != nil {
		return err
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindSessionRevoked,
		Details: map[string]any{"session_id": sessionID, "reason": string(session.ReasonLogout)},
	})
	return nil
}

/*
LogoutAll revokes every session of the user and invalidates all outstanding
access tokens via the security-version bump.

Parameters:
  - ctx: context.Context
  - userID: string

Returns:
  - int: Number of sessions revoked
  - error: Persistence failures
*/
func (service *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	count, err := service.revokeSessions(ctx, userID, session.ReasonLogoutAll)
	if err != nil {
		return 0, err
	}
	return count, service.bumpSecurityVersion(ctx, userID)
}

// revokeEverything is the shared teardown after a password change or reset.
func (service *Service) revokeEverything(ctx context.Context, userID string, reason session.Reason) error {
	if _, err := service.revokeSessions(ctx, userID, reason); err != nil {
		return err
	}
	return service.bumpSecurityVersion(ctx, userID)
}

func (service *Service) revokeSessions(ctx context.Context, userID string, reason session.Reason) (int, error) {
	var count int
	err := service.withRetry(ctx, func() error {
		var revokeErr error
		count, revokeErr = service.sessions.RevokeAllForUser(ctx, userID, reason)
		return revokeErr
	})
	if err != nil {
		return 0, err
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindSessionRevoked,
		ActorID: userID,
		Details: map[string]any{"count": count, "reason": string(reason)},
	})
	return count, nil
}

func (service *Service) bumpSecurityVersion(ctx context.Context, userID string) error {
	if _, err := service.users.BumpSecurityVersion(ctx, userID); err != nil {
		return err
	}

	service.invalidateSecurityVersion(ctx, userID)
	service.risk.InvalidateUser(ctx, userID)
	return nil
}

// # Session maintenance

/*
ListSessions returns the user's live sessions.

Parameters:
  - ctx: context.Context
  - userID: string

Returns:
  - []session.Session: May be empty
  - error: Database errors
*/
func (service *Service) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	return service.sessions.ListActive(ctx, userID)
}

/*
ReapSessions removes dead sessions. Run periodically from the maintenance
loop, never from the request path.

Parameters:
  - ctx: context.Context
  - revokedRetention: time.Duration

Returns:
  - int: Rows removed
  - error: Cleanup failures
*/
func (service *Service) ReapSessions(ctx context.Context, revokedRetention time.Duration) (int, error) {
	removed, err := service.sessions.Reap(ctx, revokedRetention)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		service.logger.InfoContext(ctx, "sessions reaped", slog.Int("removed", removed))
	}
	return removed, nil
}
