// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"log/slog"

	"github.com/taibuivan/torii/internal/audit"
	"github.com/taibuivan/torii/internal/challenge"
	"github.com/taibuivan/torii/internal/credential"
	"github.com/taibuivan/torii/internal/device"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/ratelimit"
	"github.com/taibuivan/torii/internal/platform/sec"
	"github.com/taibuivan/torii/internal/risk"
	"github.com/taibuivan/torii/internal/session"
	"github.com/taibuivan/torii/pkg/uuidv7"
)

// # Password login

// PasswordRequest is the typed input for [Service.Authenticate].
type PasswordRequest struct {
	Email             string
	Password          string
	DeviceFingerprint string
	IP                string
	UserAgent         string
}

/*
Authenticate runs the password login state machine.

Description: Rate limit, user lookup, lockout check, password verify, risk
scoring, then a three-way branch: mint, step-up, or deny. A missing user and
a wrong password take the same code path and the same hashing work. A verify
against a stale pepper version transparently re-hashes with the current
parameters.

Parameters:
  - ctx: context.Context
  - request: PasswordRequest

Returns:
  - *Outcome: success | challenge_required | denied | rate_limited |
    temporary_failure
*/
func (service *Service) Authenticate(ctx context.Context, request PasswordRequest) *Outcome {
	email := identity.NormalizeEmail(request.Email)
	limitKey := email + "|" + request.IP

	limit, err := service.limiter.Allow(ctx, ratelimit.ClassPasswordAuth, limitKey)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}
	if !limit.Allowed {
		service.emit(ctx, audit.Event{
			Kind: audit.KindRateLimited,
			IP:   request.IP,
			Details: map[string]any{
				"class": ratelimit.ClassPasswordAuth.Name,
			},
		})
		return rateLimitedOutcome(limit.ResetAt)
	}

	user, err := service.users.FindByEmail(ctx, email)
	if err != nil {
		// Burn the same hashing work a real verification would.
		failure := service.hasher.VerifyDummy(request.Password)
		service.emit(ctx, audit.Event{
			Kind:    audit.KindLoginFailed,
			IP:      request.IP,
			Details: map[string]any{"reason": "unknown_user"},
		})
		return service.outcomeForError(ctx, failure)
	}
	if !user.CanAuthenticate() {
		failure := service.hasher.VerifyDummy(request.Password)
		service.emit(ctx, audit.Event{
			Kind:    audit.KindLoginFailed,
			ActorID: user.ID,
			IP:      request.IP,
			Details: map[string]any{"reason": "account_inactive"},
		})
		return service.outcomeForError(ctx, failure)
	}

	stored, err := service.credentials.FindPasswordFor(ctx, user.ID)
	if err != nil {
		failure := service.hasher.VerifyDummy(request.Password)
		service.emit(ctx, audit.Event{
			Kind:    audit.KindLoginFailed,
			ActorID: user.ID,
			IP:      request.IP,
			Details: map[string]any{"reason": "no_password_credential"},
		})
		return service.outcomeForError(ctx, failure)
	}

	if err := service.credentials.CheckLockout(stored); err != nil {
		return service.outcomeForError(ctx, err)
	}

	rehashNeeded, err := service.hasher.Verify(request.Password, stored.Digest)
	if err != nil {
		return service.recordPasswordFailure(ctx, user, request.IP, err)
	}

	if err := service.credentials.RecordSuccess(ctx, user.ID); err != nil {
		service.logger.WarnContext(ctx, "failure counter reset failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()))
	}
	// Skip-on-success: a verified login gives the attempt slot back.
	if err := service.limiter.Forgive(ctx, ratelimit.ClassPasswordAuth, limitKey); err != nil {
		service.logger.WarnContext(ctx, "rate limit forgive failed",
			slog.String("error", err.Error()))
	}

	if rehashNeeded {
		service.rehashPassword(ctx, user.ID, request.Password)
	}

	fingerprintHash := sec.HashToken(request.DeviceFingerprint)
	observed, deviceNew, err := service.observeDevice(ctx, user.ID, fingerprintHash, request.UserAgent)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}

	evaluation := service.risk.Score(ctx, &risk.Attempt{
		User:           user,
		Device:         observed,
		DeviceNew:      deviceNew,
		IP:             request.IP,
		RecentFailures: stored.FailedAttempts,
		FailuresKnown:  true,
	})

	switch evaluation.Decision {
	case risk.DecisionDeny:
		service.emit(ctx, audit.Event{
			Kind:     audit.KindRiskDenied,
			ActorID:  user.ID,
			DeviceID: observed.ID,
			IP:       request.IP,
			Details:  map[string]any{"score": evaluation.Score},
		})
		return deniedOutcome("denied")

	case risk.DecisionChallenge:
		return service.issueStepUp(ctx, user, observed, fingerprintHash, request.IP, evaluation.Score)
	}

	return service.finishLogin(ctx, user, observed, deviceNew, sec.FactorKnowledge, evaluation.Score, request.IP, request.UserAgent)
}

// recordPasswordFailure advances the lockout state and collapses the error.
func (service *Service) recordPasswordFailure(ctx context.Context, user *identity.User, ip string, verifyErr error) *Outcome {
	deadline, err := service.credentials.RecordFailure(ctx, user.ID)
	if err != nil {
		service.logger.WarnContext(ctx, "failure recording failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()))
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindLoginFailed,
		ActorID: user.ID,
		IP:      ip,
		Details: map[string]any{"reason": "verification_failed"},
	})
	if !deadline.IsZero() {
		service.emit(ctx, audit.Event{
			Kind:    audit.KindAccountLocked,
			ActorID: user.ID,
			IP:      ip,
			Details: map[string]any{"locked_until": deadline},
		})
	}

	return service.outcomeForError(ctx, verifyErr)
}

// rehashPassword upgrades a digest verified against a retired pepper. Best
// effort: the login already succeeded.
func (service *Service) rehashPassword(ctx context.Context, userID, password string) {
	digest, err := service.hasher.Hash(password)
	if err == nil {
		err = service.credentials.SetPassword(ctx, userID, digest)
	}
	if err != nil {
		service.logger.WarnContext(ctx, "password rehash failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return
	}
	service.logger.InfoContext(ctx, "password digest upgraded",
		slog.String("user_id", userID))
}

// issueStepUp picks the strongest enrolled second factor and issues its
// challenge.
func (service *Service) issueStepUp(ctx context.Context, user *identity.User, observed *device.Device, fingerprintHash, ip string, score int) *Outcome {
	pending, err := service.buildStepUp(ctx, user, fingerprintHash)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}

	service.emit(ctx, audit.Event{
		Kind:     audit.KindMFAIssued,
		ActorID:  user.ID,
		DeviceID: observed.ID,
		IP:       ip,
		Details:  map[string]any{"variant": string(pending.Variant), "score": score},
	})

	return challengeOutcome(pending)
}

// buildStepUp prefers a confirmed TOTP enrollment, then a verified email
// channel.
func (service *Service) buildStepUp(ctx context.Context, user *identity.User, fingerprintHash string) (*PendingChallenge, error) {
	if enrollment, err := service.credentials.FindTOTPFor(ctx, user.ID); err == nil && enrollment.Confirmed {
		issued, err := service.challenges.IssueTOTP(ctx, user.ID, fingerprintHash)
		if err != nil {
			return nil, err
		}
		return &PendingChallenge{
			ID:        issued.ChallengeID,
			Variant:   challenge.VariantTOTP,
			ExpiresAt: issued.ExpiresAt,
		}, nil
	}

	issued, err := service.challenges.IssueCode(ctx, challenge.VariantEmailCode, user.ID, fingerprintHash)
	if err != nil {
		return nil, err
	}
	if err := service.messenger.SendCode(ctx, credential.ChannelEmail, user.Email, issued.Secret); err != nil {
		return nil, apperr.DependencyUnavailable(err)
	}

	return &PendingChallenge{
		ID:           issued.ChallengeID,
		Variant:      challenge.VariantEmailCode,
		DeliveredVia: string(credential.ChannelEmail),
		ExpiresAt:    issued.ExpiresAt,
	}, nil
}

// finishLogin mints the session and applies the slow trust bump for devices
// that keep authenticating successfully.
func (service *Service) finishLogin(ctx context.Context, user *identity.User, observed *device.Device, deviceNew bool, factors sec.Factors, score int, ip, userAgent string) *Outcome {
	tokens, live, err := service.issueSession(ctx, user, observed, factors, score, ip, userAgent)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}

	if !deviceNew && observed != nil && observed.TrustLevel == device.TrustNew {
		if err := service.devices.Promote(ctx, observed.ID, device.TrustRecognized); err != nil {
			service.logger.WarnContext(ctx, "device promotion failed",
				slog.String("device_id", observed.ID),
				slog.String("error", err.Error()))
		}
	}

	service.emit(ctx, audit.Event{
		Kind:     audit.KindLoginSucceeded,
		ActorID:  user.ID,
		DeviceID: live.DeviceID,
		IP:       ip,
		Details:  map[string]any{"session_id": live.ID, "factors": int(factors)},
	})

	return successOutcome(tokens, user, factors)
}

// # Registration

// SignUpRequest is the typed input for [Service.SignUp].
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
	IP          string
}

/*
SignUp registers a new account and starts email verification.

Description: The account is created inactive-verified: it can authenticate,
but the email stays unverified until the magic-link challenge issued here is
completed. A duplicate email surfaces as Conflict.

Parameters:
  - ctx: context.Context
  - request: SignUpRequest

Returns:
  - *identity.User: The created principal
  - string: Verification challenge ID
  - error: apperr.Conflict, apperr.Validation, or persistence failures
*/
func (service *Service) SignUp(ctx context.Context, request SignUpRequest) (*identity.User, string, error) {
	limit, err := service.limiter.Allow(ctx, ratelimit.ClassGenericWrite, request.IP)
	if err == nil && !limit.Allowed {
		return nil, "", apperr.RateLimited(limit.ResetAt)
	}

	digest, err := service.hasher.Hash(request.Password)
	if err != nil {
		return nil, "", err
	}

	user := &identity.User{
		ID:          uuidv7.New(),
		Email:       identity.NormalizeEmail(request.Email),
		DisplayName: request.DisplayName,
		Status:      identity.StatusActive,
	}
	if err := service.withRetry(ctx, func() error {
		return service.users.Create(ctx, user)
	}); err != nil {
		return nil, "", err
	}

	if err := service.credentials.SetPassword(ctx, user.ID, digest); err != nil {
		return nil, "", err
	}
	if _, err := service.credentials.AddChannel(ctx, user.ID, credential.ChannelEmail, user.Email); err != nil {
		return nil, "", err
	}

	challengeID, err := service.sendEmailVerification(ctx, user)
	if err != nil {
		return nil, "", err
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindAccountRegistered,
		ActorID: user.ID,
		IP:      request.IP,
	})

	return user, challengeID, nil
}

// sendEmailVerification issues a magic-link challenge proving the address.
func (service *Service) sendEmailVerification(ctx context.Context, user *identity.User) (string, error) {
	issued, err := service.challenges.IssueMagicLink(ctx, user.ID, "")
	if err != nil {
		return "", err
	}
	if err := service.messenger.SendMagicLink(ctx, user.Email, issued.ChallengeID, issued.Secret); err != nil {
		return "", apperr.DependencyUnavailable(err)
	}
	return issued.ChallengeID, nil
}

/*
VerifyEmail completes the registration magic link.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - secret: string

Returns:
  - error: apperr.InvalidCredential or terminal challenge errors
*/
func (service *Service) VerifyEmail(ctx context.Context, challengeID, secret string) error {
	verified, err := service.challenges.VerifySecret(ctx, challengeID, secret)
	if err != nil {
		return err
	}
	if verified.UserID == "" {
		return apperr.InvalidCredential()
	}

	if err := service.users.MarkEmailVerified(ctx, verified.UserID); err != nil {
		return err
	}

	channels, err := service.credentials.ListChannelsFor(ctx, verified.UserID)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		if channel.Kind == credential.ChannelEmail && !channel.Verified {
			if err := service.credentials.MarkChannelVerified(ctx, channel.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// # Password lifecycle

/*
ChangePassword replaces the password and invalidates every outstanding
session and token.

Parameters:
  - ctx: context.Context
  - userID: string
  - current: string (the present password, verified first)
  - next: string

Returns:
  - error: apperr.InvalidCredential when current does not verify
*/
func (service *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	stored, err := service.credentials.FindPasswordFor(ctx, userID)
	if err != nil {
		return service.hasher.VerifyDummy(current)
	}
	if err := service.credentials.CheckLockout(stored); err != nil {
		return err
	}
	if _, err := service.hasher.Verify(current, stored.Digest); err != nil {
		return err
	}

	digest, err := service.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := service.credentials.SetPassword(ctx, userID, digest); err != nil {
		return err
	}

	return service.revokeEverything(ctx, userID, session.ReasonPasswordReset)
}

/*
BeginPasswordReset issues a reset magic link for the address, revealing
nothing about account existence.

Parameters:
  - ctx: context.Context
  - email: string
  - ip: string

Returns:
  - error: Rate limit or delivery failures only; an unknown address is not an
    error
*/
func (service *Service) BeginPasswordReset(ctx context.Context, email, ip string) error {
	normalized := identity.NormalizeEmail(email)

	limit, err := service.limiter.Allow(ctx, ratelimit.ClassMagicLinkIssue, normalized)
	if err == nil && !limit.Allowed {
		return apperr.RateLimited(limit.ResetAt)
	}

	user, err := service.users.FindByEmail(ctx, normalized)
	if err != nil {
		// Same external answer as the known-address path.
		return nil
	}

	_, err = service.sendEmailVerification(ctx, user)
	return err
}

/*
CompletePasswordReset proves the magic link and installs the new password.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - secret: string
  - newPassword: string

Returns:
  - error: apperr.InvalidCredential or terminal challenge errors
*/
func (service *Service) CompletePasswordReset(ctx context.Context, challengeID, secret, newPassword string) error {
	verified, err := service.challenges.VerifySecret(ctx, challengeID, secret)
	if err != nil {
		return err
	}
	if verified.UserID == "" {
		return apperr.InvalidCredential()
	}

	digest, err := service.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := service.credentials.SetPassword(ctx, verified.UserID, digest); err != nil {
		return err
	}

	return service.revokeEverything(ctx, verified.UserID, session.ReasonPasswordReset)
}
