// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"

	"github.com/taibuivan/torii/internal/audit"
	"github.com/taibuivan/torii/internal/challenge"
	"github.com/taibuivan/torii/internal/credential"
	"github.com/taibuivan/torii/internal/device"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/ratelimit"
	"github.com/taibuivan/torii/internal/platform/sec"
	"github.com/taibuivan/torii/pkg/uuidv7"
)

// # Passwordless login

// PasswordlessStart is the answer to a passwordless begin call. It looks the
// same whether or not the address maps to an account.
type PasswordlessStart struct {
	ChallengeID  string `json:"challenge_id"`
	DeliveredVia string `json:"delivered_via"`
}

/*
BeginPasswordless issues a magic-link challenge for the address.

Description: Enumeration defense: an unknown address gets a syntactically
valid challenge ID that can never verify, and the same external answer as a
known one. Delivery only happens for real accounts.

Parameters:
  - ctx: context.Context
  - email: string
  - deviceFingerprint: string
  - ip: string

Returns:
  - *PasswordlessStart: Challenge descriptor
  - error: apperr.RateLimited or issuance failures
*/
func (service *Service) BeginPasswordless(ctx context.Context, email, deviceFingerprint, ip string) (*PasswordlessStart, error) {
	normalized := identity.NormalizeEmail(email)

	limit, err := service.limiter.Allow(ctx, ratelimit.ClassMagicLinkIssue, normalized)
	if err == nil && !limit.Allowed {
		return nil, apperr.RateLimited(limit.ResetAt)
	}

	fingerprintHash := sec.HashToken(deviceFingerprint)

	user, err := service.users.FindByEmail(ctx, normalized)
	if err != nil || !user.CanAuthenticate() {
		// Fabricated descriptor: same shape, nothing stored, never verifies.
		return &PasswordlessStart{
			ChallengeID:  uuidv7.New(),
			DeliveredVia: string(credential.ChannelEmail),
		}, nil
	}

	issued, err := service.challenges.IssueMagicLink(ctx, user.ID, fingerprintHash)
	if err != nil {
		return nil, err
	}
	if err := service.messenger.SendMagicLink(ctx, user.Email, issued.ChallengeID, issued.Secret); err != nil {
		return nil, apperr.DependencyUnavailable(err)
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindMFAIssued,
		ActorID: user.ID,
		IP:      ip,
		Details: map[string]any{"variant": string(challenge.VariantMagicLink)},
	})

	return &PasswordlessStart{
		ChallengeID:  issued.ChallengeID,
		DeliveredVia: string(credential.ChannelEmail),
	}, nil
}

/*
CompletePasswordless verifies the magic link and mints a session.

Description: A magic link proves possession of the inbox, so the factor
bitset carries possession only.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - secret: string
  - deviceFingerprint: string
  - ip: string
  - userAgent: string

Returns:
  - *Outcome: success | denied | rate_limited | temporary_failure
*/
func (service *Service) CompletePasswordless(ctx context.Context, challengeID, secret, deviceFingerprint, ip, userAgent string) *Outcome {
	limit, err := service.limiter.Allow(ctx, ratelimit.ClassTOTPVerify, challengeID)
	if err == nil && !limit.Allowed {
		return rateLimitedOutcome(limit.ResetAt)
	}

	verified, err := service.challenges.VerifySecret(ctx, challengeID, secret)
	if err != nil {
		service.emit(ctx, audit.Event{
			Kind:    audit.KindMFAFailed,
			IP:      ip,
			Details: map[string]any{"variant": string(challenge.VariantMagicLink)},
		})
		return service.outcomeForError(ctx, err)
	}
	if verified.UserID == "" {
		return deniedOutcome("invalid_credential")
	}

	user, err := service.users.FindByID(ctx, verified.UserID)
	if err != nil || !user.CanAuthenticate() {
		return deniedOutcome("invalid_credential")
	}

	fingerprintHash := sec.HashToken(deviceFingerprint)
	observed, deviceNew, err := service.observeDevice(ctx, user.ID, fingerprintHash, userAgent)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindMFAVerified,
		ActorID: user.ID,
		IP:      ip,
		Details: map[string]any{"variant": string(challenge.VariantMagicLink)},
	})

	return service.finishLogin(ctx, user, observed, deviceNew, sec.FactorPossession, 0, ip, userAgent)
}

// # Step-up resolution

// MFARequest is the typed input for [Service.ResolveMFA].
type MFARequest struct {
	ChallengeID       string
	Method            challenge.Variant
	Code              string
	DeviceFingerprint string
	IP                string
	UserAgent         string
}

/*
ResolveMFA completes a pending step-up challenge.

Description: On a pass the factor bitset gains possession, the session is
minted, and the device records the explicit "remember this device"
promotion. A TOTP challenge also resolves with Method VariantRecoveryCode
and one unused scratch code, for users who lost the authenticator. All
failure shapes collapse to the same denial.

Parameters:
  - ctx: context.Context
  - request: MFARequest

Returns:
  - *Outcome: success | denied | rate_limited | temporary_failure
*/
func (service *Service) ResolveMFA(ctx context.Context, request MFARequest) *Outcome {
	limit, err := service.limiter.Allow(ctx, ratelimit.ClassTOTPVerify, request.ChallengeID)
	if err == nil && !limit.Allowed {
		return rateLimitedOutcome(limit.ResetAt)
	}

	var verified *challenge.Challenge
	switch request.Method {
	case challenge.VariantTOTP:
		verified, err = service.challenges.VerifyTOTP(ctx, request.ChallengeID, request.Code, true)
	case challenge.VariantRecoveryCode:
		verified, err = service.challenges.VerifyScratchCode(ctx, request.ChallengeID, request.Code)
	case challenge.VariantEmailCode, challenge.VariantSMSCode:
		verified, err = service.challenges.VerifySecret(ctx, request.ChallengeID, request.Code)
	default:
		return deniedOutcome("invalid_credential")
	}
	if err != nil {
		service.emit(ctx, audit.Event{
			Kind:    audit.KindMFAFailed,
			IP:      request.IP,
			Details: map[string]any{"variant": string(request.Method)},
		})
		return service.outcomeForError(ctx, err)
	}

	user, err := service.users.FindByID(ctx, verified.UserID)
	if err != nil || !user.CanAuthenticate() {
		return deniedOutcome("invalid_credential")
	}

	fingerprintHash := sec.HashToken(request.DeviceFingerprint)
	observed, deviceNew, err := service.observeDevice(ctx, user.ID, fingerprintHash, request.UserAgent)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}

	service.emit(ctx, audit.Event{
		Kind:     audit.KindMFAVerified,
		ActorID:  user.ID,
		DeviceID: observed.ID,
		IP:       request.IP,
		Details:  map[string]any{"variant": string(request.Method)},
	})

	outcome := service.finishLogin(ctx, user, observed, deviceNew,
		sec.FactorKnowledge|sec.FactorPossession, 0, request.IP, request.UserAgent)

	// A completed step-up is the explicit trust decision for this device.
	if outcome.Status == StatusSuccess {
		if err := service.devices.Promote(ctx, observed.ID, device.TrustTrusted); err != nil {
			service.logger.WarnContext(ctx, "device promotion failed")
		}
	}
	return outcome
}
