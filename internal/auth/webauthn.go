// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"io"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/taibuivan/torii/internal/audit"
	"github.com/taibuivan/torii/internal/challenge"
	"github.com/taibuivan/torii/internal/credential"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/ratelimit"
	"github.com/taibuivan/torii/internal/platform/sec"
)

// # Passkey registration

/*
BeginWebAuthnRegister opens a passkey registration ceremony for an
authenticated user.

Parameters:
  - ctx: context.Context
  - userID: string
  - deviceFingerprint: string

Returns:
  - *protocol.CredentialCreation: Browser ceremony options
  - string: Challenge ID for the finish call
  - error: apperr.NotFound or ceremony failures
*/
func (service *Service) BeginWebAuthnRegister(ctx context.Context, userID, deviceFingerprint string) (*protocol.CredentialCreation, string, error) {
	user, err := service.users.FindByID(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	return service.challenges.BeginWebAuthnRegistration(ctx, user, sec.HashToken(deviceFingerprint))
}

/*
CompleteWebAuthnRegister validates the attestation and stores the passkey.

Description: Adding a passkey is an MFA change, so the per-user security
version is bumped: access tokens minted before the registration stop
verifying.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - userID: string
  - attestation: io.Reader (browser response JSON)
  - nickname: string

Returns:
  - *credential.WebAuthnCredential: The stored passkey
  - error: apperr.InvalidCredential or terminal challenge errors
*/
func (service *Service) CompleteWebAuthnRegister(ctx context.Context, challengeID, userID string, attestation io.Reader, nickname string) (*credential.WebAuthnCredential, error) {
	user, err := service.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	stored, err := service.challenges.FinishWebAuthnRegistration(ctx, challengeID, user, attestation, nickname)
	if err != nil {
		return nil, err
	}
	if err := service.bumpSecurityVersion(ctx, user.ID); err != nil {
		return nil, err
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindCredentialAdded,
		ActorID: user.ID,
		Details: map[string]any{"kind": "webauthn", "credential_id": stored.ID},
	})

	return stored, nil
}

/*
RemoveWebAuthnCredential deletes a passkey and records the removal. The
security version is bumped so outstanding access tokens stop verifying.

Parameters:
  - ctx: context.Context
  - userID: string
  - credentialID: string

Returns:
  - error: Persistence failures
*/
func (service *Service) RemoveWebAuthnCredential(ctx context.Context, userID, credentialID string) error {
	if err := service.credentials.RemoveWebAuthn(ctx, userID, credentialID); err != nil {
		return err
	}
	if err := service.bumpSecurityVersion(ctx, userID); err != nil {
		return err
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindCredentialRemoved,
		ActorID: userID,
		Details: map[string]any{"kind": "webauthn", "credential_id": credentialID},
	})
	return nil
}

// # Passkey login

/*
BeginWebAuthnLogin opens an assertion ceremony for the address.

Description: An unknown address and an account with no passkeys produce the
same error.

Parameters:
  - ctx: context.Context
  - email: string
  - deviceFingerprint: string

Returns:
  - *protocol.CredentialAssertion: Browser ceremony options
  - string: Challenge ID for the finish call
  - error: apperr.InvalidCredential or ceremony failures
*/
func (service *Service) BeginWebAuthnLogin(ctx context.Context, email, deviceFingerprint string) (*protocol.CredentialAssertion, string, error) {
	user, err := service.users.FindByEmail(ctx, identity.NormalizeEmail(email))
	if err != nil || !user.CanAuthenticate() {
		return nil, "", apperr.InvalidCredential()
	}

	return service.challenges.BeginWebAuthnLogin(ctx, user, sec.HashToken(deviceFingerprint))
}

/*
CompleteWebAuthnLogin validates the assertion and mints a session.

Description: A user-verifying platform assertion carries both possession and
inherence, so a passkey login needs no further step-up.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - email: string
  - assertion: io.Reader (browser response JSON)
  - deviceFingerprint: string
  - ip: string
  - userAgent: string

Returns:
  - *Outcome: success | denied | rate_limited | temporary_failure
*/
func (service *Service) CompleteWebAuthnLogin(ctx context.Context, challengeID, email string, assertion io.Reader, deviceFingerprint, ip, userAgent string) *Outcome {
	limit, err := service.limiter.Allow(ctx, ratelimit.ClassTOTPVerify, challengeID)
	if err == nil && !limit.Allowed {
		return rateLimitedOutcome(limit.ResetAt)
	}

	user, err := service.users.FindByEmail(ctx, identity.NormalizeEmail(email))
	if err != nil || !user.CanAuthenticate() {
		return deniedOutcome("invalid_credential")
	}

	credentialID, err := service.challenges.FinishWebAuthnLogin(ctx, challengeID, user, assertion)
	if err != nil {
		service.emit(ctx, audit.Event{
			Kind:    audit.KindMFAFailed,
			ActorID: user.ID,
			IP:      ip,
			Details: map[string]any{"variant": string(challenge.VariantWebAuthnGet)},
		})
		return service.outcomeForError(ctx, err)
	}

	fingerprintHash := sec.HashToken(deviceFingerprint)
	observed, deviceNew, err := service.observeDevice(ctx, user.ID, fingerprintHash, userAgent)
	if err != nil {
		return service.outcomeForError(ctx, err)
	}

	service.emit(ctx, audit.Event{
		Kind:     audit.KindMFAVerified,
		ActorID:  user.ID,
		DeviceID: observed.ID,
		IP:       ip,
		Details: map[string]any{
			"variant":       string(challenge.VariantWebAuthnGet),
			"credential_id": credentialID,
		},
	})

	return service.finishLogin(ctx, user, observed, deviceNew,
		sec.FactorPossession|sec.FactorInherence, 0, ip, userAgent)
}
