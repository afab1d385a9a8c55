// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"time"

	"github.com/taibuivan/torii/internal/audit"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/constants"
)

// # Authenticator-app enrollment

// TOTPEnrollment is the one-time provisioning material handed to the user at
// enrollment. The provisioning URI and scratch codes appear here exactly
// once; only sealed and hashed forms survive in storage.
type TOTPEnrollment struct {
	ChallengeID     string    `json:"challenge_id"`
	ProvisioningURI string    `json:"provisioning_uri"`
	ScratchCodes    []string  `json:"scratch_codes"`
	ExpiresAt       time.Time `json:"expires_at"`
}

/*
EnrollTOTP starts an authenticator-app enrollment.

Description: Generates a fresh shared secret, stores it sealed and
unconfirmed, and opens the confirmation ceremony. The enrollment counts as an
MFA method only after [Service.ConfirmTOTP] proves the user captured the
secret. Re-enrolling replaces any previous enrollment and starts unconfirmed
again.

Parameters:
  - ctx: context.Context
  - userID: string

Returns:
  - *TOTPEnrollment: Provisioning material and the confirmation challenge
  - error: apperr.NotFound or generation failures
*/
func (service *Service) EnrollTOTP(ctx context.Context, userID string) (*TOTPEnrollment, error) {
	user, err := service.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, err := service.credentials.EnrollTOTP(ctx, user.ID, user.Email, constants.TOTPIssuer)
	if err != nil {
		return nil, err
	}

	issued, err := service.challenges.IssueTOTP(ctx, user.ID, "")
	if err != nil {
		return nil, err
	}

	return &TOTPEnrollment{
		ChallengeID:     issued.ChallengeID,
		ProvisioningURI: result.ProvisioningURI,
		ScratchCodes:    result.ScratchCodes,
		ExpiresAt:       issued.ExpiresAt,
	}, nil
}

/*
ConfirmTOTP proves the enrollment with one valid code and activates it.

Description: Activation is an MFA change, so the per-user security version
is bumped: access tokens minted before the confirmation stop verifying.

Parameters:
  - ctx: context.Context
  - userID: string
  - challengeID: string
  - code: string

Returns:
  - error: apperr.InvalidCredential on a wrong code or a challenge that
    belongs to someone else
*/
func (service *Service) ConfirmTOTP(ctx context.Context, userID, challengeID, code string) error {
	verified, err := service.challenges.VerifyTOTP(ctx, challengeID, code, false)
	if err != nil {
		return err
	}
	if verified.UserID != userID {
		return apperr.InvalidCredential()
	}

	if err := service.credentials.ConfirmTOTP(ctx, userID); err != nil {
		return err
	}
	if err := service.bumpSecurityVersion(ctx, userID); err != nil {
		return err
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindCredentialAdded,
		ActorID: userID,
		Details: map[string]any{"kind": "totp"},
	})
	return nil
}

/*
RemoveTOTP deletes the enrollment and records the removal. The security
version is bumped so outstanding access tokens stop verifying.

Parameters:
  - ctx: context.Context
  - userID: string

Returns:
  - error: Persistence failures
*/
func (service *Service) RemoveTOTP(ctx context.Context, userID string) error {
	if err := service.credentials.RemoveTOTP(ctx, userID); err != nil {
		return err
	}
	if err := service.bumpSecurityVersion(ctx, userID); err != nil {
		return err
	}

	service.emit(ctx, audit.Event{
		Kind:    audit.KindCredentialRemoved,
		ActorID: userID,
		Details: map[string]any{"kind": "totp"},
	})
	return nil
}
