// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package credential

import (
	"context"
	"time"
)

// # Credential Data Access

// Repository defines the data access contract for all credential variants.
// Secret-bearing fields arrive already sealed; the store never encrypts.
type Repository interface {

	// -- Passwords --

	/*
		FindPasswordFor returns the user's active password credential.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - *PasswordCredential: Hydrated entity
		  - error: apperr.NotFound or database errors
	*/
	FindPasswordFor(context context.Context, userID string) (*PasswordCredential, error)

	/*
		UpsertPassword installs or replaces the user's password digest,
		preserving the at-most-one invariant, and resets the failure counter.

		Parameters:
		  - context: context.Context
		  - userID: string
		  - digest: string

		Returns:
		  - error: Persistence failures
	*/
	UpsertPassword(context context.Context, userID, digest string) error

	/*
		RecordFailure increments the consecutive-failure counter and applies
		the given lockout deadline (zero deadline = no lockout yet).

		Parameters:
		  - context: context.Context
		  - userID: string
		  - lockedUntil: time.Time

		Returns:
		  - int: The new failure count
		  - error: Persistence failures
	*/
	RecordFailure(context context.Context, userID string, lockedUntil time.Time) (int, error)

	/*
		RecordSuccess clears the failure counter and any lockout deadline.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - error: Persistence failures
	*/
	RecordSuccess(context context.Context, userID string) error

	// -- WebAuthn --

	/*
		ListWebAuthnFor returns every passkey registered by the user.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - []WebAuthnCredential: May be empty
		  - error: Database errors
	*/
	ListWebAuthnFor(context context.Context, userID string) ([]WebAuthnCredential, error)

	/*
		AddWebAuthn persists a newly attested passkey.

		Parameters:
		  - context: context.Context
		  - credential: *WebAuthnCredential

		Returns:
		  - error: Conflict on duplicate credential ID, persistence failures
	*/
	AddWebAuthn(context context.Context, credential *WebAuthnCredential) error

	/*
		UpdateWebAuthnCounter stores the new signature counter after an
		accepted assertion and refreshes lastusedat.

		Parameters:
		  - context: context.Context
		  - credentialID: string
		  - signCount: uint32

		Returns:
		  - error: Persistence failures
	*/
	UpdateWebAuthnCounter(context context.Context, credentialID string, signCount uint32) error

	/*
		RemoveWebAuthn deletes one passkey.

		Parameters:
		  - context: context.Context
		  - userID: string
		  - credentialID: string

		Returns:
		  - error: Persistence failures
	*/
	RemoveWebAuthn(context context.Context, userID, credentialID string) error

	// -- TOTP --

	/*
		FindTOTPFor returns the user's primary enrollment.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - *TOTPEnrollment: Hydrated entity (sealed secret)
		  - error: apperr.NotFound or database errors
	*/
	FindTOTPFor(context context.Context, userID string) (*TOTPEnrollment, error)

	/*
		UpsertTOTP installs or replaces the primary enrollment.

		Parameters:
		  - context: context.Context
		  - enrollment: *TOTPEnrollment

		Returns:
		  - error: Persistence failures
	*/
	UpsertTOTP(context context.Context, enrollment *TOTPEnrollment) error

	/*
		ConfirmTOTP marks the enrollment as confirmed.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - error: Persistence failures
	*/
	ConfirmTOTP(context context.Context, userID string) error

	/*
		SetTOTPLastStep records the accepted time-step for replay protection.
		The update is conditional: it only moves forward.

		Parameters:
		  - context: context.Context
		  - userID: string
		  - step: int64

		Returns:
		  - bool: false when the step was not newer than the stored one
		  - error: Persistence failures
	*/
	SetTOTPLastStep(context context.Context, userID string, step int64) (bool, error)

	/*
		RedeemTOTPScratchCode removes one stored scratch-code hash,
		atomically. The removal is the one-shot claim: a hash that is
		already gone cannot be redeemed again.

		Parameters:
		  - context: context.Context
		  - userID: string
		  - codeHash: string

		Returns:
		  - bool: false when the hash was not present (already redeemed
		    or never issued)
		  - error: Persistence failures
	*/
	RedeemTOTPScratchCode(context context.Context, userID, codeHash string) (bool, error)

	/*
		RemoveTOTP deletes the enrollment.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - error: Persistence failures
	*/
	RemoveTOTP(context context.Context, userID string) error

	// -- Contact channels --

	/*
		ListChannelsFor returns the user's contact channels.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - []ContactChannel: May be empty
		  - error: Database errors
	*/
	ListChannelsFor(context context.Context, userID string) ([]ContactChannel, error)

	/*
		AddChannel persists a new (unverified) delivery address.

		Parameters:
		  - context: context.Context
		  - channel: *ContactChannel

		Returns:
		  - error: Persistence failures
	*/
	AddChannel(context context.Context, channel *ContactChannel) error

	/*
		MarkChannelVerified flips the verified flag after a proven delivery.

		Parameters:
		  - context: context.Context
		  - channelID: string

		Returns:
		  - error: Persistence failures
	*/
	MarkChannelVerified(context context.Context, channelID string) error
}
