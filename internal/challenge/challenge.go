// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package challenge implements the one-shot challenge broker: issuance, storage,
and verification of step-up and passwordless proofs.

Variants:

  - magic-link: high-entropy secret delivered out of band; hash stored.
  - email-code / sms-code: short numeric code with a bounded attempt budget.
  - totp: reference to the user's enrollment; the code is computed, not stored.
    A totp ceremony also accepts a one-shot scratch code when the user lost
    the authenticator.
  - webauthn-get / webauthn-create: ceremony session data for assertion and
    attestation.

# Single use

A challenge is consumed at most once. Consumption and attempt accounting are
serialized in the ephemeral store (Lua scripts run atomically per challenge
ID), so the first successful verifier wins and every later one is told the
challenge is gone. Expiry, consumption, and exhaustion all collapse to the
same client-visible answer.
*/
package challenge

import (
	"context"
	"time"
)

// # Variants

// Variant discriminates challenge kinds.
type Variant string

const (
	VariantMagicLink      Variant = "magic-link"
	VariantEmailCode      Variant = "email-code"
	VariantSMSCode        Variant = "sms-code"
	VariantTOTP           Variant = "totp"
	VariantRecoveryCode   Variant = "recovery-code"
	VariantWebAuthnGet    Variant = "webauthn-get"
	VariantWebAuthnCreate Variant = "webauthn-create"
)

// # Domain Entities

// Challenge is one pending one-shot proof.
type Challenge struct {
	ID      string  `json:"id"`
	Variant Variant `json:"variant"`

	// UserID is empty for anonymous flows (passwordless begin by email that
	// must not reveal whether the account exists).
	UserID string `json:"user_id,omitempty"`

	// FingerprintHash binds the challenge to the device that initiated it.
	FingerprintHash string `json:"-"`

	// SecretHash is the SHA-256 of the deliverable secret (magic-link
	// string or numeric code). Empty for variants verified against stored
	// credentials instead.
	SecretHash string `json:"-"`

	// Payload carries opaque verifier material, e.g. the serialized
	// WebAuthn ceremony session data.
	Payload []byte `json:"-"`

	Attempts    int `json:"-"`
	MaxAttempts int `json:"-"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// # Challenge Data Access

// Store defines the ephemeral storage contract for pending challenges.
type Store interface {

	/*
		Put stores a fresh challenge under its TTL.

		Parameters:
		  - context: context.Context
		  - challenge: *Challenge

		Returns:
		  - error: Persistence failures
	*/
	Put(context context.Context, challenge *Challenge) error

	/*
		Attempt loads a challenge and charges one verification attempt,
		atomically.

		Description: The attempt is charged before the verifier runs, so a
		crashed verifier cannot grant unlimited tries. Reaching the budget
		destroys the challenge.

		Parameters:
		  - context: context.Context
		  - challengeID: string

		Returns:
		  - *Challenge: State as of this attempt (Attempts includes it)
		  - error: apperr.ChallengeExpired (missing or past TTL),
		    apperr.ChallengeConsumed, apperr.ChallengeExhausted
	*/
	Attempt(context context.Context, challengeID string) (*Challenge, error)

	/*
		Consume terminally claims a challenge after successful verification.

		Parameters:
		  - context: context.Context
		  - challengeID: string

		Returns:
		  - error: apperr.ChallengeConsumed when another verifier won the
		    race, apperr.ChallengeExpired when it is already gone
	*/
	Consume(context context.Context, challengeID string) error
}
