// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package credential implements the credential registry: every way a user can
prove who they are, indexed by user ID.

Variants:

  - PasswordCredential: one active Argon2id digest per user, with the
    failed-attempt counter and lockout deadline.
  - WebAuthnCredential: zero or more passkeys with signature counters.
  - TOTPEnrollment: at most one primary enrollment; the shared secret is
    sealed with the keystore before it touches storage, the one-shot
    scratch codes are stored as verify-only hashes.
  - ContactChannel: verified delivery addresses for second-factor codes.

# Architecture

The registry is a service over a storage interface. Secret-bearing fields are
encrypted at rest here, not in the store, so no storage implementation ever
sees a raw TOTP seed.
*/
package credential

import (
	"time"
)

// # Domain Entities

// PasswordCredential is a user's single active password digest.
type PasswordCredential struct {
	UserID string `json:"user_id"`
	// Digest is the self-describing Argon2id string. Never serialized to clients.
	Digest string `json:"-"`

	// FailedAttempts counts consecutive verification failures. Reset on success.
	FailedAttempts int `json:"-"`
	// LockedUntil is the lockout deadline; zero when not locked.
	LockedUntil time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Locked reports whether the lockout deadline is still in the future.
func (c *PasswordCredential) Locked(now time.Time) bool {
	return !c.LockedUntil.IsZero() && now.Before(c.LockedUntil)
}

// WebAuthnCredential is one registered passkey.
type WebAuthnCredential struct {
	// ID is the authenticator-assigned credential ID, base64url-encoded.
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	PublicKey  []byte   `json:"-"`
	AAGUID     []byte   `json:"-"`
	SignCount  uint32   `json:"-"`
	Attachment string   `json:"attachment,omitempty"`
	Transports []string `json:"transports,omitempty"`

	Nickname   string    `json:"nickname"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// TOTPEnrollment is a user's single primary authenticator-app enrollment.
type TOTPEnrollment struct {
	UserID string `json:"user_id"`

	// SealedSecret is the keystore-encrypted shared secret.
	SealedSecret string `json:"-"`

	// LastUsedStep records the time-step of the last accepted code, so a
	// replayed code from the same step is rejected.
	LastUsedStep int64 `json:"-"`

	// ScratchCodeHashes are one-shot recovery codes, stored hashed.
	ScratchCodeHashes []string `json:"-"`

	// Confirmed is false until the user proves they captured the secret by
	// submitting one valid code. Unconfirmed enrollments never satisfy MFA.
	Confirmed bool      `json:"confirmed"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelKind discriminates contact channel addresses.
type ChannelKind string

const (
	ChannelEmail ChannelKind = "email"
	ChannelPhone ChannelKind = "phone"
)

// ContactChannel is a second-factor delivery address.
type ContactChannel struct {
	ID       string      `json:"id"`
	UserID   string      `json:"user_id"`
	Kind     ChannelKind `json:"kind"`
	Address  string      `json:"address"`
	Verified bool        `json:"verified"`

	CreatedAt time.Time `json:"created_at"`
}
