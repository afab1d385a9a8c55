// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package identity implements the user principal layer of the authentication core.

It defines the User entity, its lifecycle states, and the per-user security
version that gates every outstanding access token.

# Architecture

This layer is the "Truth" of the system. A user row carries no credential
material: passwords, passkeys, and TOTP enrollments live in the credential
registry and reference the user by ID.
*/
package identity

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// # Lifecycle States

// Status enumerates the account lifecycle.
type Status string

const (
	// StatusActive: the account may authenticate.
	StatusActive Status = "active"
	// StatusLocked: temporarily barred after repeated failures.
	StatusLocked Status = "locked"
	// StatusSuspended: administratively barred; only an operator can lift it.
	StatusSuspended Status = "suspended"
	// StatusDeleted: soft-deleted; indistinguishable from absent during login.
	StatusDeleted Status = "deleted"
)

// # Domain Entities

// User represents a registered principal of the Torii platform.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Status      Status `json:"status"`

	// SecurityVersion gates all outstanding access tokens: a token minted
	// with an older version is rejected everywhere. Bumped by password
	// resets, global logouts, and suspected compromise.
	SecurityVersion int `json:"-"`

	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CanAuthenticate reports whether the lifecycle state permits a login attempt.
func (u *User) CanAuthenticate() bool {
	return u.Status == StatusActive
}

// NormalizeEmail canonicalizes an address for storage and lookup: Unicode
// NFKC, lowercase, trimmed. Uniqueness is enforced on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(email)))
}

// # Field Identifiers

// Global field names for validation and identity mapping in the identity domain.
const (
	FieldEmail       = "email"
	FieldPassword    = "password"
	FieldDisplayName = "display_name"
	FieldUser        = "user"
)
