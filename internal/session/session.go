// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package session implements the authoritative record of live authentication
contexts: sessions, refresh-token families, and their generation counters.

# Consistency

Refresh rotation is linearizable per family through a database
compare-and-swap on the current refresh hash: exactly one presenter of a
given refresh token rotates, everyone else is rejected. Revocations across
different families are only eventually consistent; the per-user security
version closes that window for access tokens.
*/
package session

import (
	"time"

	"github.com/taibuivan/torii/internal/platform/sec"
)

// # Termination Reasons

// Reason records why a session ended.
type Reason string

const (
	ReasonLogout        Reason = "logout"
	ReasonLogoutAll     Reason = "logout_all"
	ReasonRefreshReuse  Reason = "refresh_reuse"
	ReasonAdminRevoke   Reason = "admin_revoke"
	ReasonPasswordReset Reason = "password_reset"
	ReasonExpired       Reason = "expired"
)

// # Domain Entities

// Session represents one live login on one device.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// DeviceID links to the observed device; may be empty for clients that
	// send no fingerprint.
	DeviceID string `json:"device_id,omitempty"`

	// FamilyID names the refresh lineage; Generation counts rotations.
	// The (FamilyID, Generation) pair is unique across the store.
	FamilyID   string `json:"-"`
	Generation int    `json:"-"`

	// RefreshHash is the SHA-256 of the currently valid refresh secret.
	// PrevRefreshHash keeps the superseded one so a replay is provably a
	// reuse rather than an unknown token.
	RefreshHash     string `json:"-"`
	PrevRefreshHash string `json:"-"`

	// Factors is the authenticated factor bitset at issue time.
	Factors sec.Factors `json:"-"`
	// RiskScore is the risk evaluation recorded at issue time.
	RiskScore int `json:"-"`

	IssuedIP  string `json:"issued_ip"`
	UserAgent string `json:"user_agent"`

	Revoked bool   `json:"revoked"`
	Reason  Reason `json:"reason,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`

	// RefreshExpiresAt slides forward on every rotation but never past
	// AbsoluteExpiresAt.
	RefreshExpiresAt  time.Time `json:"refresh_expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
}

// Live reports whether the session can still be refreshed.
func (s *Session) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.RefreshExpiresAt) && now.Before(s.AbsoluteExpiresAt)
}
