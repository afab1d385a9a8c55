// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"time"

	"github.com/taibuivan/torii/internal/challenge"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/sec"
)

// # Outcomes

// Status discriminates the coarse result of an authentication operation.
// Sensitive distinctions (user-missing vs password-wrong, expired vs wrong
// challenge) are collapsed before they reach this type.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusChallengeRequired Status = "challenge_required"
	StatusDenied            Status = "denied"
	StatusRateLimited       Status = "rate_limited"
	StatusTemporaryFailure  Status = "temporary_failure"
)

// Tokens is the bearer material minted on success.
type Tokens struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// PendingChallenge describes a required step-up.
type PendingChallenge struct {
	ID      string            `json:"id"`
	Variant challenge.Variant `json:"variant"`
	// DeliveredVia names the out-of-band channel kind, when one was used.
	DeliveredVia string `json:"delivered_via,omitempty"`
	// Options carries ceremony material (WebAuthn request options).
	Options   any       `json:"options,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Outcome is the single result type for every authentication flow.
type Outcome struct {
	Status Status `json:"status"`

	Tokens  *Tokens        `json:"tokens,omitempty"`
	User    *identity.User `json:"user,omitempty"`
	Factors sec.Factors    `json:"-"`

	Challenge *PendingChallenge `json:"challenge,omitempty"`

	// Reason is the coarse denial code exposed to clients.
	Reason string `json:"reason,omitempty"`
	// ResetAt tells a rate-limited or locked-out caller when to retry.
	ResetAt time.Time `json:"reset_at,omitzero"`
}

func successOutcome(tokens *Tokens, user *identity.User, factors sec.Factors) *Outcome {
	return &Outcome{Status: StatusSuccess, Tokens: tokens, User: user, Factors: factors}
}

func challengeOutcome(pending *PendingChallenge) *Outcome {
	return &Outcome{Status: StatusChallengeRequired, Challenge: pending}
}

func deniedOutcome(reason string) *Outcome {
	return &Outcome{Status: StatusDenied, Reason: reason}
}

func lockedOutcome(retryAt time.Time) *Outcome {
	return &Outcome{Status: StatusDenied, Reason: "account_locked", ResetAt: retryAt}
}

func rateLimitedOutcome(resetAt time.Time) *Outcome {
	return &Outcome{Status: StatusRateLimited, Reason: "rate_limited", ResetAt: resetAt}
}

func temporaryFailureOutcome() *Outcome {
	return &Outcome{Status: StatusTemporaryFailure, Reason: "temporary_failure"}
}
