// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/taibuivan/torii/internal/credential"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/sec"
	"github.com/taibuivan/torii/pkg/uuidv7"
)

// # Broker Configuration

// Config tunes challenge lifetimes and budgets.
type Config struct {
	MagicLinkTTL time.Duration
	CodeTTL      time.Duration
	// CeremonyTTL bounds TOTP and WebAuthn ceremonies.
	CeremonyTTL time.Duration

	// CodeMaxAttempts is the verification budget for numeric codes.
	CodeMaxAttempts int
	// TOTPDriftWindows is how many adjacent 30-second windows verify.
	TOTPDriftWindows uint
}

// totpPeriod is the RFC 6238 time-step in seconds.
const totpPeriod = 30

// # Broker

// Broker issues and verifies one-shot challenges.
type Broker struct {
	store        Store
	credentials  *credential.Registry
	relyingParty *webauthn.WebAuthn
	clock        clockwork.Clock
	logger       *slog.Logger
	cfg          Config
}

// NewBroker creates a challenge [Broker].
func NewBroker(store Store, credentials *credential.Registry, relyingParty *webauthn.WebAuthn, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Broker {
	return &Broker{
		store:        store,
		credentials:  credentials,
		relyingParty: relyingParty,
		clock:        clock,
		logger:       logger.With(slog.String("component", "challenge_broker")),
		cfg:          cfg,
	}
}

// # Issuance

// Issued carries the identifiers and the deliverable secret for a freshly
// issued challenge. Secret is raw material handed to the delivery sink once;
// only its hash survives in the store.
type Issued struct {
	ChallengeID string
	Variant     Variant
	Secret      string
	ExpiresAt   time.Time
}

/*
IssueMagicLink creates a magic-link challenge.

Parameters:
  - ctx: context.Context
  - userID: string (empty for anonymous flows)
  - fingerprintHash: string

Returns:
  - *Issued: Challenge ID plus the raw link secret
  - error: Entropy or store failures
*/
func (broker *Broker) IssueMagicLink(ctx context.Context, userID, fingerprintHash string) (*Issued, error) {
	secret, err := sec.GenerateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("challenge_broker_magic_link_entropy_failed: %w", err)
	}

	return broker.issueSecretChallenge(ctx, VariantMagicLink, userID, fingerprintHash, secret, broker.cfg.MagicLinkTTL, 1)
}

/*
IssueCode creates a short numeric code challenge for email or SMS delivery.

Parameters:
  - ctx: context.Context
  - variant: Variant (VariantEmailCode or VariantSMSCode)
  - userID: string
  - fingerprintHash: string

Returns:
  - *Issued: Challenge ID plus the raw six-digit code
  - error: Entropy or store failures
*/
func (broker *Broker) IssueCode(ctx context.Context, variant Variant, userID, fingerprintHash string) (*Issued, error) {
	code, err := generateNumericCode(6)
	if err != nil {
		return nil, fmt.Errorf("challenge_broker_code_entropy_failed: %w", err)
	}

	return broker.issueSecretChallenge(ctx, variant, userID, fingerprintHash, code, broker.cfg.CodeTTL, broker.cfg.CodeMaxAttempts)
}

/*
IssueTOTP creates a TOTP ceremony challenge. No secret is delivered; the code
is computed by the user's authenticator app against the stored enrollment.

Parameters:
  - ctx: context.Context
  - userID: string
  - fingerprintHash: string

Returns:
  - *Issued: Challenge ID only (Secret empty)
  - error: Store failures
*/
func (broker *Broker) IssueTOTP(ctx context.Context, userID, fingerprintHash string) (*Issued, error) {
	return broker.issueSecretChallenge(ctx, VariantTOTP, userID, fingerprintHash, "", broker.cfg.CeremonyTTL, broker.cfg.CodeMaxAttempts)
}

// issueSecretChallenge stores a challenge whose verifier compares a delivered
// secret (possibly empty for ceremony variants).
func (broker *Broker) issueSecretChallenge(ctx context.Context, variant Variant, userID, fingerprintHash, secret string, ttl time.Duration, maxAttempts int) (*Issued, error) {
	now := broker.clock.Now()
	pending := &Challenge{
		ID:              uuidv7.New(),
		Variant:         variant,
		UserID:          userID,
		FingerprintHash: fingerprintHash,
		MaxAttempts:     maxAttempts,
		IssuedAt:        now,
		ExpiresAt:       now.Add(ttl),
	}
	if secret != "" {
		pending.SecretHash = sec.HashToken(secret)
	}

	if err := broker.store.Put(ctx, pending); err != nil {
		return nil, err
	}

	broker.logger.InfoContext(ctx, "challenge issued",
		slog.String("challenge_id", pending.ID),
		slog.String("variant", string(variant)))

	return &Issued{
		ChallengeID: pending.ID,
		Variant:     variant,
		Secret:      secret,
		ExpiresAt:   pending.ExpiresAt,
	}, nil
}

// # Verification

/*
VerifySecret checks a delivered secret (magic link or numeric code) against
its challenge and consumes it on success.

Description: The attempt is charged before comparing; the comparison is
constant-time. On a match the consume step is the serialization point: a
concurrent verifier that loses the race gets ChallengeConsumed even with the
right secret.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - secret: string (raw, as delivered)

Returns:
  - *Challenge: The consumed challenge (carries the subject user)
  - error: apperr.InvalidCredential on mismatch, or the store's terminal errors
*/
func (broker *Broker) VerifySecret(ctx context.Context, challengeID, secret string) (*Challenge, error) {
	pending, err := broker.store.Attempt(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	presented := []byte(sec.HashToken(secret))
	if subtle.ConstantTimeCompare(presented, []byte(pending.SecretHash)) != 1 {
		return nil, apperr.InvalidCredential()
	}

	if err := broker.store.Consume(ctx, challengeID); err != nil {
		return nil, err
	}
	return pending, nil
}

/*
VerifyTOTP checks an authenticator-app code for a TOTP ceremony challenge.

Description: The code is recomputed for the current window plus the
configured drift, each candidate compared in constant time. The matched
window's time-step is then claimed forward-only in the enrollment, so the
same code can never verify twice even inside its validity window.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - code: string
  - requireConfirmed: bool (false only for the enrollment-confirmation flow)

Returns:
  - *Challenge: The consumed challenge
  - error: apperr.InvalidCredential, or the store's terminal errors
*/
func (broker *Broker) VerifyTOTP(ctx context.Context, challengeID, code string, requireConfirmed bool) (*Challenge, error) {
	pending, err := broker.store.Attempt(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if pending.Variant != VariantTOTP || pending.UserID == "" {
		return nil, apperr.InvalidCredential()
	}

	enrollment, err := broker.credentials.FindTOTPFor(ctx, pending.UserID)
	if err != nil {
		return nil, apperr.InvalidCredential()
	}
	if requireConfirmed && !enrollment.Confirmed {
		return nil, apperr.InvalidCredential()
	}

	secret, err := broker.credentials.OpenTOTPSecret(enrollment)
	if err != nil {
		return nil, err
	}

	step, matched := broker.matchTOTPWindow(secret, code)
	if !matched {
		return nil, apperr.InvalidCredential()
	}

	// Claim the matched step; a replay of the same code loses here.
	if err := broker.credentials.AdvanceTOTPStep(ctx, pending.UserID, step); err != nil {
		return nil, err
	}

	if err := broker.store.Consume(ctx, challengeID); err != nil {
		return nil, err
	}
	return pending, nil
}

/*
VerifyScratchCode redeems a one-shot recovery code against a TOTP ceremony
challenge, for users who lost the authenticator.

Description: The code is matched against the enrollment's stored hashes and
the matched hash removed atomically, so the same code can never redeem
twice. Only a confirmed enrollment qualifies; the attempt budget and
consumption rules are the same as for an authenticator code.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - code: string (raw, as issued at enrollment)

Returns:
  - *Challenge: The consumed challenge
  - error: apperr.InvalidCredential, or the store's terminal errors
*/
func (broker *Broker) VerifyScratchCode(ctx context.Context, challengeID, code string) (*Challenge, error) {
	pending, err := broker.store.Attempt(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if pending.Variant != VariantTOTP || pending.UserID == "" {
		return nil, apperr.InvalidCredential()
	}

	if err := broker.credentials.RedeemScratchCode(ctx, pending.UserID, code); err != nil {
		return nil, err
	}

	if err := broker.store.Consume(ctx, challengeID); err != nil {
		return nil, err
	}
	return pending, nil
}

// matchTOTPWindow tries the current window and the configured drift on both
// sides, returning the matched time-step.
func (broker *Broker) matchTOTPWindow(secret, code string) (int64, bool) {
	now := broker.clock.Now()
	currentStep := now.Unix() / totpPeriod

	options := totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	drift := int64(broker.cfg.TOTPDriftWindows)
	for offset := -drift; offset <= drift; offset++ {
		windowTime := time.Unix((currentStep+offset)*totpPeriod, 0)
		expected, err := totp.GenerateCodeCustom(secret, windowTime, options)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return currentStep + offset, true
		}
	}
	return 0, false
}

// generateNumericCode returns a uniformly random decimal code of the given
// number of digits, zero-padded.
func generateNumericCode(digits int) (string, error) {
	ceiling := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	value, err := rand.Int(rand.Reader, ceiling)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, value), nil
}
