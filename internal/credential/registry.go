// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package credential

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/sec"
	"github.com/taibuivan/torii/pkg/uuidv7"
)

// # Lockout Policy

// LockoutPolicy describes the exponential credential lockout progression.
type LockoutPolicy struct {
	// Threshold is the consecutive-failure count at which lockout starts.
	Threshold int
	// BaseDuration is the first lockout length; each further failure doubles it.
	BaseDuration time.Duration
	// Cap bounds the doubling.
	Cap time.Duration
}

// DurationAfter returns the lockout length after the given consecutive
// failure count, or zero when the count is still under the threshold.
func (p LockoutPolicy) DurationAfter(failures int) time.Duration {
	if failures < p.Threshold {
		return 0
	}

	duration := p.BaseDuration
	for i := p.Threshold; i < failures; i++ {
		duration *= 2
		if duration >= p.Cap {
			return p.Cap
		}
	}
	return min(duration, p.Cap)
}

// # Registry

// scratchCodeCount is how many one-shot recovery codes a TOTP enrollment gets.
const scratchCodeCount = 8

// Registry is the credential service: typed lookups plus the encryption and
// lockout policy the raw repository does not know about.
type Registry struct {
	store  Repository
	keys   *sec.Keystore
	policy LockoutPolicy
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewRegistry creates a credential [Registry].
func NewRegistry(store Repository, keys *sec.Keystore, policy LockoutPolicy, clock clockwork.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		keys:   keys,
		policy: policy,
		clock:  clock,
		logger: logger.With(slog.String("component", "credential_registry")),
	}
}

// -- Passwords --

// FindPasswordFor returns the user's active password credential.
func (registry *Registry) FindPasswordFor(ctx context.Context, userID string) (*PasswordCredential, error) {
	return registry.store.FindPasswordFor(ctx, userID)
}

// SetPassword installs or replaces the user's password digest.
func (registry *Registry) SetPassword(ctx context.Context, userID, digest string) error {
	return registry.store.UpsertPassword(ctx, userID, digest)
}

/*
RecordFailure advances the lockout state after a failed verification.

Description: The lockout deadline is computed from the post-increment failure
count, so the Nth failure (N = threshold) applies the base duration and every
failure past it doubles the penalty up to the cap.

Parameters:
  - ctx: context.Context
  - userID: string

Returns:
  - time.Time: The lockout deadline now in effect (zero when none)
  - error: Persistence failures
*/
func (registry *Registry) RecordFailure(ctx context.Context, userID string) (time.Time, error) {
	current, err := registry.store.FindPasswordFor(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}

	var deadline time.Time
	if duration := registry.policy.DurationAfter(current.FailedAttempts + 1); duration > 0 {
		deadline = registry.clock.Now().Add(duration)
	}

	count, err := registry.store.RecordFailure(ctx, userID, deadline)
	if err != nil {
		return time.Time{}, err
	}

	if !deadline.IsZero() {
		registry.logger.WarnContext(ctx, "credential locked out",
			slog.String("user_id", userID),
			slog.Int("failures", count),
			slog.Time("locked_until", deadline))
	}

	return deadline, nil
}

// RecordSuccess clears the failure counter after a verified login.
func (registry *Registry) RecordSuccess(ctx context.Context, userID string) error {
	return registry.store.RecordSuccess(ctx, userID)
}

// CheckLockout returns AccountLocked while the user's lockout deadline is in
// the future.
func (registry *Registry) CheckLockout(credential *PasswordCredential) error {
	if credential.Locked(registry.clock.Now()) {
		return apperr.AccountLocked(credential.LockedUntil)
	}
	return nil
}

// -- WebAuthn --

// ListWebAuthnFor returns every passkey registered by the user.
func (registry *Registry) ListWebAuthnFor(ctx context.Context, userID string) ([]WebAuthnCredential, error) {
	return registry.store.ListWebAuthnFor(ctx, userID)
}

// AddWebAuthn persists a newly attested passkey.
func (registry *Registry) AddWebAuthn(ctx context.Context, credential *WebAuthnCredential) error {
	return registry.store.AddWebAuthn(ctx, credential)
}

/*
AcceptAssertion records an accepted WebAuthn assertion.

Description: Counter regression is checked by the verifier before calling
this; here the new counter is persisted unconditionally together with the
last-used timestamp.

Parameters:
  - ctx: context.Context
  - credentialID: string
  - signCount: uint32

Returns:
  - error: Persistence failures
*/
func (registry *Registry) AcceptAssertion(ctx context.Context, credentialID string, signCount uint32) error {
	return registry.store.UpdateWebAuthnCounter(ctx, credentialID, signCount)
}

// RemoveWebAuthn deletes one passkey.
func (registry *Registry) RemoveWebAuthn(ctx context.Context, userID, credentialID string) error {
	return registry.store.RemoveWebAuthn(ctx, userID, credentialID)
}

// -- TOTP --

// TOTPEnrollmentResult carries the one-time provisioning material returned to
// the user exactly once at enrollment.
type TOTPEnrollmentResult struct {
	// ProvisioningURI is the otpauth:// URI for authenticator apps.
	ProvisioningURI string
	// ScratchCodes are the raw recovery codes. Only hashes are stored.
	ScratchCodes []string
}

/*
EnrollTOTP generates a fresh shared secret and stores it sealed.

Description: The enrollment starts unconfirmed; the caller must verify one
valid code through the challenge broker before it counts as an MFA method.

Parameters:
  - ctx: context.Context
  - userID: string
  - accountName: string (shown in the authenticator app)
  - issuer: string

Returns:
  - *TOTPEnrollmentResult: Provisioning URI and raw scratch codes
  - error: Generation or persistence failures
*/
func (registry *Registry) EnrollTOTP(ctx context.Context, userID, accountName, issuer string) (*TOTPEnrollmentResult, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("credential_registry_totp_generate_failed: %w", err)
	}

	sealed, err := registry.keys.Seal([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("credential_registry_totp_seal_failed: %w", err)
	}

	scratchCodes := make([]string, 0, scratchCodeCount)
	scratchHashes := make([]string, 0, scratchCodeCount)
	for i := 0; i < scratchCodeCount; i++ {
		code, err := sec.GenerateSecureToken(8)
		if err != nil {
			return nil, fmt.Errorf("credential_registry_scratch_generate_failed: %w", err)
		}
		scratchCodes = append(scratchCodes, code)
		scratchHashes = append(scratchHashes, sec.HashToken(code))
	}

	enrollment := &TOTPEnrollment{
		UserID:            userID,
		SealedSecret:      sealed,
		ScratchCodeHashes: scratchHashes,
	}
	if err := registry.store.UpsertTOTP(ctx, enrollment); err != nil {
		return nil, err
	}

	return &TOTPEnrollmentResult{
		ProvisioningURI: key.URL(),
		ScratchCodes:    scratchCodes,
	}, nil
}

// FindTOTPFor returns the user's primary enrollment with the secret still sealed.
func (registry *Registry) FindTOTPFor(ctx context.Context, userID string) (*TOTPEnrollment, error) {
	return registry.store.FindTOTPFor(ctx, userID)
}

// OpenTOTPSecret decrypts an enrollment's shared secret for verification.
// The plaintext must never outlive the verification call.
func (registry *Registry) OpenTOTPSecret(enrollment *TOTPEnrollment) (string, error) {
	secret, err := registry.keys.Open(enrollment.SealedSecret)
	if err != nil {
		return "", fmt.Errorf("credential_registry_totp_open_failed: %w", err)
	}
	return string(secret), nil
}

// ConfirmTOTP marks the enrollment as a valid MFA method.
func (registry *Registry) ConfirmTOTP(ctx context.Context, userID string) error {
	return registry.store.ConfirmTOTP(ctx, userID)
}

// AdvanceTOTPStep claims a time-step for replay protection. It fails with
// InvalidCredential when the step has already been used.
func (registry *Registry) AdvanceTOTPStep(ctx context.Context, userID string, step int64) error {
	advanced, err := registry.store.SetTOTPLastStep(ctx, userID, step)
	if err != nil {
		return err
	}
	if !advanced {
		return apperr.InvalidCredential()
	}
	return nil
}

/*
RedeemScratchCode claims one recovery code, one-shot.

Description: The presented code is hashed and compared against every stored
hash in constant time; the scan always walks the full list. The matched hash
is then removed atomically in the store, which is the serialization point: a
concurrent redeemer of the same code finds it gone and fails. Only a
confirmed enrollment can redeem.

Parameters:
  - ctx: context.Context
  - userID: string
  - code: string (raw, as issued at enrollment)

Returns:
  - error: apperr.InvalidCredential on no match, an unconfirmed enrollment,
    or a lost redemption race
*/
func (registry *Registry) RedeemScratchCode(ctx context.Context, userID, code string) error {
	enrollment, err := registry.store.FindTOTPFor(ctx, userID)
	if err != nil {
		return apperr.InvalidCredential()
	}
	if !enrollment.Confirmed {
		return apperr.InvalidCredential()
	}

	presented := []byte(sec.HashToken(code))
	var matched string
	for _, hash := range enrollment.ScratchCodeHashes {
		if subtle.ConstantTimeCompare(presented, []byte(hash)) == 1 {
			matched = hash
		}
	}
	if matched == "" {
		return apperr.InvalidCredential()
	}

	redeemed, err := registry.store.RedeemTOTPScratchCode(ctx, userID, matched)
	if err != nil {
		return err
	}
	if !redeemed {
		return apperr.InvalidCredential()
	}

	registry.logger.WarnContext(ctx, "scratch code redeemed",
		slog.String("user_id", userID),
		slog.Int("remaining", len(enrollment.ScratchCodeHashes)-1))
	return nil
}

// RemoveTOTP deletes the enrollment.
func (registry *Registry) RemoveTOTP(ctx context.Context, userID string) error {
	return registry.store.RemoveTOTP(ctx, userID)
}

// -- Contact channels --

// ListChannelsFor returns the user's contact channels.
func (registry *Registry) ListChannelsFor(ctx context.Context, userID string) ([]ContactChannel, error) {
	return registry.store.ListChannelsFor(ctx, userID)
}

// AddChannel registers a new (unverified) delivery address.
func (registry *Registry) AddChannel(ctx context.Context, userID string, kind ChannelKind, address string) (*ContactChannel, error) {
	channel := &ContactChannel{
		ID:      uuidv7.New(),
		UserID:  userID,
		Kind:    kind,
		Address: address,
	}
	if err := registry.store.AddChannel(ctx, channel); err != nil {
		return nil, err
	}
	return channel, nil
}

// MarkChannelVerified flips the verified flag after a proven delivery.
func (registry *Registry) MarkChannelVerified(ctx context.Context, channelID string) error {
	return registry.store.MarkChannelVerified(ctx, channelID)
}
