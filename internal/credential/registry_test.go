// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package credential

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/sec"
)

func TestLockoutPolicy_DurationAfter(t *testing.T) {
	policy := LockoutPolicy{Threshold: 5, BaseDuration: time.Minute, Cap: time.Hour}

	testCases := []struct {
		failures int
		expected time.Duration
	}{
		{0, 0},
		{4, 0},
		{5, time.Minute},
		{6, 2 * time.Minute},
		{7, 4 * time.Minute},
		{10, 32 * time.Minute},
		{11, time.Hour},  // 64m capped
		{100, time.Hour}, // stays capped
	}

	for _, testCase := range testCases {
		assert.Equal(t, testCase.expected, policy.DurationAfter(testCase.failures),
			"failures=%d", testCase.failures)
	}
}

// memoryStore is an in-memory Repository for registry tests.
type memoryStore struct {
	passwords map[string]*PasswordCredential
	totp      map[string]*TOTPEnrollment
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		passwords: make(map[string]*PasswordCredential),
		totp:      make(map[string]*TOTPEnrollment),
	}
}

func (s *memoryStore) FindPasswordFor(_ context.Context, userID string) (*PasswordCredential, error) {
	credential, ok := s.passwords[userID]
	if !ok {
		return nil, apperr.NotFound("Password credential")
	}
	clone := *credential
	return &clone, nil
}

func (s *memoryStore) UpsertPassword(_ context.Context, userID, digest string) error {
	s.passwords[userID] = &PasswordCredential{UserID: userID, Digest: digest}
	return nil
}

func (s *memoryStore) RecordFailure(_ context.Context, userID string, lockedUntil time.Time) (int, error) {
	credential, ok := s.passwords[userID]
	if !ok {
		return 0, apperr.NotFound("Password credential")
	}
	credential.FailedAttempts++
	credential.LockedUntil = lockedUntil
	return credential.FailedAttempts, nil
}

func (s *memoryStore) RecordSuccess(_ context.Context, userID string) error {
	if credential, ok := s.passwords[userID]; ok {
		credential.FailedAttempts = 0
		credential.LockedUntil = time.Time{}
	}
	return nil
}

func (s *memoryStore) ListWebAuthnFor(context.Context, string) ([]WebAuthnCredential, error) {
	return nil, nil
}
func (s *memoryStore) AddWebAuthn(context.Context, *WebAuthnCredential) error       { return nil }
func (s *memoryStore) UpdateWebAuthnCounter(context.Context, string, uint32) error  { return nil }
func (s *memoryStore) RemoveWebAuthn(context.Context, string, string) error         { return nil }
func (s *memoryStore) ListChannelsFor(context.Context, string) ([]ContactChannel, error) {
	return nil, nil
}
func (s *memoryStore) AddChannel(context.Context, *ContactChannel) error    { return nil }
func (s *memoryStore) MarkChannelVerified(context.Context, string) error    { return nil }
func (s *memoryStore) RemoveTOTP(_ context.Context, userID string) error {
	delete(s.totp, userID)
	return nil
}

func (s *memoryStore) RedeemTOTPScratchCode(_ context.Context, userID, codeHash string) (bool, error) {
	enrollment, ok := s.totp[userID]
	if !ok {
		return false, nil
	}
	for i, hash := range enrollment.ScratchCodeHashes {
		if hash == codeHash {
			enrollment.ScratchCodeHashes = append(enrollment.ScratchCodeHashes[:i], enrollment.ScratchCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) FindTOTPFor(_ context.Context, userID string) (*TOTPEnrollment, error) {
	enrollment, ok := s.totp[userID]
	if !ok {
		return nil, apperr.NotFound("TOTP enrollment")
	}
	clone := *enrollment
	return &clone, nil
}

func (s *memoryStore) UpsertTOTP(_ context.Context, enrollment *TOTPEnrollment) error {
	clone := *enrollment
	s.totp[enrollment.UserID] = &clone
	return nil
}

func (s *memoryStore) ConfirmTOTP(_ context.Context, userID string) error {
	if enrollment, ok := s.totp[userID]; ok {
		enrollment.Confirmed = true
	}
	return nil
}

func (s *memoryStore) SetTOTPLastStep(_ context.Context, userID string, step int64) (bool, error) {
	enrollment, ok := s.totp[userID]
	if !ok {
		return false, apperr.NotFound("TOTP enrollment")
	}
	if enrollment.LastUsedStep >= step {
		return false, nil
	}
	enrollment.LastUsedStep = step
	return true, nil
}

func newTestRegistry(t *testing.T, store Repository, clock clockwork.Clock) *Registry {
	t.Helper()

	policy := LockoutPolicy{Threshold: 3, BaseDuration: time.Minute, Cap: 10 * time.Minute}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(store, nil, policy, clock, logger)
}

func TestRegistry_LockoutProgression(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	clock := clockwork.NewFakeClock()
	registry := newTestRegistry(t, store, clock)

	require.NoError(t, registry.SetPassword(ctx, "user-1", "$argon2id$..."))

	// Two failures: no lockout yet.
	for i := 0; i < 2; i++ {
		deadline, err := registry.RecordFailure(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, deadline.IsZero())
	}

	// Third failure hits the threshold.
	deadline, err := registry.RecordFailure(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), deadline)

	credential, err := registry.FindPasswordFor(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, apperr.HasCode(registry.CheckLockout(credential), apperr.CodeAccountLocked))

	// Fourth failure doubles the penalty.
	deadline, err = registry.RecordFailure(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Minute), deadline)

	// After the deadline passes, the account opens up again.
	clock.Advance(3 * time.Minute)
	credential, err = registry.FindPasswordFor(ctx, "user-1")
	require.NoError(t, err)
	assert.NoError(t, registry.CheckLockout(credential))

	// A success resets everything.
	require.NoError(t, registry.RecordSuccess(ctx, "user-1"))
	credential, err = registry.FindPasswordFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, credential.FailedAttempts)
	assert.True(t, credential.LockedUntil.IsZero())
}

func TestRegistry_TOTPStepReplay(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	registry := newTestRegistry(t, store, clockwork.NewFakeClock())

	require.NoError(t, store.UpsertTOTP(ctx, &TOTPEnrollment{UserID: "user-1"}))

	require.NoError(t, registry.AdvanceTOTPStep(ctx, "user-1", 100))

	// Same step again: replay, rejected.
	err := registry.AdvanceTOTPStep(ctx, "user-1", 100)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCredential))

	// Older step: also rejected.
	err = registry.AdvanceTOTPStep(ctx, "user-1", 99)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCredential))

	// Newer step advances.
	require.NoError(t, registry.AdvanceTOTPStep(ctx, "user-1", 101))
}

func TestRegistry_ScratchCodeRedemption(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	registry := newTestRegistry(t, store, clockwork.NewFakeClock())

	require.NoError(t, store.UpsertTOTP(ctx, &TOTPEnrollment{
		UserID:            "user-1",
		ScratchCodeHashes: []string{sec.HashToken("code-a"), sec.HashToken("code-b")},
	}))

	// Unconfirmed enrollments cannot redeem.
	err := registry.RedeemScratchCode(ctx, "user-1", "code-a")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCredential))

	require.NoError(t, store.ConfirmTOTP(ctx, "user-1"))
	require.NoError(t, registry.RedeemScratchCode(ctx, "user-1", "code-a"))

	// One-shot: the redeemed code is gone, the other still works.
	err = registry.RedeemScratchCode(ctx, "user-1", "code-a")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCredential))
	require.NoError(t, registry.RedeemScratchCode(ctx, "user-1", "code-b"))

	// A code that was never issued does not match.
	err = registry.RedeemScratchCode(ctx, "user-1", "code-x")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCredential))
}
