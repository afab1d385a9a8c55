// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/torii/internal/audit"
	"github.com/taibuivan/torii/internal/auth"
	"github.com/taibuivan/torii/internal/challenge"
	"github.com/taibuivan/torii/internal/credential"
	"github.com/taibuivan/torii/internal/device"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/cache"
	"github.com/taibuivan/torii/internal/platform/ratelimit"
	"github.com/taibuivan/torii/internal/platform/sec"
	"github.com/taibuivan/torii/internal/risk"
	"github.com/taibuivan/torii/internal/session"
)

// # In-memory repositories

type userStore struct {
	mu      sync.Mutex
	byID    map[string]*identity.User
	byEmail map[string]*identity.User
}

func newUserStore() *userStore {
	return &userStore{byID: map[string]*identity.User{}, byEmail: map[string]*identity.User{}}
}

func (store *userStore) FindByID(_ context.Context, id string) (*identity.User, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	user, ok := store.byID[id]
	if !ok {
		return nil, apperr.NotFound("User")
	}
	copied := *user
	return &copied, nil
}

func (store *userStore) FindByEmail(_ context.Context, email string) (*identity.User, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	user, ok := store.byEmail[email]
	if !ok {
		return nil, apperr.NotFound("User")
	}
	copied := *user
	return &copied, nil
}

func (store *userStore) Create(_ context.Context, user *identity.User) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.byEmail[user.Email]; exists {
		return apperr.Conflict("An account with this email already exists")
	}
	if user.SecurityVersion == 0 {
		user.SecurityVersion = 1
	}
	copied := *user
	store.byID[user.ID] = &copied
	store.byEmail[user.Email] = &copied
	return nil
}

func (store *userStore) SetStatus(_ context.Context, userID string, status identity.Status) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.byID[userID].Status = status
	return nil
}

func (store *userStore) MarkEmailVerified(_ context.Context, userID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.byID[userID].EmailVerified = true
	return nil
}

func (store *userStore) BumpSecurityVersion(_ context.Context, userID string) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.byID[userID].SecurityVersion++
	return store.byID[userID].SecurityVersion, nil
}

func (store *userStore) SecurityVersionOf(_ context.Context, userID string) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	user, ok := store.byID[userID]
	if !ok {
		return 0, apperr.NotFound("User")
	}
	return user.SecurityVersion, nil
}

type deviceStore struct {
	mu   sync.Mutex
	byID map[string]*device.Device
}

func newDeviceStore() *deviceStore {
	return &deviceStore{byID: map[string]*device.Device{}}
}

func (store *deviceStore) FindByFingerprint(_ context.Context, userID, fingerprintHash string) (*device.Device, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, observed := range store.byID {
		if observed.UserID == userID && observed.FingerprintHash == fingerprintHash {
			copied := *observed
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("Device")
}

func (store *deviceStore) Observe(_ context.Context, observed *device.Device) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing, ok := store.byID[observed.ID]; ok {
		existing.UserAgent = observed.UserAgent
		return nil
	}
	copied := *observed
	store.byID[observed.ID] = &copied
	return nil
}

func (store *deviceStore) Promote(_ context.Context, deviceID string, level device.TrustLevel) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if observed, ok := store.byID[deviceID]; ok {
		observed.TrustLevel = level
	}
	return nil
}

type sessionStore struct {
	mu    sync.Mutex
	byID  map[string]*session.Session
	clock clockwork.Clock
}

func newSessionStore(clock clockwork.Clock) *sessionStore {
	return &sessionStore{byID: map[string]*session.Session{}, clock: clock}
}

func (store *sessionStore) Create(_ context.Context, live *session.Session) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	copied := *live
	store.byID[live.ID] = &copied
	return nil
}

func (store *sessionStore) FindByID(_ context.Context, sessionID string) (*session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	live, ok := store.byID[sessionID]
	if !ok {
		return nil, apperr.NotFound("Session")
	}
	copied := *live
	return &copied, nil
}

func (store *sessionStore) RotateRefresh(_ context.Context, presentedHash, newHash string, newExpiry time.Time) (*session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.clock.Now()
	for _, live := range store.byID {
		if live.RefreshHash != presentedHash {
			continue
		}
		if live.Revoked {
			return nil, apperr.RefreshUnknown()
		}
		if !now.Before(live.RefreshExpiresAt) || !now.Before(live.AbsoluteExpiresAt) {
			return nil, apperr.RefreshExpired()
		}

		live.Generation++
		live.PrevRefreshHash = live.RefreshHash
		live.RefreshHash = newHash
		if newExpiry.Before(live.AbsoluteExpiresAt) {
			live.RefreshExpiresAt = newExpiry
		} else {
			live.RefreshExpiresAt = live.AbsoluteExpiresAt
		}
		live.LastSeenAt = now
		copied := *live
		return &copied, nil
	}

	for _, live := range store.byID {
		if live.PrevRefreshHash != presentedHash {
			continue
		}
		for _, member := range store.byID {
			if member.FamilyID == live.FamilyID && !member.Revoked {
				member.Revoked = true
				member.Reason = session.ReasonRefreshReuse
			}
		}
		return nil, apperr.RefreshReused()
	}

	return nil, apperr.RefreshUnknown()
}

func (store *sessionStore) Revoke(_ context.Context, sessionID string, reason session.Reason) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if live, ok := store.byID[sessionID]; ok && !live.Revoked {
		live.Revoked = true
		live.Reason = reason
	}
	return nil
}

func (store *sessionStore) RevokeAllForUser(_ context.Context, userID string, reason session.Reason) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, live := range store.byID {
		if live.UserID == userID && !live.Revoked {
			live.Revoked = true
			live.Reason = reason
			count++
		}
	}
	return count, nil
}

func (store *sessionStore) ListActive(_ context.Context, userID string) ([]session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	now := store.clock.Now()
	var out []session.Session
	for _, live := range store.byID {
		if live.UserID == userID && live.Live(now) {
			out = append(out, *live)
		}
	}
	return out, nil
}

func (store *sessionStore) Reap(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}

func (store *sessionStore) Touch(_ context.Context, _ string) error { return nil }

// credentialStore is an in-memory credential.Repository.
type credentialStore struct {
	mu        sync.Mutex
	passwords map[string]*credential.PasswordCredential
	totp      map[string]*credential.TOTPEnrollment
	channels  map[string]*credential.ContactChannel
}

func newCredentialStore() *credentialStore {
	return &credentialStore{
		passwords: map[string]*credential.PasswordCredential{},
		totp:      map[string]*credential.TOTPEnrollment{},
		channels:  map[string]*credential.ContactChannel{},
	}
}

func (store *credentialStore) FindPasswordFor(_ context.Context, userID string) (*credential.PasswordCredential, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, ok := store.passwords[userID]
	if !ok {
		return nil, apperr.NotFound("Password credential")
	}
	copied := *stored
	return &copied, nil
}

func (store *credentialStore) UpsertPassword(_ context.Context, userID, digest string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.passwords[userID] = &credential.PasswordCredential{UserID: userID, Digest: digest}
	return nil
}

func (store *credentialStore) RecordFailure(_ context.Context, userID string, lockedUntil time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored := store.passwords[userID]
	stored.FailedAttempts++
	stored.LockedUntil = lockedUntil
	return stored.FailedAttempts, nil
}

func (store *credentialStore) RecordSuccess(_ context.Context, userID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if stored, ok := store.passwords[userID]; ok {
		stored.FailedAttempts = 0
		stored.LockedUntil = time.Time{}
	}
	return nil
}

func (store *credentialStore) ListWebAuthnFor(_ context.Context, _ string) ([]credential.WebAuthnCredential, error) {
	return nil, nil
}

func (store *credentialStore) AddWebAuthn(_ context.Context, _ *credential.WebAuthnCredential) error {
	return nil
}

func (store *credentialStore) UpdateWebAuthnCounter(_ context.Context, _ string, _ uint32) error {
	return nil
}

func (store *credentialStore) RemoveWebAuthn(_ context.Context, _, _ string) error { return nil }

func (store *credentialStore) FindTOTPFor(_ context.Context, userID string) (*credential.TOTPEnrollment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	enrollment, ok := store.totp[userID]
	if !ok {
		return nil, apperr.NotFound("TOTP enrollment")
	}
	copied := *enrollment
	return &copied, nil
}

func (store *credentialStore) UpsertTOTP(_ context.Context, enrollment *credential.TOTPEnrollment) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	copied := *enrollment
	store.totp[enrollment.UserID] = &copied
	return nil
}

func (store *credentialStore) ConfirmTOTP(_ context.Context, userID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.totp[userID].Confirmed = true
	return nil
}

func (store *credentialStore) SetTOTPLastStep(_ context.Context, userID string, step int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	enrollment := store.totp[userID]
	if step <= enrollment.LastUsedStep {
		return false, nil
	}
	enrollment.LastUsedStep = step
	return true, nil
}

func (store *credentialStore) RedeemTOTPScratchCode(_ context.Context, userID, codeHash string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	enrollment, ok := store.totp[userID]
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

func (store *credentialStore) RemoveTOTP(_ context.Context, userID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.totp, userID)
	return nil
}

func (store *credentialStore) ListChannelsFor(_ context.Context, userID string) ([]credential.ContactChannel, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []credential.ContactChannel
	for _, channel := range store.channels {
		if channel.UserID == userID {
			out = append(out, *channel)
		}
	}
	return out, nil
}

func (store *credentialStore) AddChannel(_ context.Context, channel *credential.ContactChannel) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	copied := *channel
	store.channels[channel.ID] = &copied
	return nil
}

func (store *credentialStore) MarkChannelVerified(_ context.Context, channelID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.channels[channelID].Verified = true
	return nil
}

// capturingMessenger records every delivery.
type capturingMessenger struct {
	mu         sync.Mutex
	magicLinks []struct{ Address, ChallengeID, Secret string }
	codes      []struct{ Address, Code string }
}

func (messenger *capturingMessenger) SendMagicLink(_ context.Context, address, challengeID, secret string) error {
	messenger.mu.Lock()
	defer messenger.mu.Unlock()
	messenger.magicLinks = append(messenger.magicLinks, struct{ Address, ChallengeID, Secret string }{address, challengeID, secret})
	return nil
}

func (messenger *capturingMessenger) SendCode(_ context.Context, _ credential.ChannelKind, address, code string) error {
	messenger.mu.Lock()
	defer messenger.mu.Unlock()
	messenger.codes = append(messenger.codes, struct{ Address, Code string }{address, code})
	return nil
}

func (messenger *capturingMessenger) lastCode() string {
	messenger.mu.Lock()
	defer messenger.mu.Unlock()
	return messenger.codes[len(messenger.codes)-1].Code
}

// # Fixture

type serviceFixture struct {
	service   *auth.Service
	users     *userStore
	devices   *deviceStore
	sessions  *sessionStore
	creds     *credentialStore
	messenger *capturingMessenger
	sink      *memorySink
	clock     *clockwork.FakeClock
	mini      *miniredis.Miniredis
	keys      *sec.Keystore
	hasher    *sec.Hasher

	emitter   *audit.Emitter
	stopDrain context.CancelFunc
	drainOnce sync.Once
}

// drainAudit stops the emitter and waits for the final flush, so the sink
// holds everything emitted so far. Safe to call more than once.
func (fixture *serviceFixture) drainAudit() {
	fixture.drainOnce.Do(func() {
		fixture.stopDrain()
		<-fixture.emitter.Done()
	})
}

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (sink *memorySink) Append(_ context.Context, batch []audit.Event) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events = append(sink.events, batch...)
	return nil
}

func (sink *memorySink) kinds() []audit.Kind {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	out := make([]audit.Kind, 0, len(sink.events))
	for _, event := range sink.events {
		out = append(out, event.Kind)
	}
	return out
}

func newServiceKeystore(t *testing.T) *sec.Keystore {
	t.Helper()

	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privatePath := filepath.Join(dir, "signing-1.pem")
	privateBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(privatePath, pem.EncodeToMemory(privateBlock), 0o600))

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPath := filepath.Join(dir, "signing-1.pub.pem")
	publicBlock := &pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}
	require.NoError(t, os.WriteFile(publicPath, pem.EncodeToMemory(publicBlock), 0o600))

	secretKey := make([]byte, 32)
	_, err = rand.Read(secretKey)
	require.NoError(t, err)

	store, err := sec.NewKeystore(sec.KeystoreConfig{
		PrivateKeyPaths: []string{privatePath},
		PublicKeyPaths:  []string{publicPath},
		SecretKeys:      []string{"1:" + hex.EncodeToString(secretKey)},
		PepperVersions:  []string{"1:service-test-pepper"},
	})
	require.NoError(t, err)
	return store
}

func newServiceFixture(t *testing.T, riskCfg risk.Config) *serviceFixture {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := newServiceKeystore(t)

	hasher, err := sec.NewHasher(sec.HashParams{MemoryKiB: 1024, TimeCost: 1, Parallelism: 1}, keys)
	require.NoError(t, err)

	users := newUserStore()
	devices := newDeviceStore()
	sessions := newSessionStore(clock)
	creds := newCredentialStore()

	registry := credential.NewRegistry(creds, keys, credential.LockoutPolicy{
		Threshold:    3,
		BaseDuration: time.Minute,
		Cap:          10 * time.Minute,
	}, clock, logger)

	breaker := cache.NewBreaker(cache.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: 10 * time.Second,
		IsExpected:       cache.IsExpectedRedisError,
		Clock:            clock,
	})

	versions := cache.New(cache.Config{
		Prefix:    "auth:cache:sv:",
		LocalSize: 64,
		LocalTTL:  10 * time.Second,
		RemoteTTL: 10 * time.Second,
	}, client, breaker, logger)

	aggregates := cache.New(cache.Config{
		Prefix:    "auth:cache:risk:",
		LocalSize: 64,
		LocalTTL:  time.Minute,
		RemoteTTL: 5 * time.Minute,
	}, client, cache.NewBreaker(cache.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: 10 * time.Second,
		IsExpected:       cache.IsExpectedRedisError,
		Clock:            clock,
	}), logger)

	engine, err := risk.NewEngine(riskCfg, sessions, aggregates, clock, logger)
	require.NoError(t, err)

	broker := challenge.NewBroker(challenge.NewRedisStore(client, clock), registry, nil, challenge.Config{
		MagicLinkTTL:     15 * time.Minute,
		CodeTTL:          5 * time.Minute,
		CeremonyTTL:      5 * time.Minute,
		CodeMaxAttempts:  5,
		TOTPDriftWindows: 1,
	}, clock, logger)

	sink := &memorySink{}
	emitter := audit.NewEmitter(sink, 256, clock, logger)
	drainCtx, stopDrain := context.WithCancel(context.Background())
	go emitter.Run(drainCtx)

	messenger := &capturingMessenger{}

	service := auth.NewService(auth.Options{
		AccessTokenTTL:          time.Hour,
		RefreshTokenTTL:         30 * 24 * time.Hour,
		AbsoluteSessionLifetime: 90 * 24 * time.Hour,
		SecurityVersionTTL:      10 * time.Second,
	}, auth.Dependencies{
		Users:       users,
		Devices:     devices,
		Sessions:    sessions,
		Credentials: registry,
		Challenges:  broker,
		Hasher:      hasher,
		Tokens:      sec.NewTokenService(keys, "torii.auth", "torii.api", clock),
		Limiter:     ratelimit.New(client, breaker, clock, logger),
		Risk:        engine,
		Versions:    versions,
		Events:      emitter,
		Messenger:   messenger,
		Clock:       clock,
		Logger:      logger,
	})

	fixture := &serviceFixture{
		service:   service,
		users:     users,
		devices:   devices,
		sessions:  sessions,
		creds:     creds,
		messenger: messenger,
		sink:      sink,
		clock:     clock,
		mini:      mini,
		keys:      keys,
		hasher:    hasher,
		emitter:   emitter,
		stopDrain: stopDrain,
	}
	t.Cleanup(fixture.drainAudit)
	return fixture
}

// seedUser creates an established, active account with the given password.
func (fixture *serviceFixture) seedUser(t *testing.T, email, password string) *identity.User {
	t.Helper()

	user := &identity.User{
		ID:        "usr-" + email,
		Email:     identity.NormalizeEmail(email),
		Status:    identity.StatusActive,
		CreatedAt: fixture.clock.Now().Add(-90 * 24 * time.Hour),
	}
	require.NoError(t, fixture.users.Create(context.Background(), user))

	digest, err := fixture.hasher.Hash(password)
	require.NoError(t, err)
	require.NoError(t, fixture.creds.UpsertPassword(context.Background(), user.ID, digest))

	fetched, err := fixture.users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	return fetched
}

func defaultRisk() risk.Config {
	return risk.Config{ChallengeFloor: 40, DenyFloor: 80}
}

// # Password login

/*
TestAuthenticate_HappyPath verifies the full password login: success outcome,
knowledge factor, a generation-zero session, and usable tokens.
*/
func TestAuthenticate_HappyPath(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	outcome := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email:             "Alice@Example.com",
		Password:          "P@ssw0rd!",
		DeviceFingerprint: "fp-1",
		IP:                "203.0.113.10",
		UserAgent:         "UA1",
	})

	require.Equal(t, auth.StatusSuccess, outcome.Status)
	require.NotNil(t, outcome.Tokens)
	require.True(t, outcome.Factors.Has(sec.FactorKnowledge))

	active, err := fixture.sessions.ListActive(ctx, outcome.User.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, 0, active[0].Generation)

	identityInfo, err := fixture.service.ValidateAccessToken(ctx, outcome.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, outcome.User.ID, identityInfo.UserID)
	require.Equal(t, active[0].ID, identityInfo.SessionID)
}

/*
TestAuthenticate_UnknownUserAndWrongPasswordLookAlike verifies enumeration
defense: both failures produce the identical external outcome.
*/
func TestAuthenticate_UnknownUserAndWrongPasswordLookAlike(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	missing := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "nobody@example.com", Password: "whatever",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})
	wrong := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "not-it",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})

	require.Equal(t, auth.StatusDenied, missing.Status)
	require.Equal(t, auth.StatusDenied, wrong.Status)
	require.Equal(t, missing.Reason, wrong.Reason)
}

/*
TestAuthenticate_LockoutAfterRepeatedFailures verifies the exponential
lockout engages at the threshold and reports a retry hint.
*/
func TestAuthenticate_LockoutAfterRepeatedFailures(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	request := auth.PasswordRequest{
		Email: "alice@example.com", Password: "wrong",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	}
	for i := 0; i < 3; i++ {
		outcome := fixture.service.Authenticate(ctx, request)
		require.Equal(t, auth.StatusDenied, outcome.Status, "attempt %d", i+1)
	}

	// The third failure hit the threshold; the lockout now gates everything,
	// including the correct password.
	request.Password = "P@ssw0rd!"
	locked := fixture.service.Authenticate(ctx, request)
	require.Equal(t, auth.StatusDenied, locked.Status)
	require.Equal(t, "account_locked", locked.Reason)
	require.False(t, locked.ResetAt.IsZero())

	// After the lockout expires the correct password succeeds and resets the
	// counter.
	fixture.clock.Advance(2 * time.Minute)
	fixture.mini.FastForward(2 * time.Minute)
	recovered := fixture.service.Authenticate(ctx, request)
	require.Equal(t, auth.StatusSuccess, recovered.Status)

	stored, err := fixture.creds.FindPasswordFor(ctx, recovered.User.ID)
	require.NoError(t, err)
	require.Zero(t, stored.FailedAttempts)
}

/*
TestAuthenticate_RateLimited verifies the sixth password attempt in the
window is refused with a reset hint before any credential work happens.
*/
func TestAuthenticate_RateLimited(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()

	request := auth.PasswordRequest{
		Email: "nobody@example.com", Password: "guess",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	}
	for i := 0; i < 5; i++ {
		outcome := fixture.service.Authenticate(ctx, request)
		require.Equal(t, auth.StatusDenied, outcome.Status, "attempt %d", i+1)
	}

	outcome := fixture.service.Authenticate(ctx, request)
	require.Equal(t, auth.StatusRateLimited, outcome.Status)
	require.False(t, outcome.ResetAt.IsZero())
}

/*
TestAuthenticate_StepUpWithEmailCode verifies the risk branch: a score
between the floors issues an email code, and resolving it mints a session
with knowledge and possession factors.
*/
func TestAuthenticate_StepUpWithEmailCode(t *testing.T) {
	// New device alone (25 points) clears a lowered challenge floor.
	fixture := newServiceFixture(t, risk.Config{ChallengeFloor: 20, DenyFloor: 80})
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	outcome := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-new", IP: "203.0.113.10", UserAgent: "UA1",
	})

	require.Equal(t, auth.StatusChallengeRequired, outcome.Status)
	require.NotNil(t, outcome.Challenge)
	require.Equal(t, challenge.VariantEmailCode, outcome.Challenge.Variant)

	resolved := fixture.service.ResolveMFA(ctx, auth.MFARequest{
		ChallengeID:       outcome.Challenge.ID,
		Method:            challenge.VariantEmailCode,
		Code:              fixture.messenger.lastCode(),
		DeviceFingerprint: "fp-new",
		IP:                "203.0.113.10",
		UserAgent:         "UA1",
	})

	require.Equal(t, auth.StatusSuccess, resolved.Status)
	require.True(t, resolved.Factors.Has(sec.FactorKnowledge|sec.FactorPossession))
}

// # Refresh

/*
TestRefresh_RotateThenReuse verifies the rotate-or-reject exclusivity:
rotation succeeds once, replaying the superseded token revokes the family,
and the freshly minted token is dead afterwards.
*/
func TestRefresh_RotateThenReuse(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	login := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})
	require.Equal(t, auth.StatusSuccess, login.Status)
	original := login.Tokens.RefreshToken

	rotated := fixture.service.Refresh(ctx, original, "203.0.113.10", "UA1")
	require.Equal(t, auth.StatusSuccess, rotated.Status)
	require.NotEqual(t, original, rotated.Tokens.RefreshToken)

	reused := fixture.service.Refresh(ctx, original, "203.0.113.10", "UA1")
	require.Equal(t, auth.StatusDenied, reused.Status)

	// The whole family died with the reuse.
	replacement := fixture.service.Refresh(ctx, rotated.Tokens.RefreshToken, "203.0.113.10", "UA1")
	require.Equal(t, auth.StatusDenied, replacement.Status)

	active, err := fixture.sessions.ListActive(ctx, login.User.ID)
	require.NoError(t, err)
	require.Empty(t, active)

	fixture.drainAudit()
	require.Contains(t, fixture.sink.kinds(), audit.KindRefreshReused)
}

/*
TestRefresh_GarbageTokenRejectedCheaply verifies a malformed token is
refused before any store work.
*/
func TestRefresh_GarbageTokenRejectedCheaply(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())

	outcome := fixture.service.Refresh(context.Background(), "not-a-refresh-token", "203.0.113.10", "UA1")
	require.Equal(t, auth.StatusDenied, outcome.Status)
}

// # Revocation

/*
TestLogoutAll_InvalidatesOutstandingTokens verifies the security-version
bump: a token valid moments ago fails validation right after LogoutAll, and
a token minted afterwards validates.
*/
func TestLogoutAll_InvalidatesOutstandingTokens(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	login := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})
	require.Equal(t, auth.StatusSuccess, login.Status)

	_, err := fixture.service.ValidateAccessToken(ctx, login.Tokens.AccessToken)
	require.NoError(t, err)

	count, err := fixture.service.LogoutAll(ctx, login.User.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = fixture.service.ValidateAccessToken(ctx, login.Tokens.AccessToken)
	require.True(t, apperr.HasCode(err, apperr.CodeTokenRevoked))

	relogin := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})
	require.Equal(t, auth.StatusSuccess, relogin.Status)

	_, err = fixture.service.ValidateAccessToken(ctx, relogin.Tokens.AccessToken)
	require.NoError(t, err)
}

/*
TestLogout_RevokesSingleSession verifies one session dies while others stay
live.
*/
func TestLogout_RevokesSingleSession(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	first := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})
	second := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-2", IP: "203.0.113.10",
	})
	require.Equal(t, auth.StatusSuccess, first.Status)
	require.Equal(t, auth.StatusSuccess, second.Status)

	firstID, err := fixture.service.ValidateAccessToken(ctx, first.Tokens.AccessToken)
	require.NoError(t, err)
	require.NoError(t, fixture.service.Logout(ctx, firstID.SessionID))

	active, err := fixture.service.ListSessions(ctx, first.User.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

// # Registration and passwordless

/*
TestSignUpAndVerifyEmail verifies registration delivers a magic link whose
completion marks the address verified.
*/
func TestSignUpAndVerifyEmail(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()

	user, challengeID, err := fixture.service.SignUp(ctx, auth.SignUpRequest{
		Email:       "Bob@Example.com",
		Password:    "S3cret-pass",
		DisplayName: "Bob",
		IP:          "203.0.113.10",
	})
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", user.Email)
	require.NotEmpty(t, challengeID)
	require.Len(t, fixture.messenger.magicLinks, 1)

	delivery := fixture.messenger.magicLinks[0]
	require.NoError(t, fixture.service.VerifyEmail(ctx, delivery.ChallengeID, delivery.Secret))

	fetched, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, fetched.EmailVerified)

	// Duplicate registration conflicts.
	_, _, err = fixture.service.SignUp(ctx, auth.SignUpRequest{
		Email: "bob@example.com", Password: "another", IP: "203.0.113.10",
	})
	require.True(t, apperr.HasCode(err, apperr.CodeConflict))
}

/*
TestPasswordless_RoundTrip verifies the magic-link login mints a
possession-factor session, and that an unknown address gets the same begin
response without any delivery.
*/
func TestPasswordless_RoundTrip(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	start, err := fixture.service.BeginPasswordless(ctx, "alice@example.com", "fp-1", "203.0.113.10")
	require.NoError(t, err)
	require.Len(t, fixture.messenger.magicLinks, 1)

	ghost, err := fixture.service.BeginPasswordless(ctx, "nobody@example.com", "fp-1", "203.0.113.10")
	require.NoError(t, err)
	require.NotEmpty(t, ghost.ChallengeID)
	require.Len(t, fixture.messenger.magicLinks, 1, "no delivery for unknown address")

	delivery := fixture.messenger.magicLinks[0]
	outcome := fixture.service.CompletePasswordless(ctx, start.ChallengeID, delivery.Secret, "fp-1", "203.0.113.10", "UA1")
	require.Equal(t, auth.StatusSuccess, outcome.Status)
	require.True(t, outcome.Factors.Has(sec.FactorPossession))
	require.False(t, outcome.Factors.Has(sec.FactorKnowledge))

	// The link is single-use.
	replay := fixture.service.CompletePasswordless(ctx, start.ChallengeID, delivery.Secret, "fp-1", "203.0.113.10", "UA1")
	require.Equal(t, auth.StatusDenied, replay.Status)
}

/*
TestChangePassword_RevokesEverything verifies a password change kills live
sessions and outstanding access tokens.
*/
func TestChangePassword_RevokesEverything(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	login := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})
	require.Equal(t, auth.StatusSuccess, login.Status)

	require.NoError(t, fixture.service.ChangePassword(ctx, login.User.ID, "P@ssw0rd!", "N3w-secret!"))

	_, err := fixture.service.ValidateAccessToken(ctx, login.Tokens.AccessToken)
	require.True(t, apperr.HasCode(err, apperr.CodeTokenRevoked))

	// Old password dead, new one works.
	old := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})
	require.Equal(t, auth.StatusDenied, old.Status)

	fresh := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "N3w-secret!",
		DeviceFingerprint: "fp-1", IP: "203.0.113.10",
	})
	require.Equal(t, auth.StatusSuccess, fresh.Status)
}

// # Authenticator app

/*
TestTOTP_EnrollConfirmStepUp walks the full enrollment lifecycle: enroll,
confirm with a live code, then satisfy a risk step-up with the authenticator
instead of an email code.
*/
func TestTOTP_EnrollConfirmStepUp(t *testing.T) {
	fixture := newServiceFixture(t, risk.Config{ChallengeFloor: 20, DenyFloor: 80})
	ctx := context.Background()
	user := fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	enrollment, err := fixture.service.EnrollTOTP(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.ProvisioningURI)
	require.NotEmpty(t, enrollment.ScratchCodes)

	key, err := otp.NewKeyFromURL(enrollment.ProvisioningURI)
	require.NoError(t, err)

	// An unconfirmed enrollment never satisfies MFA: step-up still delivers
	// an email code.
	pending := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-a", IP: "203.0.113.10", UserAgent: "UA1",
	})
	require.Equal(t, auth.StatusChallengeRequired, pending.Status)
	require.Equal(t, challenge.VariantEmailCode, pending.Challenge.Variant)

	code, err := totp.GenerateCode(key.Secret(), fixture.clock.Now())
	require.NoError(t, err)
	require.NoError(t, fixture.service.ConfirmTOTP(ctx, user.ID, enrollment.ChallengeID, code))

	// Confirmed: the next step-up prefers the authenticator.
	outcome := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-b", IP: "203.0.113.10", UserAgent: "UA1",
	})
	require.Equal(t, auth.StatusChallengeRequired, outcome.Status)
	require.Equal(t, challenge.VariantTOTP, outcome.Challenge.Variant)

	// The confirmation already claimed the current time-step; move to the
	// next window for a fresh code.
	fixture.clock.Advance(30 * time.Second)
	fresh, err := totp.GenerateCode(key.Secret(), fixture.clock.Now())
	require.NoError(t, err)

	resolved := fixture.service.ResolveMFA(ctx, auth.MFARequest{
		ChallengeID:       outcome.Challenge.ID,
		Method:            challenge.VariantTOTP,
		Code:              fresh,
		DeviceFingerprint: "fp-b",
		IP:                "203.0.113.10",
		UserAgent:         "UA1",
	})
	require.Equal(t, auth.StatusSuccess, resolved.Status)

	// A replayed code from the claimed step loses.
	replayLogin := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-c", IP: "203.0.113.10", UserAgent: "UA1",
	})
	require.Equal(t, auth.StatusChallengeRequired, replayLogin.Status)

	replayed := fixture.service.ResolveMFA(ctx, auth.MFARequest{
		ChallengeID:       replayLogin.Challenge.ID,
		Method:            challenge.VariantTOTP,
		Code:              fresh,
		DeviceFingerprint: "fp-c",
		IP:                "203.0.113.10",
		UserAgent:         "UA1",
	})
	require.Equal(t, auth.StatusDenied, replayed.Status)

	require.NoError(t, fixture.service.RemoveTOTP(ctx, user.ID))
	_, err = fixture.creds.FindTOTPFor(ctx, user.ID)
	require.Error(t, err)
}

/*
TestResolveMFA_ScratchCodeRedeemsOnce verifies a recovery code resolves a
TOTP step-up when the authenticator is lost, and that each code is one-shot.
*/
func TestResolveMFA_ScratchCodeRedeemsOnce(t *testing.T) {
	fixture := newServiceFixture(t, risk.Config{ChallengeFloor: 20, DenyFloor: 80})
	ctx := context.Background()
	user := fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	enrollment, err := fixture.service.EnrollTOTP(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.ScratchCodes)

	key, err := otp.NewKeyFromURL(enrollment.ProvisioningURI)
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret(), fixture.clock.Now())
	require.NoError(t, err)
	require.NoError(t, fixture.service.ConfirmTOTP(ctx, user.ID, enrollment.ChallengeID, code))

	// Step-up from an unseen device delivers a TOTP challenge; the user lost
	// the authenticator and presents a recovery code instead.
	pending := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-lost", IP: "203.0.113.10", UserAgent: "UA1",
	})
	require.Equal(t, auth.StatusChallengeRequired, pending.Status)
	require.Equal(t, challenge.VariantTOTP, pending.Challenge.Variant)

	resolved := fixture.service.ResolveMFA(ctx, auth.MFARequest{
		ChallengeID:       pending.Challenge.ID,
		Method:            challenge.VariantRecoveryCode,
		Code:              enrollment.ScratchCodes[0],
		DeviceFingerprint: "fp-lost",
		IP:                "203.0.113.10",
		UserAgent:         "UA1",
	})
	require.Equal(t, auth.StatusSuccess, resolved.Status)

	// The redeemed code is spent: a later step-up refuses it.
	again := fixture.service.Authenticate(ctx, auth.PasswordRequest{
		Email: "alice@example.com", Password: "P@ssw0rd!",
		DeviceFingerprint: "fp-other", IP: "203.0.113.10", UserAgent: "UA1",
	})
	require.Equal(t, auth.StatusChallengeRequired, again.Status)

	replayed := fixture.service.ResolveMFA(ctx, auth.MFARequest{
		ChallengeID:       again.Challenge.ID,
		Method:            challenge.VariantRecoveryCode,
		Code:              enrollment.ScratchCodes[0],
		DeviceFingerprint: "fp-other",
		IP:                "203.0.113.10",
		UserAgent:         "UA1",
	})
	require.Equal(t, auth.StatusDenied, replayed.Status)

	// An unspent code still resolves the same challenge.
	recovered := fixture.service.ResolveMFA(ctx, auth.MFARequest{
		ChallengeID:       again.Challenge.ID,
		Method:            challenge.VariantRecoveryCode,
		Code:              enrollment.ScratchCodes[1],
		DeviceFingerprint: "fp-other",
		IP:                "203.0.113.10",
		UserAgent:         "UA1",
	})
	require.Equal(t, auth.StatusSuccess, recovered.Status)
}

/*
TestMFAChange_InvalidatesOutstandingTokens verifies that adding or removing
a second factor bumps the security version, so access tokens minted before
the change stop verifying.
*/
func TestMFAChange_InvalidatesOutstandingTokens(t *testing.T) {
	fixture := newServiceFixture(t, defaultRisk())
	ctx := context.Background()
	user := fixture.seedUser(t, "alice@example.com", "P@ssw0rd!")

	login := func() string {
		outcome := fixture.service.Authenticate(ctx, auth.PasswordRequest{
			Email: "alice@example.com", Password: "P@ssw0rd!",
			DeviceFingerprint: "fp-1", IP: "203.0.113.10", UserAgent: "UA1",
		})
		require.Equal(t, auth.StatusSuccess, outcome.Status)
		return outcome.Tokens.AccessToken
	}

	// Confirming a TOTP enrollment revokes the pre-change token.
	preConfirm := login()
	enrollment, err := fixture.service.EnrollTOTP(ctx, user.ID)
	require.NoError(t, err)
	key, err := otp.NewKeyFromURL(enrollment.ProvisioningURI)
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret(), fixture.clock.Now())
	require.NoError(t, err)
	require.NoError(t, fixture.service.ConfirmTOTP(ctx, user.ID, enrollment.ChallengeID, code))

	_, err = fixture.service.ValidateAccessToken(ctx, preConfirm)
	require.True(t, apperr.HasCode(err, apperr.CodeTokenRevoked))

	// Removing the enrollment revokes again.
	preRemove := login()
	require.NoError(t, fixture.service.RemoveTOTP(ctx, user.ID))
	_, err = fixture.service.ValidateAccessToken(ctx, preRemove)
	require.True(t, apperr.HasCode(err, apperr.CodeTokenRevoked))

	// So does deleting a passkey.
	prePasskey := login()
	require.NoError(t, fixture.service.RemoveWebAuthnCredential(ctx, user.ID, "cred-1"))
	_, err = fixture.service.ValidateAccessToken(ctx, prePasskey)
	require.True(t, apperr.HasCode(err, apperr.CodeTokenRevoked))

	// A token minted after the changes verifies normally.
	fresh := login()
	_, err = fixture.service.ValidateAccessToken(ctx, fresh)
	require.NoError(t, err)
}
