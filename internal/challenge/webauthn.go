// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package challenge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/taibuivan/torii/internal/credential"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/pkg/uuidv7"
)

// # WebAuthn Adapter

// webauthnUser adapts an account plus its registered passkeys to the shape
// the ceremony library expects.
type webauthnUser struct {
	user        *identity.User
	credentials []credential.WebAuthnCredential
}

func newWebAuthnUser(user *identity.User, credentials []credential.WebAuthnCredential) *webauthnUser {
	return &webauthnUser{user: user, credentials: credentials}
}

// WebAuthnID returns the stable account identifier binding passkeys to the
// account. It must never change once a passkey exists.
func (adapter *webauthnUser) WebAuthnID() []byte {
	return []byte(adapter.user.ID)
}

func (adapter *webauthnUser) WebAuthnName() string {
	return adapter.user.Email
}

func (adapter *webauthnUser) WebAuthnDisplayName() string {
	if adapter.user.DisplayName != "" {
		return adapter.user.DisplayName
	}
	return adapter.user.Email
}

func (adapter *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(adapter.credentials))
	for _, stored := range adapter.credentials {
		id, err := base64.RawURLEncoding.DecodeString(stored.ID)
		if err != nil {
			continue
		}

		transports := make([]protocol.AuthenticatorTransport, 0, len(stored.Transports))
		for _, transport := range stored.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(transport))
		}

		out = append(out, webauthn.Credential{
			ID:        id,
			PublicKey: stored.PublicKey,
			Transport: transports,
			Authenticator: webauthn.Authenticator{
				AAGUID:     stored.AAGUID,
				SignCount:  stored.SignCount,
				Attachment: protocol.AuthenticatorAttachment(stored.Attachment),
			},
		})
	}
	return out
}

// # Ceremonies

/*
BeginWebAuthnRegistration opens an attestation ceremony for the account.

Description: The ceremony session data is stored as the challenge payload, so
the finish step can only ever complete against the exact challenge the
browser was shown.

Parameters:
  - ctx: context.Context
  - user: *identity.User
  - fingerprintHash: string

Returns:
  - *protocol.CredentialCreation: Options for navigator.credentials.create
  - string: Challenge ID to present at finish
  - error: Ceremony or store failures
*/
func (broker *Broker) BeginWebAuthnRegistration(ctx context.Context, user *identity.User, fingerprintHash string) (*protocol.CredentialCreation, string, error) {
	existing, err := broker.credentials.ListWebAuthnFor(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}

	options, sessionData, err := broker.relyingParty.BeginRegistration(newWebAuthnUser(user, existing))
	if err != nil {
		return nil, "", fmt.Errorf("challenge_broker_webauthn_begin_register_failed: %w", err)
	}

	challengeID, err := broker.putCeremony(ctx, VariantWebAuthnCreate, user.ID, fingerprintHash, sessionData)
	if err != nil {
		return nil, "", err
	}
	return options, challengeID, nil
}

/*
FinishWebAuthnRegistration validates an attestation response and persists the
new passkey.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - user: *identity.User
  - body: io.Reader (the browser's JSON attestation response)
  - nickname: string

Returns:
  - *credential.WebAuthnCredential: The stored passkey
  - error: apperr.InvalidCredential on a failed ceremony, store errors otherwise
*/
func (broker *Broker) FinishWebAuthnRegistration(ctx context.Context, challengeID string, user *identity.User, body io.Reader, nickname string) (*credential.WebAuthnCredential, error) {
	sessionData, _, err := broker.takeCeremony(ctx, challengeID, VariantWebAuthnCreate, user.ID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, apperr.InvalidCredential()
	}

	existing, err := broker.credentials.ListWebAuthnFor(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	attested, err := broker.relyingParty.CreateCredential(newWebAuthnUser(user, existing), *sessionData, parsed)
	if err != nil {
		broker.logger.WarnContext(ctx, "webauthn attestation rejected",
			slog.String("challenge_id", challengeID))
		return nil, apperr.InvalidCredential()
	}

	if err := broker.store.Consume(ctx, challengeID); err != nil {
		return nil, err
	}

	transports := make([]string, 0, len(attested.Transport))
	for _, transport := range attested.Transport {
		transports = append(transports, string(transport))
	}

	stored := &credential.WebAuthnCredential{
		ID:         base64.RawURLEncoding.EncodeToString(attested.ID),
		UserID:     user.ID,
		PublicKey:  attested.PublicKey,
		AAGUID:     attested.Authenticator.AAGUID,
		SignCount:  attested.Authenticator.SignCount,
		Attachment: string(attested.Authenticator.Attachment),
		Transports: transports,
		Nickname:   nickname,
		CreatedAt:  broker.clock.Now(),
	}
	if err := broker.credentials.AddWebAuthn(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

/*
BeginWebAuthnLogin opens an assertion ceremony for the account.

Parameters:
  - ctx: context.Context
  - user: *identity.User
  - fingerprintHash: string

Returns:
  - *protocol.CredentialAssertion: Options for navigator.credentials.get
  - string: Challenge ID to present at finish
  - error: Ceremony or store failures
*/
func (broker *Broker) BeginWebAuthnLogin(ctx context.Context, user *identity.User, fingerprintHash string) (*protocol.CredentialAssertion, string, error) {
	registered, err := broker.credentials.ListWebAuthnFor(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	if len(registered) == 0 {
		return nil, "", apperr.InvalidCredential()
	}

	options, sessionData, err := broker.relyingParty.BeginLogin(newWebAuthnUser(user, registered))
	if err != nil {
		return nil, "", fmt.Errorf("challenge_broker_webauthn_begin_login_failed: %w", err)
	}

	challengeID, err := broker.putCeremony(ctx, VariantWebAuthnGet, user.ID, fingerprintHash, sessionData)
	if err != nil {
		return nil, "", err
	}
	return options, challengeID, nil
}

/*
FinishWebAuthnLogin validates an assertion response.

Description: A clone warning (signature counter regressed or stalled on a
counter-bearing authenticator) fails the ceremony closed; the passkey is left
in place for the operator to inspect but the login does not proceed.

Parameters:
  - ctx: context.Context
  - challengeID: string
  - user: *identity.User
  - body: io.Reader (the browser's JSON assertion response)

Returns:
  - string: The asserting credential ID (base64url)
  - error: apperr.InvalidCredential on any ceremony failure
*/
func (broker *Broker) FinishWebAuthnLogin(ctx context.Context, challengeID string, user *identity.User, body io.Reader) (string, error) {
	sessionData, _, err := broker.takeCeremony(ctx, challengeID, VariantWebAuthnGet, user.ID)
	if err != nil {
		return "", err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return "", apperr.InvalidCredential()
	}

	registered, err := broker.credentials.ListWebAuthnFor(ctx, user.ID)
	if err != nil {
		return "", err
	}

	asserted, err := broker.relyingParty.ValidateLogin(newWebAuthnUser(user, registered), *sessionData, parsed)
	if err != nil {
		broker.logger.WarnContext(ctx, "webauthn assertion rejected",
			slog.String("challenge_id", challengeID))
		return "", apperr.InvalidCredential()
	}

	if asserted.Authenticator.CloneWarning {
		broker.logger.ErrorContext(ctx, "webauthn clone warning",
			slog.String("user_id", user.ID))
		return "", apperr.InvalidCredential()
	}

	if err := broker.store.Consume(ctx, challengeID); err != nil {
		return "", err
	}

	credentialID := base64.RawURLEncoding.EncodeToString(asserted.ID)
	if err := broker.credentials.AcceptAssertion(ctx, credentialID, asserted.Authenticator.SignCount); err != nil {
		return "", err
	}
	return credentialID, nil
}

// putCeremony stores a ceremony challenge with the serialized session data as
// its payload.
func (broker *Broker) putCeremony(ctx context.Context, variant Variant, userID, fingerprintHash string, sessionData *webauthn.SessionData) (string, error) {
	payload, err := json.Marshal(sessionData)
	if err != nil {
		return "", fmt.Errorf("challenge_broker_ceremony_marshal_failed: %w", err)
	}

	now := broker.clock.Now()
	pending := &Challenge{
		ID:              uuidv7.New(),
		Variant:         variant,
		UserID:          userID,
		FingerprintHash: fingerprintHash,
		Payload:         payload,
		MaxAttempts:     1,
		IssuedAt:        now,
		ExpiresAt:       now.Add(broker.cfg.CeremonyTTL),
	}
	if err := broker.store.Put(ctx, pending); err != nil {
		return "", err
	}

	broker.logger.InfoContext(ctx, "challenge issued",
		slog.String("challenge_id", pending.ID),
		slog.String("variant", string(variant)))
	return pending.ID, nil
}

// takeCeremony charges the single ceremony attempt and rehydrates the session
// data, checking the challenge belongs to the presenting user.
func (broker *Broker) takeCeremony(ctx context.Context, challengeID string, variant Variant, userID string) (*webauthn.SessionData, *Challenge, error) {
	pending, err := broker.store.Attempt(ctx, challengeID)
	if err != nil {
		return nil, nil, err
	}
	if pending.Variant != variant || pending.UserID != userID {
		return nil, nil, apperr.InvalidCredential()
	}

	sessionData := &webauthn.SessionData{}
	if err := json.Unmarshal(pending.Payload, sessionData); err != nil {
		return nil, nil, apperr.InvariantViolation("ceremony session data corrupt", err)
	}
	return sessionData, pending, nil
}
