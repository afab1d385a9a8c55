// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/dberr"
)

// # Credential Repository

// PostgresRepository implements the Repository interface using pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL implementation of the credential Repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// -- Passwords --

/*
FindPasswordFor retrieves the user's active password credential.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - *PasswordCredential: Hydrated entity
  - error: apperr.NotFound or execution errors
*/
func (repository *PostgresRepository) FindPasswordFor(context context.Context, userID string) (*PasswordCredential, error) {
	const query = `
		SELECT userid, digest, failedattempts, COALESCE(lockeduntil, 'epoch'::timestamptz), createdat, updatedat
		FROM iam.password_credential
		WHERE userid = $1`

	credential := &PasswordCredential{}
	err := repository.pool.QueryRow(context, query, userID).Scan(
		&credential.UserID,
		&credential.Digest,
		&credential.FailedAttempts,
		&credential.LockedUntil,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Password credential")
		}
		return nil, fmt.Errorf("postgres_credential_repo_find_password_failed: %w", err)
	}

	if credential.LockedUntil.Unix() == 0 {
		credential.LockedUntil = time.Time{}
	}

	return credential, nil
}

/*
UpsertPassword installs or replaces the user's password digest.

Description: The userid primary key enforces the at-most-one invariant in the
schema itself. A replacement clears the failure counter and lockout.

Parameters:
  - context: context.Context
  - userID: string
  - digest: string

Returns:
  - error: Persistence failures
*/
func (repository *PostgresRepository) UpsertPassword(context context.Context, userID, digest string) error {
	const query = `
		INSERT INTO iam.password_credential (userid, digest, failedattempts, lockeduntil, createdat, updatedat)
		VALUES ($1, $2, 0, NULL, $3, $3)
		ON CONFLICT (userid)
		DO UPDATE SET digest = EXCLUDED.digest, failedattempts = 0, lockeduntil = NULL, updatedat = EXCLUDED.updatedat`

	_, err := repository.pool.Exec(context, query, userID, digest, time.Now())
	if err != nil {
		return fmt.Errorf("postgres_credential_repo_upsert_password_failed: %w", err)
	}
	return nil
}

/*
RecordFailure increments the consecutive-failure counter.

Parameters:
  - context: context.Context
  - userID: string
  - lockedUntil: time.Time (zero = no lockout)

Returns:
  - int: The new failure count
  - error: apperr.NotFound or execution errors
*/
func (repository *PostgresRepository) RecordFailure(context context.Context, userID string, lockedUntil time.Time) (int, error) {
	const query = `
		UPDATE iam.password_credential
		SET failedattempts = failedattempts + 1, lockeduntil = $2, updatedat = $3
		WHERE userid = $1
		RETURNING failedattempts`

	var deadline *time.Time
	if !lockedUntil.IsZero() {
		deadline = &lockedUntil
	}

	var count int
	err := repository.pool.QueryRow(context, query, userID, deadline, time.Now()).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperr.NotFound("Password credential")
		}
		return 0, fmt.Errorf("postgres_credential_repo_record_failure_failed: %w", err)
	}

	return count, nil
}

/*
RecordSuccess clears the failure counter and lockout deadline.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) RecordSuccess(context context.Context, userID string) error {
	const query = `
		UPDATE iam.password_credential
		SET failedattempts = 0, lockeduntil = NULL, updatedat = $2
		WHERE userid = $1`

	_, err := repository.pool.Exec(context, query, userID, time.Now())
	if err != nil {
		return fmt.Errorf("postgres_credential_repo_record_success_failed: %w", err)
	}
	return nil
}

// -- WebAuthn --

/*
ListWebAuthnFor returns every passkey registered by the user.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - []WebAuthnCredential: May be empty
  - error: Execution errors
*/
func (repository *PostgresRepository) ListWebAuthnFor(context context.Context, userID string) ([]WebAuthnCredential, error) {
	const query = `
		SELECT id, userid, publickey, aaguid, signcount, attachment, transports, nickname, createdat, lastusedat
		FROM iam.webauthn_credential
		WHERE userid = $1
		ORDER BY createdat`

	rows, err := repository.pool.Query(context, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres_credential_repo_list_webauthn_failed: %w", err)
	}
	defer rows.Close()

	var credentials []WebAuthnCredential
	for rows.Next() {
		var credential WebAuthnCredential
		if err := rows.Scan(
			&credential.ID,
			&credential.UserID,
			&credential.PublicKey,
			&credential.AAGUID,
			&credential.SignCount,
			&credential.Attachment,
			&credential.Transports,
			&credential.Nickname,
			&credential.CreatedAt,
			&credential.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres_credential_repo_scan_webauthn_failed: %w", err)
		}
		credentials = append(credentials, credential)
	}

	return credentials, rows.Err()
}

/*
AddWebAuthn persists a newly attested passkey.

Parameters:
  - context: context.Context
  - credential: *WebAuthnCredential

Returns:
  - error: apperr.Conflict on a duplicate credential ID
*/
func (repository *PostgresRepository) AddWebAuthn(context context.Context, credential *WebAuthnCredential) error {
	const query = `
		INSERT INTO iam.webauthn_credential (
			id, userid, publickey, aaguid, signcount, attachment, transports, nickname, createdat, lastusedat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	now := time.Now()
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}
	if credential.LastUsedAt.IsZero() {
		credential.LastUsedAt = now
	}

	_, err := repository.pool.Exec(context, query,
		credential.ID,
		credential.UserID,
		credential.PublicKey,
		credential.AAGUID,
		credential.SignCount,
		credential.Attachment,
		credential.Transports,
		credential.Nickname,
		credential.CreatedAt,
		credential.LastUsedAt,
	)

	if err != nil {
		return dberr.Wrap(err, "This passkey is already registered")
	}
	return nil
}

/*
UpdateWebAuthnCounter stores the accepted assertion's signature counter.

Parameters:
  - context: context.Context
  - credentialID: string
  - signCount: uint32

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) UpdateWebAuthnCounter(context context.Context, credentialID string, signCount uint32) error {
	const query = `
		UPDATE iam.webauthn_credential
		SET signcount = $2, lastusedat = $3
		WHERE id = $1`

	_, err := repository.pool.Exec(context, query, credentialID, signCount, time.Now())
	if err != nil {
		return fmt.Errorf("postgres_credential_repo_update_counter_failed: %w", err)
	}
	return nil
}

/*
RemoveWebAuthn deletes one passkey.

Parameters:
  - context: context.Context
  - userID: string
  - credentialID: string

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) RemoveWebAuthn(context context.Context, userID, credentialID string) error {
	const query = "DELETE FROM iam.webauthn_credential WHERE userid = $1 AND id = $2"
	_, err := repository.pool.Exec(context, query, userID, credentialID)
	if err != nil {
		return fmt.Errorf("postgres_credential_repo_remove_webauthn_failed: %w", err)
	}
	return nil
}

// -- TOTP --

/*
FindTOTPFor returns the user's primary enrollment.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - *TOTPEnrollment: Hydrated entity (sealed secret)
  - error: apperr.NotFound or execution errors
*/
func (repository *PostgresRepository) FindTOTPFor(context context.Context, userID string) (*TOTPEnrollment, error) {
	const query = `
		SELECT userid, sealedsecret, laststep, scratchcodes, confirmed, createdat
		FROM iam.totp_enrollment
		WHERE userid = $1`

	enrollment := &TOTPEnrollment{}
	err := repository.pool.QueryRow(context, query, userID).Scan(
		&enrollment.UserID,
		&enrollment.SealedSecret,
		&enrollment.LastUsedStep,
		&enrollment.ScratchCodeHashes,
		&enrollment.Confirmed,
		&enrollment.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("TOTP enrollment")
		}
		return nil, fmt.Errorf("postgres_credential_repo_find_totp_failed: %w", err)
	}

	return enrollment, nil
}

/*
UpsertTOTP installs or replaces the primary enrollment.

Description: The userid primary key enforces the single-primary invariant.
A replacement starts unconfirmed again.

Parameters:
  - context: context.Context
  - enrollment: *TOTPEnrollment

Returns:
  - error: Persistence failures
*/
func (repository *PostgresRepository) UpsertTOTP(context context.Context, enrollment *TOTPEnrollment) error {
	const query = `
		INSERT INTO iam.totp_enrollment (userid, sealedsecret, laststep, scratchcodes, confirmed, createdat)
		VALUES ($1, $2, 0, $3, FALSE, $4)
		ON CONFLICT (userid)
		DO UPDATE SET sealedsecret = EXCLUDED.sealedsecret, laststep = 0,
		              scratchcodes = EXCLUDED.scratchcodes, confirmed = FALSE, createdat = EXCLUDED.createdat`

	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = time.Now()
	}

	_, err := repository.pool.Exec(context, query,
		enrollment.UserID,
		enrollment.SealedSecret,
		enrollment.ScratchCodeHashes,
		enrollment.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("postgres_credential_repo_upsert_totp_failed: %w", err)
	}
	return nil
}

/*
ConfirmTOTP marks the enrollment as confirmed.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) ConfirmTOTP(context context.Context, userID string) error {
	const query = "UPDATE iam.totp_enrollment SET confirmed = TRUE WHERE userid = $1"
	_, err := repository.pool.Exec(context, query, userID)
	if err != nil {
		return fmt.Errorf("postgres_credential_repo_confirm_totp_failed: %w", err)
	}
	return nil
}

/*
SetTOTPLastStep records the accepted time-step, forward-only.

Description: The WHERE clause makes the update a compare-and-swap: a replayed
or older code finds laststep already >= step and changes nothing, which the
caller must treat as a verification failure.

Parameters:
  - context: context.Context
  - userID: string
  - step: int64

Returns:
  - bool: false when the stored step was not advanced
  - error: Execution errors
*/
func (repository *PostgresRepository) SetTOTPLastStep(context context.Context, userID string, step int64) (bool, error) {
	const query = `
		UPDATE iam.totp_enrollment
		SET laststep = $2
		WHERE userid = $1 AND laststep < $2`

	tag, err := repository.pool.Exec(context, query, userID, step)
	if err != nil {
		return false, fmt.Errorf("postgres_credential_repo_set_totp_step_failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

/*
RedeemTOTPScratchCode removes one stored scratch-code hash, atomically.

Description: The WHERE clause makes the removal a compare-and-swap: only a
row that still carries the hash is updated, so two concurrent redeemers of
the same code cannot both win.

Parameters:
  - context: context.Context
  - userID: string
  - codeHash: string

Returns:
  - bool: false when the hash was not present
  - error: Execution errors
*/
func (repository *PostgresRepository) RedeemTOTPScratchCode(context context.Context, userID, codeHash string) (bool, error) {
	const query = `
		UPDATE iam.totp_enrollment
		SET scratchcodes = array_remove(scratchcodes, $2)
		WHERE userid = $1 AND $2 = ANY(scratchcodes)`

	tag, err := repository.pool.Exec(context, query, userID, codeHash)
	if err != nil {
		return false, fmt.Errorf("postgres_credential_repo_redeem_scratch_failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

/*
RemoveTOTP deletes the enrollment.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) RemoveTOTP(context context.Context, userID string) error {
	const query = "DELETE FROM iam.totp_enrollment WHERE userid = $1"
	_, err := repository.pool.Exec(context, query, userID)
	if err != nil {
		return fmt.Errorf("postgres_credential_repo_remove_totp_failed: %w", err)
	}
	return nil
}

// -- Contact channels --

/*
ListChannelsFor returns the user's contact channels.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - []ContactChannel: May be empty
  - error: Execution errors
*/
func (repository *PostgresRepository) ListChannelsFor(context context.Context, userID string) ([]ContactChannel, error) {
	const query = `
		SELECT id, userid, kind, address, verified, createdat
		FROM iam.contact_channel
		WHERE userid = $1
		ORDER BY createdat`

	rows, err := repository.pool.Query(context, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres_credential_repo_list_channels_failed: %w", err)
	}
	defer rows.Close()

	var channels []ContactChannel
	for rows.Next() {
		var channel ContactChannel
		if err := rows.Scan(
			&channel.ID,
			&channel.UserID,
			&channel.Kind,
			&channel.Address,
			&channel.Verified,
			&channel.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres_credential_repo_scan_channel_failed: %w", err)
		}
		channels = append(channels, channel)
	}

	return channels, rows.Err()
}

/*
AddChannel persists a new (unverified) delivery address.

Parameters:
  - context: context.Context
  - channel: *ContactChannel

Returns:
  - error: Persistence failures
*/
func (repository *PostgresRepository) AddChannel(context context.Context, channel *ContactChannel) error {
	const query = `
		INSERT INTO iam.contact_channel (id, userid, kind, address, verified, createdat)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now()
	}

	_, err := repository.pool.Exec(context, query,
		channel.ID,
		channel.UserID,
		channel.Kind,
		channel.Address,
		channel.Verified,
		channel.CreatedAt,
	)

	if err != nil {
		return dberr.Wrap(err, "This address is already registered")
	}
	return nil
}

/*
MarkChannelVerified flips the verified flag.

Parameters:
  - context: context.Context
  - channelID: string

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) MarkChannelVerified(context context.Context, channelID string) error {
	const query = "UPDATE iam.contact_channel SET verified = TRUE WHERE id = $1"
	_, err := repository.pool.Exec(context, query, channelID)
	if err != nil {
		return fmt.Errorf("postgres_credential_repo_mark_channel_verified_failed: %w", err)
	}
	return nil
}
