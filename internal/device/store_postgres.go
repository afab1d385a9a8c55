// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/torii/internal/platform/apperr"
)

// # Device Repository

// PostgresRepository implements the Repository interface using pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL implementation of the device Repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

/*
FindByFingerprint retrieves a device by (user, fingerprint hash).

Parameters:
  - context: context.Context
  - userID: string
  - fingerprintHash: string

Returns:
  - *Device: Hydrated entity
  - error: apperr.NotFound or execution errors
*/
func (repository *PostgresRepository) FindByFingerprint(context context.Context, userID, fingerprintHash string) (*Device, error) {
	const query = `
		SELECT id, userid, fingerprinthash, trustlevel, useragent, lastseenat, createdat
		FROM iam.device
		WHERE userid = $1 AND fingerprinthash = $2`

	device := &Device{}
	err := repository.pool.QueryRow(context, query, userID, fingerprintHash).Scan(
		&device.ID,
		&device.UserID,
		&device.FingerprintHash,
		&device.TrustLevel,
		&device.UserAgent,
		&device.LastSeenAt,
		&device.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Device")
		}
		return nil, fmt.Errorf("postgres_device_repo_find_failed: %w", err)
	}

	return device, nil
}

/*
Observe upserts a device observation.

Description: The (userid, fingerprinthash) pair is unique; a re-observation
only refreshes lastseenat and useragent, never the trust level.

Parameters:
  - context: context.Context
  - device: *Device

Returns:
  - error: Persistence failures
*/
func (repository *PostgresRepository) Observe(context context.Context, device *Device) error {
	const query = `
		INSERT INTO iam.device (
			id, userid, fingerprinthash, trustlevel, useragent, lastseenat, createdat
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (userid, fingerprinthash)
		DO UPDATE SET lastseenat = EXCLUDED.lastseenat, useragent = EXCLUDED.useragent`

	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.LastSeenAt = now
	if device.TrustLevel == "" {
		device.TrustLevel = TrustNew
	}

	_, err := repository.pool.Exec(context, query,
		device.ID,
		device.UserID,
		device.FingerprintHash,
		device.TrustLevel,
		device.UserAgent,
		device.LastSeenAt,
		device.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("postgres_device_repo_observe_failed: %w", err)
	}

	return nil
}

/*
Promote raises the device's trust level.

Parameters:
  - context: context.Context
  - deviceID: string
  - level: TrustLevel

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) Promote(context context.Context, deviceID string, level TrustLevel) error {
	const query = "UPDATE iam.device SET trustlevel = $2 WHERE id = $1"
	_, err := repository.pool.Exec(context, query, deviceID, level)
	if err != nil {
		return fmt.Errorf("postgres_device_repo_promote_failed: %w", err)
	}
	return nil
}
