// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

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

// # User Repository

// PostgresUserRepository implements the UserRepository interface using pgx.
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new PostgreSQL implementation of the UserRepository.
func NewUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

/*
Create persists a new principal into the iam.account table.

Parameters:
  - context: context.Context
  - user: *User (Entity to persist)

Returns:
  - error: apperr.Conflict on a duplicate normalized email, connectivity errors
*/
func (repository *PostgresUserRepository) Create(context context.Context, user *User) error {
	const query = `
		INSERT INTO iam.account (
			id, email, displayname, status, securityversion, emailverified, createdat, updatedat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.Status == "" {
		user.Status = StatusActive
	}

	_, err := repository.pool.Exec(context, query,
		user.ID,
		user.Email,
		user.DisplayName,
		user.Status,
		user.SecurityVersion,
		user.EmailVerified,
		user.CreatedAt,
		user.UpdatedAt,
	)

	if err != nil {
		return dberr.Wrap(err, "An account with this email already exists")
	}

	return nil
}

/*
FindByEmail retrieves a principal by normalized email address.

Description: Soft-deleted accounts are filtered here so every caller sees
them as absent, which keeps the login path's uniform-failure property intact.

Parameters:
  - context: context.Context
  - email: string (normalized)

Returns:
  - *User: Hydrated entity
  - error: apperr.NotFound or database errors
*/
func (repository *PostgresUserRepository) FindByEmail(context context.Context, email string) (*User, error) {
	const query = `
		SELECT id, email, displayname, status, securityversion, emailverified, createdat, updatedat
		FROM iam.account
		WHERE email = $1 AND status != 'deleted'`

	return repository.scanOne(repository.pool.QueryRow(context, query, email), "find_by_email")
}

/*
FindByID retrieves a principal by primary key.

Parameters:
  - context: context.Context
  - id: string (UUIDv7)

Returns:
  - *User: Hydrated entity
  - error: apperr.NotFound or database errors
*/
func (repository *PostgresUserRepository) FindByID(context context.Context, id string) (*User, error) {
	const query = `
		SELECT id, email, displayname, status, securityversion, emailverified, createdat, updatedat
		FROM iam.account
		WHERE id = $1 AND status != 'deleted'`

	return repository.scanOne(repository.pool.QueryRow(context, query, id), "find_by_id")
}

/*
SetStatus transitions the account lifecycle state.

Parameters:
  - context: context.Context
  - userID: string
  - status: Status

Returns:
  - error: Execution errors
*/
func (repository *PostgresUserRepository) SetStatus(context context.Context, userID string, status Status) error {
	const query = "UPDATE iam.account SET status = $2, updatedat = $3 WHERE id = $1"
	_, err := repository.pool.Exec(context, query, userID, status, time.Now())
	if err != nil {
		return fmt.Errorf("postgres_user_repo_set_status_failed: %w", err)
	}
	return nil
}

/*
MarkEmailVerified flips emailverified to TRUE.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - error: Execution errors
*/
func (repository *PostgresUserRepository) MarkEmailVerified(context context.Context, userID string) error {
	const query = "UPDATE iam.account SET emailverified = TRUE, updatedat = $2 WHERE id = $1"
	_, err := repository.pool.Exec(context, query, userID, time.Now())
	if err != nil {
		return fmt.Errorf("postgres_user_repo_mark_verified_failed: %w", err)
	}
	return nil
}

/*
BumpSecurityVersion atomically increments the per-user security version.

Description: The increment happens in the database so two concurrent bumps
never collapse into one; both observers see distinct, monotonic versions.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - int: The new version
  - error: apperr.NotFound or execution errors
*/
func (repository *PostgresUserRepository) BumpSecurityVersion(context context.Context, userID string) (int, error) {
	const query = `
		UPDATE iam.account
		SET securityversion = securityversion + 1, updatedat = $2
		WHERE id = $1
		RETURNING securityversion`

	var version int
	err := repository.pool.QueryRow(context, query, userID, time.Now()).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperr.NotFound("User")
		}
		return 0, fmt.Errorf("postgres_user_repo_bump_security_version_failed: %w", err)
	}

	return version, nil
}

/*
SecurityVersionOf returns only the current security version.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - int: Current version
  - error: apperr.NotFound or execution errors
*/
func (repository *PostgresUserRepository) SecurityVersionOf(context context.Context, userID string) (int, error) {
	const query = "SELECT securityversion FROM iam.account WHERE id = $1 AND status != 'deleted'"

	var version int
	err := repository.pool.QueryRow(context, query, userID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperr.NotFound("User")
		}
		return 0, fmt.Errorf("postgres_user_repo_security_version_failed: %w", err)
	}

	return version, nil
}

// scanOne hydrates a single account row.
func (repository *PostgresUserRepository) scanOne(row pgx.Row, action string) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.Status,
		&user.SecurityVersion,
		&user.EmailVerified,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("User")
		}
		return nil, fmt.Errorf("postgres_user_repo_%s_failed: %w", action, err)
	}

	return user, nil
}
