// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/sec"
)

// sessionColumns is the canonical select list, matching scanSession.
const sessionColumns = `
	id, userid, deviceid, familyid, generation, refreshhash, prevrefreshhash,
	factors, riskscore, issuedip, useragent, revoked, reason,
	createdat, lastseenat, refreshexpiresat, absoluteexpiresat`

// # Session Repository

// PostgresRepository implements the Repository interface using pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL implementation of the session Repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

/*
Create persists a new session row.

Parameters:
  - context: context.Context
  - session: *Session

Returns:
  - error: Persistence failures
*/
func (repository *PostgresRepository) Create(context context.Context, session *Session) error {
	const query = `
		INSERT INTO iam.session (` + sessionColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastSeenAt.IsZero() {
		session.LastSeenAt = now
	}

	_, err := repository.pool.Exec(context, query,
		session.ID,
		session.UserID,
		session.DeviceID,
		session.FamilyID,
		session.Generation,
		session.RefreshHash,
		session.PrevRefreshHash,
		int16(session.Factors),
		session.RiskScore,
		session.IssuedIP,
		session.UserAgent,
		session.Revoked,
		session.Reason,
		session.CreatedAt,
		session.LastSeenAt,
		session.RefreshExpiresAt,
		session.AbsoluteExpiresAt,
	)

	if err != nil {
		return fmt.Errorf("postgres_session_repo_create_failed: %w", err)
	}
	return nil
}

/*
FindByID retrieves a session by primary key, revoked or not.

Parameters:
  - context: context.Context
  - sessionID: string

Returns:
  - *Session: Hydrated entity
  - error: apperr.NotFound or execution errors
*/
func (repository *PostgresRepository) FindByID(context context.Context, sessionID string) (*Session, error) {
	const query = "SELECT " + sessionColumns + " FROM iam.session WHERE id = $1"

	session, err := scanSession(repository.pool.QueryRow(context, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Session")
		}
		return nil, fmt.Errorf("postgres_session_repo_find_failed: %w", err)
	}
	return session, nil
}

/*
RotateRefresh atomically advances the family generation.

Description: The rotation is a single UPDATE guarded on the presented hash,
the revocation flag, and both expiry bounds, so concurrent presenters of the
same token race on one row version and exactly one wins. The losers fall into
the classification query, which distinguishes reuse (presented hash matches a
superseded generation — the family is revoked on the spot), expiry, and
unknown.

Parameters:
  - context: context.Context
  - presentedHash: string
  - newHash: string
  - newExpiry: time.Time

Returns:
  - *Session: The post-rotation session
  - error: apperr.RefreshReused / RefreshExpired / RefreshUnknown, or database errors
*/
func (repository *PostgresRepository) RotateRefresh(context context.Context, presentedHash, newHash string, newExpiry time.Time) (*Session, error) {
	const rotateQuery = `
		UPDATE iam.session
		SET generation = generation + 1,
		    prevrefreshhash = refreshhash,
		    refreshhash = $2,
		    refreshexpiresat = LEAST($3, absoluteexpiresat),
		    lastseenat = NOW()
		WHERE refreshhash = $1
		  AND revoked = FALSE
		  AND refreshexpiresat > NOW()
		  AND absoluteexpiresat > NOW()
		RETURNING ` + sessionColumns

	session, err := scanSession(repository.pool.QueryRow(context, rotateQuery, presentedHash, newHash, newExpiry))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres_session_repo_rotate_failed: %w", err)
	}

	return nil, repository.classifyRotationFailure(context, presentedHash)
}

// classifyRotationFailure explains a failed compare-and-swap.
func (repository *PostgresRepository) classifyRotationFailure(context context.Context, presentedHash string) error {
	const query = `
		SELECT familyid, revoked, refreshexpiresat, absoluteexpiresat, (prevrefreshhash = $1) AS superseded
		FROM iam.session
		WHERE refreshhash = $1 OR prevrefreshhash = $1`

	var (
		familyID   string
		revoked    bool
		refreshExp time.Time
		absExp     time.Time
		superseded bool
	)
	err := repository.pool.QueryRow(context, query, presentedHash).Scan(
		&familyID, &revoked, &refreshExp, &absExp, &superseded)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.RefreshUnknown()
	case err != nil:
		return fmt.Errorf("postgres_session_repo_classify_failed: %w", err)
	}

	if superseded {
		// Token theft evidence: kill the entire family before answering.
		if err := repository.revokeFamily(context, familyID); err != nil {
			return err
		}
		return apperr.RefreshReused()
	}

	now := time.Now()
	if !revoked && (now.After(refreshExp) || now.After(absExp) || now.Equal(refreshExp)) {
		return apperr.RefreshExpired()
	}
	return apperr.RefreshUnknown()
}

// revokeFamily terminates every session in a refresh family.
func (repository *PostgresRepository) revokeFamily(context context.Context, familyID string) error {
	const query = `
		UPDATE iam.session
		SET revoked = TRUE, reason = $2
		WHERE familyid = $1 AND revoked = FALSE`

	_, err := repository.pool.Exec(context, query, familyID, ReasonRefreshReuse)
	if err != nil {
		return fmt.Errorf("postgres_session_repo_revoke_family_failed: %w", err)
	}
	return nil
}

/*
Revoke marks one session as terminated.

Parameters:
  - context: context.Context
  - sessionID: string
  - reason: Reason

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) Revoke(context context.Context, sessionID string, reason Reason) error {
	const query = "UPDATE iam.session SET revoked = TRUE, reason = $2 WHERE id = $1 AND revoked = FALSE"
	_, err := repository.pool.Exec(context, query, sessionID, reason)
	if err != nil {
		return fmt.Errorf("postgres_session_repo_revoke_failed: %w", err)
	}
	return nil
}

/*
RevokeAllForUser terminates every live session of the user.

Parameters:
  - context: context.Context
  - userID: string
  - reason: Reason

Returns:
  - int: Number of sessions revoked
  - error: Execution errors
*/
func (repository *PostgresRepository) RevokeAllForUser(context context.Context, userID string, reason Reason) (int, error) {
	const query = "UPDATE iam.session SET revoked = TRUE, reason = $2 WHERE userid = $1 AND revoked = FALSE"

	tag, err := repository.pool.Exec(context, query, userID, reason)
	if err != nil {
		return 0, fmt.Errorf("postgres_session_repo_revoke_all_failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

/*
ListActive returns the user's live sessions, newest first.

Parameters:
  - context: context.Context
  - userID: string

Returns:
  - []Session: May be empty
  - error: Execution errors
*/
func (repository *PostgresRepository) ListActive(context context.Context, userID string) ([]Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM iam.session
		WHERE userid = $1 AND revoked = FALSE AND refreshexpiresat > NOW() AND absoluteexpiresat > NOW()
		ORDER BY createdat DESC`

	rows, err := repository.pool.Query(context, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres_session_repo_list_active_failed: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres_session_repo_scan_failed: %w", err)
		}
		sessions = append(sessions, *session)
	}

	return sessions, rows.Err()
}

/*
Reap deletes dead sessions.

Description: Removes rows past their absolute lifetime and revoked rows older
than the retention window (kept around that long for incident forensics).

Parameters:
  - context: context.Context
  - revokedRetention: time.Duration

Returns:
  - int: Number of rows removed
  - error: Cleanup failures
*/
func (repository *PostgresRepository) Reap(context context.Context, revokedRetention time.Duration) (int, error) {
	const query = `
		DELETE FROM iam.session
		WHERE absoluteexpiresat <= NOW()
		   OR refreshexpiresat <= NOW() - $1::interval
		   OR (revoked = TRUE AND lastseenat <= NOW() - $1::interval)`

	tag, err := repository.pool.Exec(context, query, revokedRetention)
	if err != nil {
		return 0, fmt.Errorf("postgres_session_repo_reap_failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

/*
Touch refreshes the last-seen timestamp.

Parameters:
  - context: context.Context
  - sessionID: string

Returns:
  - error: Execution errors
*/
func (repository *PostgresRepository) Touch(context context.Context, sessionID string) error {
	const query = "UPDATE iam.session SET lastseenat = NOW() WHERE id = $1"
	_, err := repository.pool.Exec(context, query, sessionID)
	if err != nil {
		return fmt.Errorf("postgres_session_repo_touch_failed: %w", err)
	}
	return nil
}

// scanSession hydrates one session row from the canonical column list.
func scanSession(row pgx.Row) (*Session, error) {
	session := &Session{}
	var factors int16

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.DeviceID,
		&session.FamilyID,
		&session.Generation,
		&session.RefreshHash,
		&session.PrevRefreshHash,
		&factors,
		&session.RiskScore,
		&session.IssuedIP,
		&session.UserAgent,
		&session.Revoked,
		&session.Reason,
		&session.CreatedAt,
		&session.LastSeenAt,
		&session.RefreshExpiresAt,
		&session.AbsoluteExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	session.Factors = sec.Factors(factors)
	return session, nil
}
