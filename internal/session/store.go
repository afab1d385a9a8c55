// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"time"
)

// # Session Data Access

// Repository defines the data access contract for sessions and refresh families.
type Repository interface {

	/*
		Create persists a new session with a fresh family at generation 0.

		Parameters:
		  - context: context.Context
		  - session: *Session

		Returns:
		  - error: Persistence failures
	*/
	Create(context context.Context, session *Session) error

	/*
		FindByID returns the session with the given ID, revoked or not.

		Parameters:
		  - context: context.Context
		  - sessionID: string

		Returns:
		  - *Session: Hydrated entity
		  - error: apperr.NotFound or database errors
	*/
	FindByID(context context.Context, sessionID string) (*Session, error)

	/*
		RotateRefresh atomically advances the family generation.

		Description: Compare-and-swap on the presented hash. Exactly one of
		these happens: the rotation commits (generation+1, presented hash
		demoted to previous, new hash installed, window slid to newExpiry),
		or nothing changes and an error classifies why:

		  - apperr.RefreshReused: the presented hash matches a superseded
		    generation. The implementation revokes the whole family BEFORE
		    returning this error.
		  - apperr.RefreshExpired: hash matches but the window has closed.
		  - apperr.RefreshUnknown: hash matches no family, live or dead.

		Parameters:
		  - context: context.Context
		  - presentedHash: string
		  - newHash: string
		  - newExpiry: time.Time (already capped by the caller)

		Returns:
		  - *Session: The post-rotation session
		  - error: The classification above, or database errors
	*/
	RotateRefresh(context context.Context, presentedHash, newHash string, newExpiry time.Time) (*Session, error)

	/*
		Revoke marks one session as terminated.

		Parameters:
		  - context: context.Context
		  - sessionID: string
		  - reason: Reason

		Returns:
		  - error: Persistence failures
	*/
	Revoke(context context.Context, sessionID string, reason Reason) error

	/*
		RevokeAllForUser terminates every live session of the user. The
		caller is responsible for the security-version bump that invalidates
		outstanding access tokens.

		Parameters:
		  - context: context.Context
		  - userID: string
		  - reason: Reason

		Returns:
		  - int: Number of sessions revoked
		  - error: Persistence failures
	*/
	RevokeAllForUser(context context.Context, userID string, reason Reason) (int, error)

	/*
		ListActive returns the user's live sessions, newest first.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - []Session: May be empty
		  - error: Database errors
	*/
	ListActive(context context.Context, userID string) ([]Session, error)

	/*
		Reap deletes sessions that are expired past their absolute lifetime
		or revoked longer than the retention window.

		Parameters:
		  - context: context.Context
		  - revokedRetention: time.Duration

		Returns:
		  - int: Number of rows removed
		  - error: Cleanup failures
	*/
	Reap(context context.Context, revokedRetention time.Duration) (int, error)

	/*
		Touch refreshes the last-seen timestamp.

		Parameters:
		  - context: context.Context
		  - sessionID: string

		Returns:
		  - error: Persistence failures
	*/
	Touch(context context.Context, sessionID string) error
}
