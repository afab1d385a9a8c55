// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"context"
)

// # User Data Access

// UserRepository defines the data access contract for user principals.
type UserRepository interface {

	/*
		FindByID returns the principal with the given ID.

		Parameters:
		  - context: context.Context
		  - id: string

		Returns:
		  - *User: Hydrated entity
		  - error: Database retrieval failures
	*/
	FindByID(context context.Context, id string) (*User, error)

	/*
		FindByEmail returns the principal with the given normalized email.
		Soft-deleted rows are treated as absent.

		Parameters:
		  - context: context.Context
		  - email: string (already normalized)

		Returns:
		  - *User: Hydrated entity
		  - error: Database retrieval failures
	*/
	FindByEmail(context context.Context, email string) (*User, error)

	/*
		Create persists a brand-new principal.

		Parameters:
		  - context: context.Context
		  - user: *User

		Returns:
		  - error: Persistence failures (Conflict on a duplicate email)
	*/
	Create(context context.Context, user *User) error

	/*
		SetStatus transitions the account lifecycle state.

		Parameters:
		  - context: context.Context
		  - userID: string
		  - status: Status

		Returns:
		  - error: Persistence failures
	*/
	SetStatus(context context.Context, userID string, status Status) error

	/*
		MarkEmailVerified records that the address has been proven reachable.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - error: Persistence failures
	*/
	MarkEmailVerified(context context.Context, userID string) error

	/*
		BumpSecurityVersion atomically increments the per-user security
		version, invalidating every outstanding access token.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - int: The new version
		  - error: Persistence failures
	*/
	BumpSecurityVersion(context context.Context, userID string) (int, error)

	/*
		SecurityVersionOf returns only the current security version. Used as
		the cache loader for per-request token validation.

		Parameters:
		  - context: context.Context
		  - userID: string

		Returns:
		  - int: Current version
		  - error: Database retrieval failures
	*/
	SecurityVersionOf(context context.Context, userID string) (int, error)
}
