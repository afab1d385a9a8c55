// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package dberr provides a bridge between low-level database errors and
// higher-level application errors.
package dberr

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taibuivan/torii/internal/platform/apperr"
)

// PostgreSQL SQLSTATE classes this package cares about.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateSerializationFailed = "40001"
	sqlstateDeadlockDetected    = "40P01"
)

var (
	// ErrNotFound is a standard error returned when a queried row doesn't exist.
	ErrNotFound = apperr.NotFound("Resource")
)

// Wrap inspects a database error and wraps it into a meaningful [apperr.AppError].
// It hides internal database details from the client while classifying the error type.
func Wrap(err error, action string) error {
	if err == nil {
		return nil
	}

	// 1. Not Found mapping
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	// 2. SQLSTATE classification
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUniqueViolation:
			return apperr.Conflict(action)
		case sqlstateSerializationFailed, sqlstateDeadlockDetected:
			return apperr.TemporaryFailure(err)
		}
	}

	// 3. Timeouts and cancellations are transient, not bugs.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.TemporaryFailure(err)
	}

	// 4. Everything else becomes an opaque internal error.
	return apperr.Internal(err)
}

// IsRetryable reports whether one immediate retry of the failed statement is
// worth attempting. Only transient classifications qualify; anything the
// database decided deterministically will fail the same way again.
func IsRetryable(err error) bool {
	return apperr.HasCode(err, apperr.CodeTemporaryFailure)
}
