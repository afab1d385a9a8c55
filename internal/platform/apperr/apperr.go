// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package apperr defines the centralized error handling framework for Torii.

It provides a rich error type that bridges the gap between low-level Domain/Storage
errors and high-level HTTP responses.

Architecture:

  - AppError: A struct containing machine-readable ErrorCode and user-friendly messages.
  - Taxonomy: Authentication-specific constructors (InvalidCredential, RefreshReused...)
    that collapse sensitive distinctions into uniform client-visible answers.
  - Mapping: Explicit mapping from AppError to standard HTTP Status Codes.

Every error that leaves the service layer should be wrapped as an [AppError] to ensure
consistent API responses.
*/
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AppError is the canonical error type for the Torii API.
//
// It carries an HTTP status code, a machine-readable code, a client-safe
// message, and an optional slice of field-level validation errors.
//
// # Security
//
// The Cause field is for server-side logging only and is never sent to clients
// to avoid leaking internal implementation details (e.g., SQL queries). The
// Message for credential failures is deliberately uniform: user-not-found and
// password-mismatch produce byte-identical responses to prevent enumeration.
type AppError struct {
	// Code is a machine-readable error identifier (e.g. "INVALID_CREDENTIAL").
	Code string `json:"code"`
	// Message is a human-readable description safe to return to the client.
	Message string `json:"error"`
	// HTTPStatus is the HTTP response status code.
	HTTPStatus int `json:"-"`
	// Cause is the underlying error, used for server-side logging only.
	Cause error `json:"-"`
	// Details holds per-field validation errors for VALIDATION_ERROR responses.
	Details []FieldError `json:"details,omitempty"`
	// RetryAt carries the earliest instant the client may retry. Only set for
	// RATE_LIMITED and ACCOUNT_LOCKED responses.
	RetryAt time.Time `json:"retry_at,omitzero"`
}

// FieldError represents a single field-level validation failure.
type FieldError struct {
	// Field is the JSON field name that failed validation.
	Field string `json:"field"`
	// Message is the human-readable description of the failure.
	Message string `json:"message"`
}

// Error implements the error interface. It returns the client-safe message.
func (e *AppError) Error() string { return e.Message }

// Unwrap allows [errors.Is] and [errors.As] to traverse the cause chain.
func (e *AppError) Unwrap() error { return e.Cause }

// # Credential & Token Taxonomy

// Machine codes for the authentication error taxonomy. Handlers and tests
// branch on these, never on message text.
const (
	CodeInvalidCredential    = "INVALID_CREDENTIAL"
	CodeAccountLocked        = "ACCOUNT_LOCKED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeChallengeRequired    = "CHALLENGE_REQUIRED"
	CodeChallengeExpired     = "CHALLENGE_EXPIRED"
	CodeChallengeConsumed    = "CHALLENGE_CONSUMED"
	CodeChallengeExhausted   = "CHALLENGE_EXHAUSTED"
	CodeTokenExpired         = "TOKEN_EXPIRED"
	CodeTokenSignature       = "TOKEN_SIGNATURE_INVALID"
	CodeTokenRevoked         = "TOKEN_REVOKED"
	CodeRefreshReused        = "REFRESH_REUSED"
	CodeRefreshExpired       = "REFRESH_EXPIRED"
	CodeRefreshUnknown       = "REFRESH_UNKNOWN"
	CodeRiskDenied           = "RISK_DENIED"
	CodeDependencyDown       = "DEPENDENCY_UNAVAILABLE"
	CodeTemporaryFailure     = "TEMPORARY_FAILURE"
	CodeInvariantViolation   = "INVARIANT_VIOLATION"
	CodeLegacyAlgorithm      = "LEGACY_ALGORITHM"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeValidation           = "VALIDATION_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
)

// InvalidCredential creates the uniform 401 returned for every credential
// mismatch: unknown user, wrong password, wrong code, wrong token.
func InvalidCredential() *AppError {
	return &AppError{
		Code:       CodeInvalidCredential,
		Message:    "Invalid credentials",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// AccountLocked creates a 423 for a credential-level lockout.
func AccountLocked(retryAt time.Time) *AppError {
	return &AppError{
		Code:       CodeAccountLocked,
		Message:    "Account temporarily locked due to repeated failures",
		HTTPStatus: http.StatusLocked,
		RetryAt:    retryAt,
	}
}

// RateLimited creates a 429 with the window reset instant.
func RateLimited(resetAt time.Time) *AppError {
	return &AppError{
		Code:       CodeRateLimited,
		Message:    "Too many requests",
		HTTPStatus: http.StatusTooManyRequests,
		RetryAt:    resetAt,
	}
}

// # Challenge Taxonomy

// ChallengeExpired is returned when a one-shot challenge has passed its deadline.
func ChallengeExpired() *AppError {
	return &AppError{
		Code:       CodeChallengeExpired,
		Message:    "Challenge is invalid or expired",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// ChallengeConsumed is returned to every verifier that loses the consumption race.
func ChallengeConsumed() *AppError {
	return &AppError{
		Code:       CodeChallengeConsumed,
		Message:    "Challenge is invalid or expired",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// ChallengeExhausted is returned once a challenge reaches its attempt ceiling.
func ChallengeExhausted() *AppError {
	return &AppError{
		Code:       CodeChallengeExhausted,
		Message:    "Challenge is invalid or expired",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// # Token & Refresh Taxonomy

// TokenExpired is returned for an access token past its expiry.
func TokenExpired() *AppError {
	return &AppError{
		Code:       CodeTokenExpired,
		Message:    "Token is invalid or expired",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// TokenSignatureInvalid is returned for a bad signature or malformed envelope.
func TokenSignatureInvalid() *AppError {
	return &AppError{
		Code:       CodeTokenSignature,
		Message:    "Token is invalid or expired",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// TokenRevoked is returned when the embedded security version is stale.
func TokenRevoked() *AppError {
	return &AppError{
		Code:       CodeTokenRevoked,
		Message:    "Token is invalid or expired",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// RefreshReused signals a presented refresh token from a superseded generation.
// The caller must also revoke the whole family.
func RefreshReused() *AppError {
	return &AppError{
		Code:       CodeRefreshReused,
		Message:    "Session is no longer valid",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// RefreshExpired is returned for a refresh token past its sliding window.
func RefreshExpired() *AppError {
	return &AppError{
		Code:       CodeRefreshExpired,
		Message:    "Session is no longer valid",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// RefreshUnknown is returned when the presented hash matches no live family.
func RefreshUnknown() *AppError {
	return &AppError{
		Code:       CodeRefreshUnknown,
		Message:    "Session is no longer valid",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// # Risk & Reliability Taxonomy

// RiskDenied is returned when the risk evaluator produced a deny decision.
func RiskDenied() *AppError {
	return &AppError{
		Code:       CodeRiskDenied,
		Message:    "Sign-in blocked for security reasons",
		HTTPStatus: http.StatusForbidden,
	}
}

// DependencyUnavailable is returned when a required downstream is unreachable
// and no safe fallback exists.
func DependencyUnavailable(cause error) *AppError {
	return &AppError{
		Code:       CodeDependencyDown,
		Message:    "Service temporarily unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Cause:      cause,
	}
}

// TemporaryFailure is returned for transient errors worth retrying.
func TemporaryFailure(cause error) *AppError {
	return &AppError{
		Code:       CodeTemporaryFailure,
		Message:    "Temporary failure, please retry",
		HTTPStatus: http.StatusServiceUnavailable,
		Cause:      cause,
	}
}

// InvariantViolation is returned for an internal contract breach. It is fatal
// to the request and non-retriable.
func InvariantViolation(msg string, cause error) *AppError {
	return &AppError{
		Code:       CodeInvariantViolation,
		Message:    "Internal error",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      fmt.Errorf("invariant violated: %s: %w", msg, cause),
	}
}

// LegacyAlgorithm is returned when a stored digest uses a retired algorithm.
func LegacyAlgorithm() *AppError {
	return &AppError{
		Code:       CodeLegacyAlgorithm,
		Message:    "Credential must be reset",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// # Generic Client Errors (4xx)

// NotFound creates a 404 [AppError] for a named resource.
//
// Example:
//
//	apperr.NotFound("Session") // Returns "Session not found"
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
	}
}

// Unauthorized creates a 401 [AppError].
func Unauthorized(msg string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    msg,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a 403 [AppError].
func Forbidden(msg string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    msg,
		HTTPStatus: http.StatusForbidden,
	}
}

// Conflict creates a 409 [AppError] for duplicate or unique-constraint violations.
func Conflict(msg string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a 400 [AppError] with optional per-field details.
func ValidationError(msg string, details ...FieldError) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// # Server Errors (5xx)

// Internal creates a 500 [AppError] wrapping an unexpected server-side error.
// The cause is stored for logging but is never sent to the client.
func Internal(cause error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "An unexpected error occurred",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// ServiceUnavailable creates a 503 [AppError] for maintenance mode.
func ServiceUnavailable(msg string) *AppError {
	return &AppError{
		Code:       CodeServiceUnavailable,
		Message:    msg,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// # Helpers

// IsAppError reports whether err (or any error in its chain) is an [*AppError].
func IsAppError(err error) bool {
	var ae *AppError
	return errors.As(err, &ae)
}

// As extracts the [*AppError] from err's chain. It returns nil if not found.
func As(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// HasCode reports whether err carries the given machine code.
func HasCode(err error, code string) bool {
	ae := As(err)
	return ae != nil && ae.Code == code
}
