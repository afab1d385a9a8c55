// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
HTTP delivery layer for the authentication orchestrator.

The handler acts as a thin mediation layer between the web and the [Service]:
  - Protocol: Standard RESTful JSON interface.
  - Security: Handles access-token orchestration and refresh token cookie injection.
  - Verification: Enforces strict input validation before passing to [Service].

This layer is strictly responsible for transport concerns (status codes,
headers, JSON). Every flow answer is an [Outcome]; writeOutcome is the single
place that maps outcomes onto wire responses, so no handler can accidentally
leak a sharper failure shape than the orchestrator decided to expose.
*/

package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/torii/internal/challenge"
	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/constants"
	"github.com/taibuivan/torii/internal/platform/middleware"
	requestutil "github.com/taibuivan/torii/internal/platform/request"
	"github.com/taibuivan/torii/internal/platform/respond"
	"github.com/taibuivan/torii/internal/platform/validate"
)

// # Field Identifiers

const (
	fieldEmail             = "email"
	fieldPassword          = "password"
	fieldNewPassword       = "new_password"
	fieldCurrentPassword   = "current_password"
	fieldDisplayName       = "display_name"
	fieldChallengeID       = "challenge_id"
	fieldMethod            = "method"
	fieldCode              = "code"
	fieldSecret            = "secret"
	fieldCredential        = "credential"
	fieldDeviceFingerprint = "device_fingerprint"
)

// # Definitions & Constructors

// Handler implements authentication-related HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a new [Handler] with its service dependency.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns a [chi.Router] configured with authentication-specific routes.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	// Public endpoints
	router.Post("/register", handler.register)
	router.Post("/login", handler.login)
	router.Post("/mfa", handler.resolveMFA)
	router.Post("/passwordless", handler.beginPasswordless)
	router.Post("/passwordless/complete", handler.completePasswordless)
	router.Post("/webauthn/login", handler.beginWebAuthnLogin)
	router.Post("/webauthn/login/complete", handler.completeWebAuthnLogin)
	router.Post("/refresh", handler.refresh)
	router.Post("/verify-email", handler.verifyEmail)
	router.Post("/forgot-password", handler.forgotPassword)
	router.Post("/reset-password", handler.resetPassword)

	// Protected endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Post("/logout", handler.logout)
		r.Post("/logout-all", handler.logoutAll)
		r.Post("/change-password", handler.changePassword)
		r.Get("/sessions", handler.listSessions)
		r.Post("/webauthn/credentials", handler.beginWebAuthnRegister)
		r.Post("/webauthn/credentials/complete", handler.completeWebAuthnRegister)
		r.Delete("/webauthn/credentials/{credentialID}", handler.removeWebAuthnCredential)
		r.Post("/totp", handler.enrollTOTP)
		r.Post("/totp/confirm", handler.confirmTOTP)
		r.Delete("/totp", handler.removeTOTP)
	})

	return router
}

// # Request Payloads

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type mfaRequest struct {
	ChallengeID       string `json:"challenge_id"`
	Method            string `json:"method"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type passwordlessRequest struct {
	Email             string `json:"email"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type passwordlessCompleteRequest struct {
	ChallengeID       string `json:"challenge_id"`
	Secret            string `json:"secret"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type webAuthnLoginRequest struct {
	Email             string `json:"email"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type webAuthnLoginCompleteRequest struct {
	ChallengeID       string          `json:"challenge_id"`
	Email             string          `json:"email"`
	Credential        json.RawMessage `json:"credential"`
	DeviceFingerprint string          `json:"device_fingerprint"`
}

type webAuthnRegisterRequest struct {
	DeviceFingerprint string `json:"device_fingerprint"`
}

type webAuthnRegisterCompleteRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
	Nickname    string          `json:"nickname"`
}

type verifyEmailRequest struct {
	ChallengeID string `json:"challenge_id"`
	Secret      string `json:"secret"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	ChallengeID string `json:"challenge_id"`
	Secret      string `json:"secret"`
	Password    string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// # Outcome Mapping

/*
writeOutcome translates an [Outcome] into the wire response.

Description: The mapping is deliberately coarse. Success sets the refresh
cookie and returns the token pair; challenge_required returns 202 with the
pending challenge; every denial is a 401 with the outcome's reason as the
only detail. Rate limits and lockouts carry their retry hint.
*/
func (handler *Handler) writeOutcome(writer http.ResponseWriter, request *http.Request, outcome *Outcome) {
	switch outcome.Status {

	case StatusSuccess:
		setRefreshCookie(writer, outcome.Tokens.RefreshToken, outcome.Tokens.RefreshExpiresAt)
		respond.OK(writer, map[string]any{
			"access_token":      outcome.Tokens.AccessToken,
			"token_type":        "Bearer",
			"access_expires_at": outcome.Tokens.AccessExpiresAt,
			"user":              outcome.User,
		})

	case StatusChallengeRequired:
		respond.JSON(writer, http.StatusAccepted, respond.SuccessEnvelope{Data: map[string]any{
			"status":    string(outcome.Status),
			"challenge": outcome.Challenge,
		}})

	case StatusRateLimited:
		respond.Error(writer, request, apperr.RateLimited(outcome.ResetAt))

	case StatusDenied:
		if outcome.Reason == "account_locked" {
			respond.Error(writer, request, apperr.AccountLocked(outcome.ResetAt))
			return
		}
		respond.Error(writer, request, apperr.InvalidCredential())

	default:
		respond.Error(writer, request, apperr.ServiceUnavailable("Authentication temporarily unavailable"))
	}
}

func setRefreshCookie(writer http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(writer, &http.Cookie{
		Name:     constants.RefreshTokenCookieName,
		Value:    token,
		Path:     constants.RefreshTokenCookiePath,
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearRefreshCookie(writer http.ResponseWriter) {
	http.SetCookie(writer, &http.Cookie{
		Name:     constants.RefreshTokenCookieName,
		Value:    "",
		Path:     constants.RefreshTokenCookiePath,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// # Registration

/*
Register handles the creation of a new user account.

POST /api/v1/auth/register

Request:
  - Body: registerRequest (Email, Password, DisplayName)

Response:
  - 201: User profile and the verification challenge ID
  - 400: ErrInvalidJSON: Bad input or validation failure
  - 409: Conflict: Email already registered
*/
func (handler *Handler) register(writer http.ResponseWriter, request *http.Request) {
	var input registerRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldEmail, input.Email).
		Email(fieldEmail, input.Email).
		Required(fieldPassword, input.Password).
		Password(fieldPassword, input.Password).
		MaxLen(fieldDisplayName, input.DisplayName, 100)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	user, challengeID, err := handler.service.SignUp(request.Context(), SignUpRequest{
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
		IP:          middleware.RealIP(request),
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, map[string]any{
		"user":         user,
		"challenge_id": challengeID,
	})
}

// # Login Flows

/*
Login authenticates a user with email and password.

POST /api/v1/auth/login

Response:
  - 200: Token pair and user profile
  - 202: Step-up challenge required
  - 401: Invalid credentials (uniform for every credential failure)
  - 423: Account locked (with retry hint)
  - 429: Rate limited (with retry hint)
*/
func (handler *Handler) login(writer http.ResponseWriter, request *http.Request) {
	var input loginRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldEmail, input.Email).
		Required(fieldPassword, input.Password)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	outcome := handler.service.Authenticate(request.Context(), PasswordRequest{
		Email:             input.Email,
		Password:          input.Password,
		DeviceFingerprint: input.DeviceFingerprint,
		IP:                middleware.RealIP(request),
		UserAgent:         request.UserAgent(),
	})
	handler.writeOutcome(writer, request, outcome)
}

/*
ResolveMFA completes a pending step-up challenge.

POST /api/v1/auth/mfa

Response:
  - 200: Token pair
  - 401: Wrong code, expired or consumed challenge (uniform)
*/
func (handler *Handler) resolveMFA(writer http.ResponseWriter, request *http.Request) {
	var input mfaRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldChallengeID, input.ChallengeID).
		UUID(fieldChallengeID, input.ChallengeID).
		Required(fieldMethod, input.Method).
		Required(fieldCode, input.Code)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	outcome := handler.service.ResolveMFA(request.Context(), MFARequest{
		ChallengeID:       input.ChallengeID,
		Method:            challenge.Variant(input.Method),
		Code:              input.Code,
		DeviceFingerprint: input.DeviceFingerprint,
		IP:                middleware.RealIP(request),
		UserAgent:         request.UserAgent(),
	})
	handler.writeOutcome(writer, request, outcome)
}

/*
BeginPasswordless issues a magic-link challenge.

POST /api/v1/auth/passwordless

Response:
  - 200: Challenge descriptor (identical for unknown addresses)
  - 429: Rate limited
*/
func (handler *Handler) beginPasswordless(writer http.ResponseWriter, request *http.Request) {
	var input passwordlessRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldEmail, input.Email).Email(fieldEmail, input.Email)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	start, err := handler.service.BeginPasswordless(request.Context(),
		input.Email, input.DeviceFingerprint, middleware.RealIP(request))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, start)
}

/*
CompletePasswordless exchanges a magic-link secret for a session.

POST /api/v1/auth/passwordless/complete
*/
func (handler *Handler) completePasswordless(writer http.ResponseWriter, request *http.Request) {
	var input passwordlessCompleteRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldChallengeID, input.ChallengeID).
		UUID(fieldChallengeID, input.ChallengeID).
		Required(fieldSecret, input.Secret)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	outcome := handler.service.CompletePasswordless(request.Context(),
		input.ChallengeID, input.Secret, input.DeviceFingerprint,
		middleware.RealIP(request), request.UserAgent())
	handler.writeOutcome(writer, request, outcome)
}

// # WebAuthn

/*
BeginWebAuthnLogin opens a passkey assertion ceremony.

POST /api/v1/auth/webauthn/login

Response:
  - 200: Ceremony options and challenge ID
  - 401: Unknown address or no passkeys (uniform)
*/
func (handler *Handler) beginWebAuthnLogin(writer http.ResponseWriter, request *http.Request) {
	var input webAuthnLoginRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldEmail, input.Email).Email(fieldEmail, input.Email)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	options, challengeID, err := handler.service.BeginWebAuthnLogin(request.Context(),
		input.Email, input.DeviceFingerprint)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]any{
		"challenge_id": challengeID,
		"options":      options,
	})
}

/*
CompleteWebAuthnLogin validates the assertion and mints a session.

POST /api/v1/auth/webauthn/login/complete
*/
func (handler *Handler) completeWebAuthnLogin(writer http.ResponseWriter, request *http.Request) {
	var input webAuthnLoginCompleteRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldChallengeID, input.ChallengeID).
		UUID(fieldChallengeID, input.ChallengeID).
		Required(fieldEmail, input.Email).
		Custom(fieldCredential, len(input.Credential) == 0, "This field is required")

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	outcome := handler.service.CompleteWebAuthnLogin(request.Context(),
		input.ChallengeID, input.Email, bytes.NewReader(input.Credential),
		input.DeviceFingerprint, middleware.RealIP(request), request.UserAgent())
	handler.writeOutcome(writer, request, outcome)
}

/*
BeginWebAuthnRegister opens a passkey registration ceremony for the
authenticated user.

POST /api/v1/auth/webauthn/credentials
*/
func (handler *Handler) beginWebAuthnRegister(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input webAuthnRegisterRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	options, challengeID, err := handler.service.BeginWebAuthnRegister(request.Context(),
		userID, input.DeviceFingerprint)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]any{
		"challenge_id": challengeID,
		"options":      options,
	})
}

/*
CompleteWebAuthnRegister validates the attestation and stores the passkey.

POST /api/v1/auth/webauthn/credentials/complete
*/
func (handler *Handler) completeWebAuthnRegister(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input webAuthnRegisterCompleteRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldChallengeID, input.ChallengeID).
		UUID(fieldChallengeID, input.ChallengeID).
		Custom(fieldCredential, len(input.Credential) == 0, "This field is required").
		MaxLen("nickname", input.Nickname, 100)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	stored, err := handler.service.CompleteWebAuthnRegister(request.Context(),
		input.ChallengeID, userID, bytes.NewReader(input.Credential), input.Nickname)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, stored)
}

/*
RemoveWebAuthnCredential deletes one of the authenticated user's passkeys.

DELETE /api/v1/auth/webauthn/credentials/{credentialID}
*/
func (handler *Handler) removeWebAuthnCredential(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	credentialID := requestutil.Param(request, "credentialID")
	if credentialID == "" {
		respond.Error(writer, request, validate.RequiredError("credentialID", "is required"))
		return
	}

	if err := handler.service.RemoveWebAuthnCredential(request.Context(), userID, credentialID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// # Authenticator App

type confirmTOTPRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

/*
EnrollTOTP starts an authenticator-app enrollment for the authenticated user.

POST /api/v1/auth/totp

Response:
  - 201: Provisioning URI, scratch codes, and the confirmation challenge.
    This material is shown exactly once.
*/
func (handler *Handler) enrollTOTP(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	enrollment, err := handler.service.EnrollTOTP(request.Context(), userID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, enrollment)
}

/*
ConfirmTOTP proves the enrollment with one valid code.

POST /api/v1/auth/totp/confirm
*/
func (handler *Handler) confirmTOTP(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input confirmTOTPRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldChallengeID, input.ChallengeID).
		UUID(fieldChallengeID, input.ChallengeID).
		Required(fieldCode, input.Code)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.service.ConfirmTOTP(request.Context(), userID, input.ChallengeID, input.Code); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		constants.FieldMessage: "Authenticator app enrolled",
	})
}

/*
RemoveTOTP deletes the authenticated user's authenticator-app enrollment.

DELETE /api/v1/auth/totp
*/
func (handler *Handler) removeTOTP(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.service.RemoveTOTP(request.Context(), userID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// # Token Lifecycle

/*
Refresh rotates the refresh token and issues a new access token.

POST /api/v1/auth/refresh

Description: The refresh token arrives in the scoped HttpOnly cookie. A
replayed (superseded) token revokes its whole family before the 401 goes out.
*/
func (handler *Handler) refresh(writer http.ResponseWriter, request *http.Request) {
	cookie, err := request.Cookie(constants.RefreshTokenCookieName)
	if err != nil || cookie.Value == "" {
		respond.Error(writer, request, apperr.Unauthorized("Missing refresh token in cookies"))
		return
	}

	outcome := handler.service.Refresh(request.Context(), cookie.Value,
		middleware.RealIP(request), request.UserAgent())

	if outcome.Status != StatusSuccess {
		clearRefreshCookie(writer)
	}
	handler.writeOutcome(writer, request, outcome)
}

/*
Logout terminates the current session.

POST /api/v1/auth/logout

Response:
  - 204: Session terminated (idempotent)
*/
func (handler *Handler) logout(writer http.ResponseWriter, request *http.Request) {
	claims, err := requestutil.RequiredClaims(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.service.Logout(request.Context(), claims.SessionID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	clearRefreshCookie(writer)
	respond.NoContent(writer)
}

/*
LogoutAll revokes every session of the authenticated user and invalidates
all outstanding access tokens.

POST /api/v1/auth/logout-all
*/
func (handler *Handler) logoutAll(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	count, err := handler.service.LogoutAll(request.Context(), userID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	clearRefreshCookie(writer)
	respond.OK(writer, map[string]int{"revoked": count})
}

/*
ListSessions returns the authenticated user's live sessions.

GET /api/v1/auth/sessions
*/
func (handler *Handler) listSessions(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	sessions, err := handler.service.ListSessions(request.Context(), userID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, sessions)
}

// # Recovery

/*
VerifyEmail confirms email ownership via the registration magic link.

POST /api/v1/auth/verify-email
*/
func (handler *Handler) verifyEmail(writer http.ResponseWriter, request *http.Request) {
	var input verifyEmailRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(fieldChallengeID, input.ChallengeID).
		UUID(fieldChallengeID, input.ChallengeID).
		Required(fieldSecret, input.Secret)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.service.VerifyEmail(request.Context(), input.ChallengeID, input.Secret); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		constants.FieldMessage: "Email verified successfully",
	})
}

/*
ForgotPassword initiates the password recovery flow.

POST /api/v1/auth/forgot-password

Description: Always answers with the same generic message; whether the
address maps to an account is never revealed.
*/
func (handler *Handler) forgotPassword(writer http.ResponseWriter, request *http.Request) {
	var input forgotPasswordRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(fieldEmail, input.Email).Email(fieldEmail, input.Email)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.service.BeginPasswordReset(request.Context(), input.Email, middleware.RealIP(request)); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		constants.FieldMessage: "If this email is registered, a reset link has been sent.",
	})
}

/*
ResetPassword completes the password recovery flow.

POST /api/v1/auth/reset-password
*/
func (handler *Handler) resetPassword(writer http.ResponseWriter, request *http.Request) {
	var input resetPasswordRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(fieldChallengeID, input.ChallengeID).
		UUID(fieldChallengeID, input.ChallengeID).
		Required(fieldSecret, input.Secret).
		Required(fieldPassword, input.Password).
		Password(fieldPassword, input.Password)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.service.CompletePasswordReset(request.Context(),
		input.ChallengeID, input.Secret, input.Password); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		constants.FieldMessage: "Password updated successfully",
	})
}

/*
ChangePassword updates the authenticated user's password. Every other
session dies with the change.

POST /api/v1/auth/change-password
*/
func (handler *Handler) changePassword(writer http.ResponseWriter, request *http.Request) {
	userID, err := requestutil.RequiredUserID(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input changePasswordRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(fieldCurrentPassword, input.CurrentPassword).
		Required(fieldNewPassword, input.NewPassword).
		Password(fieldNewPassword, input.NewPassword)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.service.ChangePassword(request.Context(),
		userID, input.CurrentPassword, input.NewPassword); err != nil {
		respond.Error(writer, request, err)
		return
	}

	clearRefreshCookie(writer)
	respond.OK(writer, map[string]string{
		constants.FieldMessage: "Password changed successfully",
	})
}
