// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/pkg/uuidv7"
)

// # Authenticated Factors

// Factors is the bitset of factor classes proven during authentication.
type Factors uint8

const (
	// FactorKnowledge: something the user knows (password).
	FactorKnowledge Factors = 1 << iota
	// FactorPossession: something the user has (email inbox, phone, TOTP device).
	FactorPossession
	// FactorInherence: something the user is (platform authenticator with UV).
	FactorInherence
)

// Has reports whether every factor in the target set is present.
func (f Factors) Has(target Factors) bool { return f&target == target }

// # Access Token Claims

// AuthClaims represents the payload embedded inside an access token.
//
// # Why custom claims?
//
// By embedding the session, device, factor bitset, and security version
// directly inside the token, validators can reconstruct the active auth
// context WITHOUT querying the session store on every single API request.
// Only the per-user security version needs a (cached) lookup.
type AuthClaims struct {
	jwt.RegisteredClaims

	// Custom application claims are abbreviated to keep the payload small.
	SessionID       string  `json:"sid"`
	DeviceID        string  `json:"did"`
	Factors         Factors `json:"fct"`
	SecurityVersion int     `json:"sv"`
}

// UserID returns the token subject.
func (c *AuthClaims) UserID() string { return c.Subject }

// # Token Service

// keyVersionHeader is the JOSE header carrying the signing key version.
const keyVersionHeader = "kid"

// TokenService mints and parses RS256 access tokens against the keystore's
// signing keyset, and generates the opaque refresh secrets whose hashes the
// session store persists.
type TokenService struct {
	keys     *Keystore
	issuer   string
	audience string
	clock    clockwork.Clock
}

// NewTokenService creates a new TokenService.
func NewTokenService(keys *Keystore, issuer, audience string, clock clockwork.Clock) *TokenService {
	return &TokenService{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		clock:    clock,
	}
}

/*
MintAccessToken creates a signed access token.

Parameters:
  - userID: string (subject)
  - sessionID: string
  - deviceID: string
  - factors: Factors (authenticated factor bitset)
  - securityVersion: int (the user's current value at mint time)
  - timeToLive: time.Duration

Returns:
  - string: Signed compact JWT
  - error: Signing failures
*/
func (service *TokenService) MintAccessToken(userID, sessionID, deviceID string, factors Factors, securityVersion int, timeToLive time.Duration) (string, error) {
	currentTime := service.clock.Now()
	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    service.issuer,
			Audience:  jwt.ClaimStrings{service.audience},
			IssuedAt:  jwt.NewNumericDate(currentTime),
			NotBefore: jwt.NewNumericDate(currentTime),
			ExpiresAt: jwt.NewNumericDate(currentTime.Add(timeToLive)),
			ID:        uuidv7.New(),
		},
		SessionID:       sessionID,
		DeviceID:        deviceID,
		Factors:         factors,
		SecurityVersion: securityVersion,
	}

	signingKey := service.keys.SigningKey()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header[keyVersionHeader] = strconv.Itoa(signingKey.Version)

	signedToken, err := token.SignedString(signingKey.Private)
	if err != nil {
		return "", fmt.Errorf("token_service_sign_failed: %w", err)
	}

	return signedToken, nil
}

/*
ParseAccessToken checks the signature, expiry, issuer, and audience of an
access token string.

Description: Stateless validation. The security-version comparison against
the user's current value is the caller's job (it needs the cached per-user
projection). Expiry is half-open: a token is valid while now < expiresAt,
so an exactly-at-expiry token is rejected.

Parameters:
  - tokenString: string

Returns:
  - *AuthClaims: Verified claims
  - error: apperr.TokenExpired or apperr.TokenSignatureInvalid
*/
func (service *TokenService) ParseAccessToken(tokenString string) (*AuthClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AuthClaims{}, service.verificationKeyFor,
		jwt.WithTimeFunc(service.clock.Now),
		jwt.WithIssuer(service.issuer),
		jwt.WithAudience(service.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.TokenExpired()
		}
		return nil, apperr.TokenSignatureInvalid()
	}

	claims, ok := token.Claims.(*AuthClaims)
	if !ok || !token.Valid {
		return nil, apperr.TokenSignatureInvalid()
	}

	return claims, nil
}

// verificationKeyFor selects the public key named by the token's kid header.
func (service *TokenService) verificationKeyFor(token *jwt.Token) (interface{}, error) {
	rawVersion, ok := token.Header[keyVersionHeader].(string)
	if !ok {
		return nil, fmt.Errorf("token_service: missing key version header")
	}

	version, err := strconv.Atoi(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("token_service: malformed key version header")
	}

	publicKey, active := service.keys.VerificationKey(version)
	if !active {
		return nil, fmt.Errorf("token_service: signing key version %d is not in the active set", version)
	}

	return publicKey, nil
}

// # Refresh Secrets

const (
	// refreshSecretBytes is the refresh token entropy (256 bits).
	refreshSecretBytes = 32
	// refreshVersionPrefix leads every refresh secret for future format rotation.
	refreshVersionPrefix = "v1."
)

/*
NewRefreshSecret generates an opaque refresh token and its storable hash.

Description: The raw value is handed to the client exactly once; only the
hash is persisted in the session row.

Returns:
  - raw: "v1.<base64url 32 random bytes>"
  - hash: hex(SHA-256(raw))
  - error: Entropy failures
*/
func NewRefreshSecret() (raw, hash string, err error) {
	buffer := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", "", fmt.Errorf("token_service_refresh_entropy_failed: %w", err)
	}

	raw = refreshVersionPrefix + base64.RawURLEncoding.EncodeToString(buffer)
	return raw, HashToken(raw), nil
}

// IsRefreshSecret reports whether the presented string has the refresh
// secret shape. Used to reject garbage before any store lookup.
func IsRefreshSecret(raw string) bool {
	if !strings.HasPrefix(raw, refreshVersionPrefix) {
		return false
	}
	body, err := base64.RawURLEncoding.DecodeString(raw[len(refreshVersionPrefix):])
	return err == nil && len(body) == refreshSecretBytes
}

// # Generic Secure Tokens

// GenerateSecureToken returns a URL-safe random string with byteLength bytes
// of entropy. Used for magic-link secrets and challenge nonces.
func GenerateSecureToken(byteLength int) (string, error) {
	buffer := make([]byte, byteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("secure_token_generation_failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// HashToken returns the hex-encoded SHA-256 of a token string. One-way, so a
// stolen store dump yields nothing presentable.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
