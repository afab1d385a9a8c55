// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/taibuivan/torii/internal/platform/apperr"
)

// # Argon2id Parameters

// HashParams holds the Argon2id cost parameters stored alongside every digest.
type HashParams struct {
	MemoryKiB   uint32
	TimeCost    uint32
	Parallelism uint8
}

const (
	// saltLength is the per-digest random salt size in bytes.
	saltLength = 16
	// keyLength is the derived key size in bytes.
	keyLength = 32
	// algorithmTag identifies the only algorithm this hasher produces.
	// Digests carrying any other tag fail with LegacyAlgorithm.
	algorithmTag = "argon2id"
)

// # Hasher

// Hasher verifies and produces Argon2id digests with pepper rotation.
//
// The digest string is self-describing:
//
//	$argon2id$v=19$m=65536,t=3,p=2,pv=1$<b64 salt>$<b64 key>
//
// where pv is the pepper version. Verification accepts any digest whose
// pepper version is still in the active set; the caller is told (via the
// rehash flag) when a digest should be transparently re-hashed with the
// current parameters and primary pepper.
type Hasher struct {
	params HashParams
	keys   *Keystore

	// dummyDigest backs the constant-time failure path for unknown users:
	// the orchestrator verifies the presented password against this digest
	// so a user-miss costs the same as a password-mismatch.
	dummyDigest string
}

// NewHasher constructs a [Hasher] bound to the keystore's pepper set.
func NewHasher(params HashParams, keys *Keystore) (*Hasher, error) {
	hasher := &Hasher{params: params, keys: keys}

	decoy, err := GenerateSecureToken(16)
	if err != nil {
		return nil, fmt.Errorf("hasher_decoy_generation_failed: %w", err)
	}
	hasher.dummyDigest, err = hasher.Hash(decoy)
	if err != nil {
		return nil, err
	}

	return hasher, nil
}

/*
Hash produces a new Argon2id digest using the current parameters and the
primary pepper.

Parameters:
  - password: string (plain text, never retained)

Returns:
  - string: Self-describing digest
  - error: Entropy failures
*/
func (hasher *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("hasher_salt_generation_failed: %w", err)
	}

	pepper := hasher.keys.PrimaryPepper()
	key := hasher.deriveKey(password, pepper, salt, hasher.params)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d,pv=%d$%s$%s",
		algorithmTag,
		argon2.Version,
		hasher.params.MemoryKiB,
		hasher.params.TimeCost,
		hasher.params.Parallelism,
		pepper.Version,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

/*
Verify checks a plain-text password against a stored digest.

Description: Decodes the digest's own parameters and pepper version so old
digests keep verifying across parameter upgrades and pepper rotations. The
comparison is constant-time.

Parameters:
  - password: string
  - encoded: string (stored digest)

Returns:
  - bool: true when the digest should be re-hashed (stale params or pepper)
  - error: apperr.InvalidCredential on mismatch, apperr.LegacyAlgorithm on a
    retired algorithm or a pepper version no longer in the active set
*/
func (hasher *Hasher) Verify(password, encoded string) (bool, error) {
	algorithm, params, pepperVersion, salt, expectedKey, err := decodeDigest(encoded)
	if err != nil {
		return false, apperr.LegacyAlgorithm()
	}
	if algorithm != algorithmTag {
		return false, apperr.LegacyAlgorithm()
	}

	pepper, active := hasher.keys.PepperByVersion(pepperVersion)
	if !active {
		return false, apperr.LegacyAlgorithm()
	}

	computedKey := hasher.deriveKey(password, pepper, salt, params)
	if subtle.ConstantTimeCompare(computedKey, expectedKey) != 1 {
		return false, apperr.InvalidCredential()
	}

	rehashNeeded := params != hasher.params || pepperVersion != hasher.keys.PrimaryPepper().Version
	return rehashNeeded, nil
}

// VerifyDummy burns the same Argon2id work as a real verification and always
// fails. Used on the user-not-found path so response timing cannot
// distinguish an absent account from a wrong password.
func (hasher *Hasher) VerifyDummy(password string) error {
	_, _ = hasher.Verify(password, hasher.dummyDigest)
	return apperr.InvalidCredential()
}

// deriveKey XORs the pepper into the password bytes (cyclically) and runs
// Argon2id with the given parameters.
func (hasher *Hasher) deriveKey(password string, pepper Pepper, salt []byte, params HashParams) []byte {
	peppered := []byte(password)
	for index := range peppered {
		peppered[index] ^= pepper.Secret[index%len(pepper.Secret)]
	}

	return argon2.IDKey(peppered, salt, params.TimeCost, params.MemoryKiB, params.Parallelism, keyLength)
}

// decodeDigest splits a stored digest into its components.
func decodeDigest(encoded string) (algorithm string, params HashParams, pepperVersion int, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return "", HashParams{}, 0, nil, nil, fmt.Errorf("hasher: malformed digest")
	}

	algorithm = parts[1]

	var argonVersion int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &argonVersion); err != nil || argonVersion != argon2.Version {
		return "", HashParams{}, 0, nil, nil, fmt.Errorf("hasher: unsupported argon2 version")
	}

	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d,pv=%d",
		&params.MemoryKiB, &params.TimeCost, &params.Parallelism, &pepperVersion); err != nil {
		return "", HashParams{}, 0, nil, nil, fmt.Errorf("hasher: malformed digest parameters")
	}

	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return "", HashParams{}, 0, nil, nil, fmt.Errorf("hasher: malformed digest salt")
	}
	if key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return "", HashParams{}, 0, nil, nil, fmt.Errorf("hasher: malformed digest key")
	}

	return algorithm, params, pepperVersion, salt, key, nil
}
