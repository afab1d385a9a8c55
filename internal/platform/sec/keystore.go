// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package sec provides the cryptographic primitives for the authentication core.

It isolates security-sensitive code (Argon2id hashing, key management, token
signing) from the domain logic. It acts as an Infrastructure service injected
into the Application layer via narrow interfaces.

Components:

  - Keystore: versioned signing / encryption / pepper keysets with one primary.
  - Hasher: Argon2id digests with parameter and pepper-version agility.
  - TokenService: RS256 access tokens and opaque refresh secrets.

Key material lives only in process memory. Nothing in this package ever
serializes a key, a pepper, or a raw secret into an error or a log record.
*/
package sec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"
)

// # Keyset Types

// SigningKeypair is one version of the asymmetric access-token signing key.
type SigningKeypair struct {
	// Version is carried in the token header as 'kid' so verification can
	// select the right public key without trial-and-error.
	Version int
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Pepper is one version of the process-wide password pepper.
type Pepper struct {
	Version int
	Secret  []byte
}

// secretKey is one version of the symmetric at-rest encryption key.
type secretKey struct {
	version int
	aead    cipher.AEAD
}

// keysetSnapshot is an immutable view of all three keysets. Rotation and
// operator reloads swap the whole snapshot atomically, so readers never see
// a half-rotated state.
type keysetSnapshot struct {
	// Index 0 is the primary in every slice; the rest are retired versions
	// accepted for verification/decryption only.
	signing []SigningKeypair
	secrets []secretKey
	peppers []Pepper
}

// # Keystore

// Keystore holds the three logical keysets required by the core: signing keys
// for access tokens, encryption keys for stored secrets, and the password
// pepper.
//
// # Concurrency
//
// Reads are lock-free via an atomic snapshot pointer. [Keystore.Reload] is the
// only writer; it is safe to call concurrently with readers.
type Keystore struct {
	snapshot atomic.Pointer[keysetSnapshot]
}

// KeystoreConfig enumerates the key material sources, all ordered
// primary-first.
type KeystoreConfig struct {
	// PrivateKeyPaths / PublicKeyPaths are paired PEM file paths.
	PrivateKeyPaths []string
	PublicKeyPaths  []string

	// SecretKeys are "version:hex" pairs; each hex string decodes to a
	// 32-byte AES-256-GCM key.
	SecretKeys []string

	// PepperVersions are "version:secret" pairs.
	PepperVersions []string
}

// NewKeystore loads all keysets from configuration.
func NewKeystore(cfg KeystoreConfig) (*Keystore, error) {
	store := &Keystore{}
	if err := store.Reload(cfg); err != nil {
		return nil, err
	}
	return store, nil
}

/*
Reload re-reads all key material and atomically swaps the active snapshot.

Description: This is both the startup loader and the operator-triggered
rotation hook. Adding a new first entry to a list promotes it to primary and
demotes the previous primary to retired; removing a trailing entry retires a
version for good (only safe once every token it signed has expired).

Parameters:
  - cfg: KeystoreConfig

Returns:
  - error: Parse or IO failures. On error the previous snapshot stays active.
*/
func (store *Keystore) Reload(cfg KeystoreConfig) error {
	snapshot := &keysetSnapshot{}

	// Signing keyset. Versions count from the oldest entry so they stay
	// stable when rotation prepends a new primary.
	if len(cfg.PrivateKeyPaths) == 0 || len(cfg.PrivateKeyPaths) != len(cfg.PublicKeyPaths) {
		return errors.New("keystore: signing key paths must be non-empty and paired")
	}
	total := len(cfg.PrivateKeyPaths)
	for index, privatePath := range cfg.PrivateKeyPaths {
		keypair, err := loadSigningKeypair(privatePath, cfg.PublicKeyPaths[index])
		if err != nil {
			return err
		}
		keypair.Version = total - index
		snapshot.signing = append(snapshot.signing, keypair)
	}

	// Encryption keyset.
	if len(cfg.SecretKeys) == 0 {
		return errors.New("keystore: at least one secret key is required")
	}
	for _, pair := range cfg.SecretKeys {
		key, err := parseSecretKey(pair)
		if err != nil {
			return err
		}
		snapshot.secrets = append(snapshot.secrets, key)
	}

	// Pepper keyset.
	if len(cfg.PepperVersions) == 0 {
		return errors.New("keystore: at least one pepper version is required")
	}
	for _, pair := range cfg.PepperVersions {
		pepper, err := parsePepper(pair)
		if err != nil {
			return err
		}
		snapshot.peppers = append(snapshot.peppers, pepper)
	}

	store.snapshot.Store(snapshot)
	return nil
}

// # Signing Keys

// SigningKey returns the primary keypair used for minting new tokens.
func (store *Keystore) SigningKey() SigningKeypair {
	return store.snapshot.Load().signing[0]
}

// VerificationKey returns the public key for the given version, covering both
// the primary and every retired version still in the active set.
func (store *Keystore) VerificationKey(version int) (*rsa.PublicKey, bool) {
	for _, keypair := range store.snapshot.Load().signing {
		if keypair.Version == version {
			return keypair.Public, true
		}
	}
	return nil, false
}

// # Secret Encryption

// sealedPrefix separates the version tag from the ciphertext body.
const sealedSeparator = "."

/*
Seal encrypts a stored secret (TOTP seed, recovery code) with the primary
encryption key.

Returns:
  - string: "v<version>.<base64(nonce|ciphertext)>"
  - error: Entropy failures
*/
func (store *Keystore) Seal(plaintext []byte) (string, error) {
	primary := store.snapshot.Load().secrets[0]

	nonce := make([]byte, primary.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keystore_seal_nonce_failed: %w", err)
	}

	ciphertext := primary.aead.Seal(nonce, nonce, plaintext, nil)
	return "v" + strconv.Itoa(primary.version) + sealedSeparator +
		base64.RawStdEncoding.EncodeToString(ciphertext), nil
}

/*
Open decrypts a sealed secret using whichever key version produced it.

Returns:
  - []byte: Plaintext
  - error: Unknown version, corrupt envelope, or authentication failure
*/
func (store *Keystore) Open(sealed string) ([]byte, error) {
	versionPart, body, found := strings.Cut(sealed, sealedSeparator)
	if !found || !strings.HasPrefix(versionPart, "v") {
		return nil, errors.New("keystore: malformed sealed secret")
	}

	version, err := strconv.Atoi(versionPart[1:])
	if err != nil {
		return nil, errors.New("keystore: malformed sealed secret version")
	}

	var key *secretKey
	for index := range store.snapshot.Load().secrets {
		candidate := &store.snapshot.Load().secrets[index]
		if candidate.version == version {
			key = candidate
			break
		}
	}
	if key == nil {
		return nil, fmt.Errorf("keystore: secret key version %d is not in the active set", version)
	}

	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, errors.New("keystore: malformed sealed secret body")
	}
	if len(raw) < key.aead.NonceSize() {
		return nil, errors.New("keystore: sealed secret too short")
	}

	nonce, ciphertext := raw[:key.aead.NonceSize()], raw[key.aead.NonceSize():]
	plaintext, err := key.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Deliberately opaque: never echo ciphertext or key details.
		return nil, errors.New("keystore: secret authentication failed")
	}

	return plaintext, nil
}

// # Peppers

// PrimaryPepper returns the pepper used for new password digests.
func (store *Keystore) PrimaryPepper() Pepper {
	return store.snapshot.Load().peppers[0]
}

// PepperByVersion returns the pepper for the given version if it is still in
// the active set.
func (store *Keystore) PepperByVersion(version int) (Pepper, bool) {
	for _, pepper := range store.snapshot.Load().peppers {
		if pepper.Version == version {
			return pepper, true
		}
	}
	return Pepper{}, false
}

// # Loading Helpers

func loadSigningKeypair(privatePath, publicPath string) (SigningKeypair, error) {
	privateData, err := os.ReadFile(privatePath)
	if err != nil {
		return SigningKeypair{}, fmt.Errorf("keystore: failed to read private key from %s: %w", privatePath, err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateData)
	if err != nil {
		return SigningKeypair{}, fmt.Errorf("keystore: failed to parse private key %s: %w", privatePath, err)
	}

	publicData, err := os.ReadFile(publicPath)
	if err != nil {
		return SigningKeypair{}, fmt.Errorf("keystore: failed to read public key from %s: %w", publicPath, err)
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicData)
	if err != nil {
		return SigningKeypair{}, fmt.Errorf("keystore: failed to parse public key %s: %w", publicPath, err)
	}

	return SigningKeypair{Private: privateKey, Public: publicKey}, nil
}

func parseSecretKey(pair string) (secretKey, error) {
	versionPart, hexPart, found := strings.Cut(pair, ":")
	if !found {
		return secretKey{}, errors.New("keystore: secret keys must be 'version:hex' pairs")
	}

	version, err := strconv.Atoi(versionPart)
	if err != nil {
		return secretKey{}, fmt.Errorf("keystore: invalid secret key version %q", versionPart)
	}

	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) != 32 {
		return secretKey{}, fmt.Errorf("keystore: secret key v%d must be 32 hex-encoded bytes", version)
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return secretKey{}, fmt.Errorf("keystore: secret key v%d rejected: %w", version, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return secretKey{}, fmt.Errorf("keystore: secret key v%d rejected: %w", version, err)
	}

	return secretKey{version: version, aead: aead}, nil
}

func parsePepper(pair string) (Pepper, error) {
	versionPart, secret, found := strings.Cut(pair, ":")
	if !found || secret == "" {
		return Pepper{}, errors.New("keystore: peppers must be 'version:secret' pairs")
	}

	version, err := strconv.Atoi(versionPart)
	if err != nil {
		return Pepper{}, fmt.Errorf("keystore: invalid pepper version %q", versionPart)
	}

	return Pepper{Version: version, Secret: []byte(secret)}, nil
}
