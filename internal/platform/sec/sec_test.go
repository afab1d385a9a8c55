// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taibuivan/torii/internal/platform/sec"
)

// writeKeypairPEM generates an RSA keypair and writes both halves as PEM
// files, returning their paths.
func writeKeypairPEM(t *testing.T, dir, name string) (privatePath, publicPath string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privatePath = filepath.Join(dir, name+".pem")
	privateBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(privatePath, pem.EncodeToMemory(privateBlock), 0o600))

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPath = filepath.Join(dir, name+".pub.pem")
	publicBlock := &pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}
	require.NoError(t, os.WriteFile(publicPath, pem.EncodeToMemory(publicBlock), 0o600))

	return privatePath, publicPath
}

// newTestKeystoreConfig builds a single-version config with fresh key material.
func newTestKeystoreConfig(t *testing.T) sec.KeystoreConfig {
	t.Helper()

	dir := t.TempDir()
	privatePath, publicPath := writeKeypairPEM(t, dir, "signing-1")

	secretKey := make([]byte, 32)
	_, err := rand.Read(secretKey)
	require.NoError(t, err)

	return sec.KeystoreConfig{
		PrivateKeyPaths: []string{privatePath},
		PublicKeyPaths:  []string{publicPath},
		SecretKeys:      []string{"1:" + hex.EncodeToString(secretKey)},
		PepperVersions:  []string{"1:unit-test-pepper"},
	}
}

func newTestKeystore(t *testing.T) *sec.Keystore {
	t.Helper()

	store, err := sec.NewKeystore(newTestKeystoreConfig(t))
	require.NoError(t, err)
	return store
}

/*
TestKeystore_SealOpen verifies the symmetric seal/open round trip.
*/
func TestKeystore_SealOpen(t *testing.T) {
	store := newTestKeystore(t)

	sealed, err := store.Seal([]byte("totp-shared-secret"))
	require.NoError(t, err)
	require.NotContains(t, sealed, "totp-shared-secret")

	opened, err := store.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("totp-shared-secret"), opened)
}

/*
TestKeystore_OpenRejectsTampering verifies GCM authentication failure on a
modified ciphertext.
*/
func TestKeystore_OpenRejectsTampering(t *testing.T) {
	store := newTestKeystore(t)

	sealed, err := store.Seal([]byte("scratch-code"))
	require.NoError(t, err)

	// Flip the last character of the body.
	tampered := sealed[:len(sealed)-1] + string(sealed[len(sealed)-1]^1)
	_, err = store.Open(tampered)
	require.Error(t, err)
}

/*
TestKeystore_ReloadRotatesPrimary verifies that prepending a new key version
promotes it to primary while the old version keeps decrypting.
*/
func TestKeystore_ReloadRotatesPrimary(t *testing.T) {
	cfg := newTestKeystoreConfig(t)
	store, err := sec.NewKeystore(cfg)
	require.NoError(t, err)

	sealedWithV1, err := store.Seal([]byte("pre-rotation"))
	require.NoError(t, err)

	// Rotate: add secret key v2 and pepper v2 at the front.
	newKey := make([]byte, 32)
	_, err = rand.Read(newKey)
	require.NoError(t, err)
	cfg.SecretKeys = append([]string{"2:" + hex.EncodeToString(newKey)}, cfg.SecretKeys...)
	cfg.PepperVersions = append([]string{"2:rotated-pepper"}, cfg.PepperVersions...)
	require.NoError(t, store.Reload(cfg))

	// New seals use v2, old seals still open.
	sealedWithV2, err := store.Seal([]byte("post-rotation"))
	require.NoError(t, err)
	require.Contains(t, sealedWithV2, "v2.")

	opened, err := store.Open(sealedWithV1)
	require.NoError(t, err)
	require.Equal(t, []byte("pre-rotation"), opened)

	require.Equal(t, 2, store.PrimaryPepper().Version)
	_, stillActive := store.PepperByVersion(1)
	require.True(t, stillActive)
}
