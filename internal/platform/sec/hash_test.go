// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taibuivan/torii/internal/platform/apperr"
	"github.com/taibuivan/torii/internal/platform/sec"
)

// testHashParams keeps Argon2id cheap enough for unit tests.
var testHashParams = sec.HashParams{MemoryKiB: 1024, TimeCost: 1, Parallelism: 1}

func newTestHasher(t *testing.T, keys *sec.Keystore) *sec.Hasher {
	t.Helper()

	hasher, err := sec.NewHasher(testHashParams, keys)
	require.NoError(t, err)
	return hasher
}

func TestHasher_RoundTrip(t *testing.T) {
	hasher := newTestHasher(t, newTestKeystore(t))

	digest, err := hasher.Hash("correct horse battery staple")
	require.NoError(t, err)
	require.Contains(t, digest, "$argon2id$")

	rehash, err := hasher.Verify("correct horse battery staple", digest)
	require.NoError(t, err)
	require.False(t, rehash)
}

func TestHasher_WrongPassword(t *testing.T) {
	hasher := newTestHasher(t, newTestKeystore(t))

	digest, err := hasher.Hash("the-real-password")
	require.NoError(t, err)

	_, err = hasher.Verify("a-guess", digest)
	require.True(t, apperr.HasCode(err, apperr.CodeInvalidCredential))
}

func TestHasher_SaltsDiffer(t *testing.T) {
	hasher := newTestHasher(t, newTestKeystore(t))

	first, err := hasher.Hash("same password")
	require.NoError(t, err)
	second, err := hasher.Hash("same password")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestHasher_RetiredAlgorithmRejected(t *testing.T) {
	hasher := newTestHasher(t, newTestKeystore(t))

	// A bcrypt-era digest must fail closed, not crash or pass.
	_, err := hasher.Verify("whatever", "$2a$10$N9qo8uLOickgx2ZMRZoMye")
	require.True(t, apperr.HasCode(err, apperr.CodeLegacyAlgorithm))
}

func TestHasher_PepperRotationSignalsRehash(t *testing.T) {
	cfg := newTestKeystoreConfig(t)
	keys, err := sec.NewKeystore(cfg)
	require.NoError(t, err)
	hasher := newTestHasher(t, keys)

	digest, err := hasher.Hash("stable password")
	require.NoError(t, err)

	// Promote pepper v2; v1 stays in the active set.
	cfg.PepperVersions = append([]string{"2:fresh-pepper"}, cfg.PepperVersions...)
	require.NoError(t, keys.Reload(cfg))

	rehash, err := hasher.Verify("stable password", digest)
	require.NoError(t, err)
	require.True(t, rehash)

	// A digest minted now carries v2 and needs no rehash.
	fresh, err := hasher.Hash("stable password")
	require.NoError(t, err)
	rehash, err = hasher.Verify("stable password", fresh)
	require.NoError(t, err)
	require.False(t, rehash)
}

func TestHasher_RemovedPepperFailsClosed(t *testing.T) {
	cfg := newTestKeystoreConfig(t)
	keys, err := sec.NewKeystore(cfg)
	require.NoError(t, err)
	hasher := newTestHasher(t, keys)

	digest, err := hasher.Hash("soon to be orphaned")
	require.NoError(t, err)

	// Replace the pepper set entirely: v1 is gone.
	cfg.PepperVersions = []string{"2:fresh-pepper"}
	require.NoError(t, keys.Reload(cfg))

	_, err = hasher.Verify("soon to be orphaned", digest)
	require.True(t, apperr.HasCode(err, apperr.CodeLegacyAlgorithm))
}

func TestHasher_VerifyDummyAlwaysFails(t *testing.T) {
	hasher := newTestHasher(t, newTestKeystore(t))

	err := hasher.VerifyDummy("any password at all")
	require.True(t, apperr.HasCode(err, apperr.CodeInvalidCredential))
}
