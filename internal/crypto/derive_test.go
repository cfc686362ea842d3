package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveBackupKey_Deterministic(t *testing.T) {
	k1 := DeriveBackupKey("correct horse battery staple", "salt123", 1000)
	k2 := DeriveBackupKey("correct horse battery staple", "salt123", 1000)

	require.Len(t, k1, 32)
	assert.Equal(t, k1, k2)
}

func TestDeriveBackupKey_PassphraseSensitive(t *testing.T) {
	k1 := DeriveBackupKey("passphrase-a", "salt", 1000)
	k2 := DeriveBackupKey("passphrase-b", "salt", 1000)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveBackupKey_SaltSensitive(t *testing.T) {
	k1 := DeriveBackupKey("passphrase", "salt-a", 1000)
	k2 := DeriveBackupKey("passphrase", "salt-b", 1000)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveBackupKey_IterationSensitive(t *testing.T) {
	k1 := DeriveBackupKey("passphrase", "salt", 1000)
	k2 := DeriveBackupKey("passphrase", "salt", 2000)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveBackupKey_DefaultIterations(t *testing.T) {
	// Zero and negative iteration counts fall back to the default, so
	// both must derive the same key.
	k0 := DeriveBackupKey("passphrase", "salt", 0)
	kNeg := DeriveBackupKey("passphrase", "salt", -5)
	kDefault := DeriveBackupKey("passphrase", "salt", DefaultIterations)

	assert.Equal(t, kDefault, k0)
	assert.Equal(t, kDefault, kNeg)
}

func TestDeriveBackupKey_NFKCNormalization(t *testing.T) {
	// U+212B (angstrom sign) normalizes to U+00C5 under NFKC, so a
	// passphrase typed with either codepoint must derive the same key.
	k1 := DeriveBackupKey("pass\u212Bword", "salt", 1000)
	k2 := DeriveBackupKey("pass\u00C5word", "salt", 1000)

	assert.Equal(t, k1, k2)
}

func TestZeroKey(t *testing.T) {
	key := DeriveBackupKey("passphrase", "salt", 1000)
	ZeroKey(key)

	for _, b := range key {
		assert.Zero(t, b)
	}
}
