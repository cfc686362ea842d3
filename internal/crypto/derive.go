package crypto

import (
	"crypto/sha512"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used when the
	// backup auth data does not specify one.
	DefaultIterations = 210_000

	// derivedKeyLen is the derived backup key length in bytes.
	derivedKeyLen = 32
)

// DeriveBackupKey derives the 32-byte backup recovery key from a
// passphrase and salt using PBKDF2 over SHA-512. The passphrase is
// normalized to NFKC before hashing so visually identical input
// produces identical keys across platforms. Pure function: output
// depends only on (passphrase, salt, iterations).
func DeriveBackupKey(passphrase, salt string, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	passphrase = norm.NFKC.String(passphrase)

	return pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, derivedKeyLen, sha512.New)
}

// ZeroKey overwrites the key material in the given slice. Call this
// after handing the key to the provider to limit the window during
// which raw key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
