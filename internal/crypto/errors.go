package crypto

import (
	"errors"
	"fmt"
	"strings"
)

// DecryptionError marks an event that could not be decrypted yet,
// typically because the room key has not arrived. Callers route these
// into the decrypt-retry path instead of treating them as terminal.
type DecryptionError struct {
	EventID string
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypting event %s: %v", e.EventID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// IsDecryptionError reports whether err (or any error in its chain) is
// a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// decryptSignatures are substrings that identify crypto failures in
// error text propagated from the stream, where only a string survives
// the trip.
var decryptSignatures = []string{
	"decrypt",
	"megolm",
	"olm",
	"room key",
	"session key",
	"unknown session",
}

// LooksLikeDecryptFailure reports whether an error message carries a
// decryption/crypto signature. Used by the orchestrator to decide
// whether a stream error is worth a key-recovery attempt.
func LooksLikeDecryptFailure(errText string) bool {
	lower := strings.ToLower(errText)

	for _, sig := range decryptSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}

	return false
}
