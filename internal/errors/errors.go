package errors

import "errors"

// Precondition errors. Fail fast, no retry.
var (
	ErrCryptoNotReady = errors.New("crypto not ready: cross-signing or secret storage not initialized")
	ErrRoomNotFound   = errors.New("room not found")
)

// Key recovery errors.
var (
	ErrNoBackup           = errors.New("no key backup exists on the server")
	ErrPassphraseRequired = errors.New("key backup requires a passphrase")
)

// Client/transport errors.
var (
	ErrInvalidToken = errors.New("invalid or expired access token")
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
)
