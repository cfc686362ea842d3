// Package crypto coordinates end-to-end-encryption key recovery and
// decrypt-on-demand for the archiver. It does not implement any
// cryptographic primitives itself; session management, cross-signing,
// and backup storage live in an external provider reached through the
// Provider interface.
package crypto

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/chat-archive/internal/protocol"
)

// BackupInfo describes a server-side key backup as reported by the
// provider.
type BackupInfo struct {
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`

	// PassphraseAuth is true when the backup's auth data indicates
	// passphrase-based encryption; restoring then requires the
	// passphrase (and its salt/iterations below).
	PassphraseAuth bool   `json:"passphrase_auth"`
	Salt           string `json:"salt,omitempty"`
	Iterations     int    `json:"iterations,omitempty"`
}

// Provider is the external encryption subsystem. Implementations wrap
// whatever olm/megolm machinery the deployment uses; the archiver only
// ever calls through this boundary.
type Provider interface {
	// IsCrossSigningReady reports whether cross-signing bootstrap has
	// completed for this device.
	IsCrossSigningReady(ctx context.Context) (bool, error)

	// IsSecretStorageReady reports whether secret storage is set up and
	// accessible.
	IsSecretStorageReady(ctx context.Context) (bool, error)

	// KeyBackupInfo returns the current key backup descriptor, or nil
	// if no backup exists.
	KeyBackupInfo(ctx context.Context) (*BackupInfo, error)

	// CheckAndEnableKeyBackup verifies the existing backup and enables
	// it for this device, creating one if the provider is configured to.
	CheckAndEnableKeyBackup(ctx context.Context) (*BackupInfo, error)

	// ResetKeyBackup deletes the existing backup and creates a fresh one.
	ResetKeyBackup(ctx context.Context) (*BackupInfo, error)

	// DecryptEvent decrypts a timeline event and returns the plaintext
	// content. Returns *DecryptionError when the event cannot be
	// decrypted yet; any other error is a provider failure.
	DecryptEvent(ctx context.Context, ev protocol.TimelineEvent) (json.RawMessage, error)

	// RestoreBackupWithKey restores room keys from the backup using the
	// derived 32-byte backup key. Returns the number of keys imported.
	// Callers own the key material and zero it after the call returns.
	RestoreBackupWithKey(ctx context.Context, key []byte) (int, error)

	// RestoreBackupWithSecretStorage restores room keys using the key
	// held in secret storage. Returns the number of keys imported.
	RestoreBackupWithSecretStorage(ctx context.Context) (int, error)
}
