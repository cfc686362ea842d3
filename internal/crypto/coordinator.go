package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/chat-archive/internal/errors"
	"github.com/alexjbarnes/chat-archive/internal/protocol"
)

// StatusRecorder persists key-backup status transitions. Implemented by
// the archive store; the coordinator appends a record whenever the
// provider reports a backup-state change.
type StatusRecorder interface {
	RecordBackupStatus(ctx context.Context, enabled bool, version, algorithm string) error
}

// BackupSummary is the externally visible backup state, included in the
// orchestrator's sync status.
type BackupSummary struct {
	Enabled   bool   `json:"enabled"`
	Version   string `json:"version,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
}

// Coordinator is the facade between the sync engine and the Provider.
// It owns readiness checks, decrypt-on-demand, and the key recovery
// flow, including deriving the backup key from a passphrase; derived
// key material is zeroed as soon as the provider call returns.
type Coordinator struct {
	provider Provider
	recorder StatusRecorder
	logger   *slog.Logger

	mu      sync.Mutex
	summary BackupSummary
}

// NewCoordinator creates a Coordinator. recorder may be nil, in which
// case backup-state changes are logged but not persisted.
func NewCoordinator(provider Provider, recorder StatusRecorder, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		provider: provider,
		recorder: recorder,
		logger:   logger,
	}
}

// Ready reports whether both cross-signing and secret storage are
// initialized. The orchestrator treats false as a hard precondition
// failure for starting sync.
func (c *Coordinator) Ready(ctx context.Context) (bool, error) {
	crossSigning, err := c.provider.IsCrossSigningReady(ctx)
	if err != nil {
		return false, fmt.Errorf("checking cross-signing: %w", err)
	}

	secretStorage, err := c.provider.IsSecretStorageReady(ctx)
	if err != nil {
		return false, fmt.Errorf("checking secret storage: %w", err)
	}

	return crossSigning && secretStorage, nil
}

// RequireReady returns ErrCryptoNotReady when Ready is false.
func (c *Coordinator) RequireReady(ctx context.Context) error {
	ready, err := c.Ready(ctx)
	if err != nil {
		return err
	}

	if !ready {
		return apperrors.ErrCryptoNotReady
	}

	return nil
}

// Decrypt decrypts a timeline event via the provider. A
// *DecryptionError means the key is not available yet and the event
// should be retried later; any other error is a provider failure.
func (c *Coordinator) Decrypt(ctx context.Context, ev protocol.TimelineEvent) (json.RawMessage, error) {
	return c.provider.DecryptEvent(ctx, ev)
}

// EnsureBackup verifies and enables the key backup, recording the
// resulting status. Called once at startup.
func (c *Coordinator) EnsureBackup(ctx context.Context) error {
	info, err := c.provider.CheckAndEnableKeyBackup(ctx)
	if err != nil {
		return fmt.Errorf("enabling key backup: %w", err)
	}

	c.recordStatus(ctx, info)

	return nil
}

// ResetBackup deletes and recreates the key backup. Keys restored under
// the old backup version remain usable; new keys back up to the new
// version.
func (c *Coordinator) ResetBackup(ctx context.Context) error {
	info, err := c.provider.ResetKeyBackup(ctx)
	if err != nil {
		return fmt.Errorf("resetting key backup: %w", err)
	}

	c.recordStatus(ctx, info)

	return nil
}

// RecoverKeys restores room keys from the key backup. When the backup's
// auth data indicates passphrase-based encryption, a passphrase is
// required: the backup key is derived here from the passphrase and the
// backup's salt and iteration count, handed to the provider, and zeroed
// before returning. Otherwise the key in secret storage is used.
// Returns the number of keys imported.
//
// Errors: ErrNoBackup when no backup exists, ErrPassphraseRequired when
// one is needed and absent.
func (c *Coordinator) RecoverKeys(ctx context.Context, passphrase string) (int, error) {
	info, err := c.provider.KeyBackupInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching backup info: %w", err)
	}

	if info == nil {
		return 0, apperrors.ErrNoBackup
	}

	var imported int

	if info.PassphraseAuth {
		if passphrase == "" {
			return 0, apperrors.ErrPassphraseRequired
		}

		key := DeriveBackupKey(passphrase, info.Salt, info.Iterations)
		imported, err = c.provider.RestoreBackupWithKey(ctx, key)
		ZeroKey(key)

		if err != nil {
			return 0, fmt.Errorf("restoring backup with derived key: %w", err)
		}
	} else {
		imported, err = c.provider.RestoreBackupWithSecretStorage(ctx)
		if err != nil {
			return 0, fmt.Errorf("restoring backup from secret storage: %w", err)
		}
	}

	c.logger.Info("key backup restored",
		slog.String("version", info.Version),
		slog.Int("keys_imported", imported),
	)
	c.recordStatus(ctx, info)

	return imported, nil
}

// Summary returns the last observed backup state.
func (c *Coordinator) Summary() BackupSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.summary
}

// recordStatus caches the backup summary and appends a status record.
// Persistence failures are logged, not propagated: the status history
// is operator-facing telemetry, not sync-critical state.
func (c *Coordinator) recordStatus(ctx context.Context, info *BackupInfo) {
	summary := BackupSummary{}
	if info != nil {
		summary = BackupSummary{Enabled: true, Version: info.Version, Algorithm: info.Algorithm}
	}

	c.mu.Lock()
	changed := summary != c.summary
	c.summary = summary
	c.mu.Unlock()

	if !changed || c.recorder == nil {
		return
	}

	if err := c.recorder.RecordBackupStatus(ctx, summary.Enabled, summary.Version, summary.Algorithm); err != nil {
		c.logger.Warn("failed to record backup status", slog.String("error", err.Error()))
	}
}
