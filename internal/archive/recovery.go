package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/alexjbarnes/chat-archive/internal/errors"
	"github.com/alexjbarnes/chat-archive/internal/queue"
)

// RecoveryWatcher watches a drop-file path for a key-backup passphrase.
// An operator writes the passphrase to the file; the watcher reads it,
// runs key recovery, releases queued decrypt-retries, and deletes the
// file so the passphrase never lingers on disk.
type RecoveryWatcher struct {
	path   string
	crypto CryptoCoordinator
	queue  *queue.Engine
	logger *slog.Logger
}

// NewRecoveryWatcher creates a watcher for the given drop-file path.
func NewRecoveryWatcher(path string, coord CryptoCoordinator, q *queue.Engine, logger *slog.Logger) *RecoveryWatcher {
	return &RecoveryWatcher{
		path:   path,
		crypto: coord,
		queue:  q,
		logger: logger,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file itself so drops of a not-yet-existing file are
// seen. A file already present at startup is consumed immediately.
func (r *RecoveryWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating drop directory: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching drop directory: %w", err)
	}

	r.consume(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Name != r.path {
				continue
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			r.consume(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			r.logger.Warn("recovery watcher error", slog.String("error", err.Error()))
		}
	}
}

// consume reads the drop file, runs recovery, and removes the file.
// Missing file is a no-op; the watcher will see the next drop.
func (r *RecoveryWatcher) consume(ctx context.Context) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("reading passphrase drop file", slog.String("error", err.Error()))
		}

		return
	}

	defer func() {
		if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("removing passphrase drop file", slog.String("error", err.Error()))
		}
	}()

	passphrase := strings.TrimSpace(string(data))
	if passphrase == "" {
		return
	}

	imported, err := r.crypto.RecoverKeys(ctx, passphrase)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNoBackup):
			r.logger.Warn("passphrase dropped but no key backup exists")
		case errors.Is(err, apperrors.ErrPassphraseRequired):
			r.logger.Warn("key recovery rejected empty passphrase")
		default:
			r.logger.Warn("key recovery from drop file failed", slog.String("error", err.Error()))
		}

		return
	}

	released := r.queue.Expedite(queue.LaneRetryDecrypt)

	r.logger.Info("keys recovered from drop file",
		slog.Int("keys_imported", imported),
		slog.Int("retries_released", released),
	)
}
