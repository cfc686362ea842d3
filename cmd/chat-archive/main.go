package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-archive/internal/archive"
	"github.com/alexjbarnes/chat-archive/internal/config"
	"github.com/alexjbarnes/chat-archive/internal/crypto"
	"github.com/alexjbarnes/chat-archive/internal/logging"
	"github.com/alexjbarnes/chat-archive/internal/protocol"
	"github.com/alexjbarnes/chat-archive/internal/queue"
	"github.com/alexjbarnes/chat-archive/internal/state"
	"github.com/alexjbarnes/chat-archive/internal/store"
)

var Version = "dev"

// stopTimeout bounds the graceful shutdown drain.
const stopTimeout = 30 * time.Second

// homeserverClient combines the REST client (room enumeration) and the
// stream client into the single surface the orchestrator drives.
type homeserverClient struct {
	*protocol.Client
	*protocol.StreamClient
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-archive starting",
		slog.String("version", Version),
		slog.String("homeserver", cfg.Homeserver),
		slog.String("user", cfg.UserID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading session state: %w", err)
	}
	defer session.Close()

	deviceID, err := session.DeviceID()
	if err != nil {
		return err
	}

	if err := session.SetToken(cfg.AccessToken); err != nil {
		logger.Warn("failed to cache access token", slog.String("error", err.Error()))
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening archive database: %w", err)
	}
	defer db.Close()

	filter, err := archive.LoadRoomFilter(cfg.RoomFilterPath)
	if err != nil {
		return err
	}

	provider := crypto.NewHTTPProvider(cfg.CryptoProviderURL, nil)
	coord := crypto.NewCoordinator(provider, db, logger)

	if err := coord.EnsureBackup(ctx); err != nil {
		logger.Warn("key backup not enabled", slog.String("error", err.Error()))
	}

	q := queue.New(queue.Config{MaxRetries: cfg.QueueMaxRetry}, logger)
	writer := archive.NewWriter(db, coord, q, logger)

	rest := protocol.NewClient(cfg.Homeserver, cfg.AccessToken, nil)
	stream := protocol.NewStreamClient(protocol.StreamConfig{
		Host:   cfg.Homeserver,
		Token:  cfg.AccessToken,
		UserID: cfg.UserID,
		Device: deviceID,
	}, logger)

	orch := archive.NewOrchestrator(
		&homeserverClient{Client: rest, StreamClient: stream},
		coord, db, q, writer, filter,
		archive.Config{
			Passphrase:    cfg.BackupPassphrase,
			BatchSize:     cfg.QueueBatchSize,
			BackfillBatch: cfg.BackfillBatchSize,
			DrainInterval: cfg.DrainInterval,
			ErrorPause:    cfg.DrainErrPause,
		},
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := orch.Start(gctx); err != nil {
			return err
		}

		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		return orch.Stop(stopCtx)
	})

	if cfg.RecoveryDropPath != "" {
		watcher := archive.NewRecoveryWatcher(cfg.RecoveryDropPath, coord, q, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	return g.Wait()
}
