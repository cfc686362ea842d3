// Package archive ties the stream client, crypto coordinator, retry
// queue, and store into the sync engine: one orchestrator owning the
// sync lifecycle, one writer draining the queue into the store.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-archive/internal/crypto"
	"github.com/alexjbarnes/chat-archive/internal/protocol"
	"github.com/alexjbarnes/chat-archive/internal/queue"
	"github.com/alexjbarnes/chat-archive/internal/store"
)

const (
	// defaultDrainInterval is the idle sleep between drain passes when
	// the queue is empty.
	defaultDrainInterval = time.Second

	// defaultErrorPause is the sleep after a flush failure before the
	// next drain pass.
	defaultErrorPause = 5 * time.Second

	// defaultBatchSize is the number of items drained per pass.
	defaultBatchSize = 50

	// defaultBackfillBatch is the number of rooms persisted per store
	// round-trip during initial backfill.
	defaultBackfillBatch = 20
)

// ProtocolClient is the homeserver surface the orchestrator drives:
// room enumeration for backfill plus the streaming connection.
type ProtocolClient interface {
	Rooms(ctx context.Context) ([]protocol.RoomHandle, error)
	StartStreaming(ctx context.Context, since string, h protocol.Handlers) error
	StopStreaming(ctx context.Context) error
	RetryImmediately()
}

// CryptoCoordinator is the crypto surface the orchestrator needs.
// Satisfied by *crypto.Coordinator.
type CryptoCoordinator interface {
	RequireReady(ctx context.Context) error
	RecoverKeys(ctx context.Context, passphrase string) (int, error)
	Summary() crypto.BackupSummary
}

// SyncStatus is the operator-facing snapshot of the engine.
type SyncStatus struct {
	State   store.SyncState      `json:"state"`
	Error   string               `json:"error,omitempty"`
	Token   string               `json:"token,omitempty"`
	Queue   queue.Counts         `json:"queue"`
	Backup  crypto.BackupSummary `json:"backup"`
	Started bool                 `json:"started"`
}

// Config tunes the orchestrator. Zero values select the defaults.
type Config struct {
	// Passphrase is the key-backup passphrase used for automatic key
	// recovery. Empty means recovery can only use secret storage or the
	// drop-file watcher.
	Passphrase string

	BatchSize     int
	BackfillBatch int
	DrainInterval time.Duration
	ErrorPause    time.Duration
}

// Orchestrator owns the sync lifecycle: readiness gate, room backfill,
// stream wiring, the drain loop, and error recovery. All lifecycle
// methods are safe for concurrent use.
type Orchestrator struct {
	client ProtocolClient
	crypto CryptoCoordinator
	store  ArchiveStore
	queue  *queue.Engine
	writer *Writer
	filter *RoomFilter
	logger *slog.Logger
	cfg    Config

	mu            sync.Mutex
	started       bool
	starting      bool
	state         store.SyncState
	errText       string
	token         string
	recoveryTried bool
	runCtx        context.Context
	stopDrain     context.CancelFunc
	drainDone     chan struct{}
}

// NewOrchestrator creates an Orchestrator. filter may be nil to archive
// every room.
func NewOrchestrator(client ProtocolClient, coord CryptoCoordinator, st ArchiveStore, q *queue.Engine, w *Writer, filter *RoomFilter, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.BackfillBatch <= 0 {
		cfg.BackfillBatch = defaultBackfillBatch
	}

	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}

	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = defaultErrorPause
	}

	return &Orchestrator{
		client: client,
		crypto: coord,
		store:  st,
		queue:  q,
		writer: w,
		filter: filter,
		logger: logger,
		cfg:    cfg,
		state:  store.StateStopped,
	}
}

// Start brings the engine up: crypto readiness gate, checkpoint load,
// room backfill when starting fresh, then the stream and the drain
// loop. Backfill completes before any live event is processed. Calling
// Start while the engine is running, or while another Start is still
// bringing it up, is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started || o.starting {
		o.mu.Unlock()
		return nil
	}

	o.starting = true
	o.state = store.StateInitializing
	o.errText = ""
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
	}()

	if err := o.crypto.RequireReady(ctx); err != nil {
		o.setState(store.StateStopped, "")
		return fmt.Errorf("crypto readiness: %w", err)
	}

	cp, err := o.store.Checkpoint(ctx)
	if err != nil {
		o.setState(store.StateStopped, "")
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	if cp != nil {
		o.mu.Lock()
		o.token = cp.Token
		o.mu.Unlock()

		o.logger.Info("resuming sync from checkpoint", slog.String("token", cp.Token))
	} else {
		if err := o.backfill(ctx); err != nil {
			o.setState(store.StateStopped, "")
			return fmt.Errorf("backfill: %w", err)
		}
	}

	// The drain loop must outlive the Start call's context; it is torn
	// down explicitly by Stop.
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	o.mu.Lock()
	o.runCtx = drainCtx
	o.stopDrain = cancel
	o.drainDone = done
	since := o.token
	o.mu.Unlock()

	if err := o.client.StartStreaming(ctx, since, o.handlers()); err != nil {
		cancel()
		o.setState(store.StateError, err.Error())

		return fmt.Errorf("starting stream: %w", err)
	}

	go o.drainLoop(drainCtx, done)

	o.mu.Lock()
	o.started = true
	o.state = store.StateSyncing
	o.mu.Unlock()

	o.logger.Info("sync started", slog.Bool("resumed", cp != nil))

	return nil
}

// Stop shuts the engine down: the stream closes first so no new work
// arrives, then the queue is drained to empty before the final
// checkpoint is written. Stopping an engine that is not running is a
// no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}

	o.started = false
	cancel := o.stopDrain
	done := o.drainDone
	o.mu.Unlock()

	if err := o.client.StopStreaming(ctx); err != nil {
		o.logger.Warn("stopping stream", slog.String("error", err.Error()))
	}

	cancel()
	<-done

	if err := o.drainRemaining(ctx); err != nil {
		return fmt.Errorf("draining queue on stop: %w", err)
	}

	o.setState(store.StateStopped, "")

	if err := o.saveCheckpoint(ctx); err != nil {
		return fmt.Errorf("saving final checkpoint: %w", err)
	}

	o.logger.Info("sync stopped")

	return nil
}

// ResetSync stops the engine, discards the checkpoint, queue contents,
// and error log, and starts over from a full backfill. Archived rows
// are kept; redelivery is idempotent.
func (o *Orchestrator) ResetSync(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil {
		return err
	}

	if err := o.store.ClearCheckpoint(ctx); err != nil {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}

	if err := o.store.ClearSyncErrors(ctx); err != nil {
		return fmt.Errorf("clearing error log: %w", err)
	}

	o.queue.Clear()

	o.mu.Lock()
	o.token = ""
	o.recoveryTried = false
	o.mu.Unlock()

	o.logger.Info("sync state reset")

	return o.Start(ctx)
}

// ResumeSync nudges a stalled engine. If the engine is running but in
// the error state it forces an immediate stream retry; if it is not
// running it is equivalent to Start.
func (o *Orchestrator) ResumeSync(ctx context.Context) error {
	o.mu.Lock()
	started := o.started
	o.recoveryTried = false
	o.mu.Unlock()

	if !started {
		return o.Start(ctx)
	}

	o.setState(store.StateSyncing, "")
	o.client.RetryImmediately()

	return nil
}

// RetryFailed resets every terminally failed queue item back to pending
// with a zero retry count, returning how many were reset.
func (o *Orchestrator) RetryFailed() int {
	n := o.queue.RetryFailed()
	if n > 0 {
		o.logger.Info("failed items reset for retry", slog.Int("count", n))
	}

	return n
}

// Status returns the current engine snapshot.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	st := SyncStatus{
		State:   o.state,
		Error:   o.errText,
		Token:   o.token,
		Started: o.started,
	}
	o.mu.Unlock()

	st.Queue = o.queue.Status()
	st.Backup = o.crypto.Summary()

	return st
}

// backfill enumerates rooms and persists room and participant rows in
// batches before any listener is attached, so live membership updates
// can never race the initial snapshot.
func (o *Orchestrator) backfill(ctx context.Context) error {
	rooms, err := o.client.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("enumerating rooms: %w", err)
	}

	var kept int

	for start := 0; start < len(rooms); start += o.cfg.BackfillBatch {
		end := min(start+o.cfg.BackfillBatch, len(rooms))

		var (
			roomRows        []store.Room
			participantRows []store.Participant
		)

		for _, room := range rooms[start:end] {
			if !o.filter.AllowRoom(room.ID) {
				continue
			}

			kept++

			roomRows = append(roomRows, roomFromHandle(room))

			for _, m := range room.Members {
				participantRows = append(participantRows, store.Participant{
					UserID:      m.UserID,
					RoomID:      room.ID,
					DisplayName: m.DisplayName,
					AvatarURL:   m.AvatarURL,
					Membership:  m.Membership,
					JoinedAt:    m.JoinedAt,
				})
			}
		}

		if err := o.store.UpsertRooms(ctx, roomRows); err != nil {
			return fmt.Errorf("persisting rooms: %w", err)
		}

		if err := o.store.UpsertParticipants(ctx, participantRows); err != nil {
			return fmt.Errorf("persisting participants: %w", err)
		}
	}

	o.logger.Info("backfill complete",
		slog.Int("rooms", kept),
		slog.Int("skipped", len(rooms)-kept),
	)

	return nil
}

func (o *Orchestrator) handlers() protocol.Handlers {
	return protocol.Handlers{
		OnTimelineEvent:    o.handleTimeline,
		OnMembershipChange: o.handleMembership,
		OnRoomStateChange:  o.handleRoomState,
		OnStreamState:      o.handleStreamState,
		OnCheckpoint:       o.handleCheckpoint,
	}
}

// handleTimeline classifies an incoming event into a queue lane.
// Paginated history replays are dropped: only forward-chronological
// live deliveries are archived through the stream. Encrypted events go
// through the decrypt-retry lane; the writer attempts decryption when
// it drains them.
func (o *Orchestrator) handleTimeline(ev protocol.TimelineEvent, paginated bool) {
	if paginated {
		o.logger.Debug("ignoring paginated delivery", slog.String("event_id", ev.ID))
		return
	}

	if !o.filter.AllowRoom(ev.RoomID) {
		return
	}

	lane := queue.LaneMessage
	if ev.Encrypted {
		lane = queue.LaneRetryDecrypt
	}

	o.queue.Enqueue(queue.Item{
		Event:  ev,
		RoomID: ev.RoomID,
		Lane:   lane,
	})
}

// handleMembership applies membership changes directly; they are cheap
// single-row upserts and do not need the retry queue.
func (o *Orchestrator) handleMembership(ev protocol.MembershipEvent) {
	if !o.filter.AllowRoom(ev.RoomID) {
		return
	}

	row := store.Participant{
		UserID:      ev.UserID,
		RoomID:      ev.RoomID,
		DisplayName: ev.DisplayName,
		AvatarURL:   ev.AvatarURL,
		Membership:  ev.Membership,
		JoinedAt:    ev.Timestamp,
	}

	if err := o.store.UpsertParticipants(o.runContext(), []store.Participant{row}); err != nil {
		o.logger.Warn("persisting membership change",
			slog.String("user_id", ev.UserID),
			slog.String("room_id", ev.RoomID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) handleRoomState(room protocol.RoomHandle) {
	if !o.filter.AllowRoom(room.ID) {
		return
	}

	if err := o.store.UpsertRooms(o.runContext(), []store.Room{roomFromHandle(room)}); err != nil {
		o.logger.Warn("persisting room state change",
			slog.String("room_id", room.ID),
			slog.String("error", err.Error()),
		)
	}
}

// handleCheckpoint persists the stream position. Tokens only move
// forward; a duplicate delivery of the current token is skipped.
func (o *Orchestrator) handleCheckpoint(token string) {
	o.mu.Lock()
	if token == "" || token == o.token {
		o.mu.Unlock()
		return
	}

	o.token = token
	o.mu.Unlock()

	if err := o.saveCheckpoint(o.runContext()); err != nil {
		o.logger.Warn("saving checkpoint", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) handleStreamState(state protocol.StreamState, errText string) {
	switch state {
	case protocol.StreamPrepared:
		o.mu.Lock()
		o.recoveryTried = false
		o.mu.Unlock()

		o.setState(store.StateSyncing, "")
	case protocol.StreamSyncing:
		o.setState(store.StateSynced, "")

		if err := o.saveCheckpoint(o.runContext()); err != nil {
			o.logger.Warn("saving checkpoint", slog.String("error", err.Error()))
		}
	case protocol.StreamError:
		o.handleStreamError(errText)
	case protocol.StreamStopped:
	}
}

// handleStreamError records the error state and, when the error looks
// like a decryption failure, attempts key recovery once per error
// occurrence before retrying the stream.
func (o *Orchestrator) handleStreamError(errText string) {
	o.setState(store.StateError, errText)

	if err := o.saveCheckpoint(o.runContext()); err != nil {
		o.logger.Warn("saving checkpoint", slog.String("error", err.Error()))
	}

	if !crypto.LooksLikeDecryptFailure(errText) {
		return
	}

	o.mu.Lock()
	if o.recoveryTried {
		o.mu.Unlock()
		return
	}

	o.recoveryTried = true
	o.mu.Unlock()

	imported, err := o.crypto.RecoverKeys(o.runContext(), o.cfg.Passphrase)
	if err != nil {
		o.logger.Warn("automatic key recovery failed", slog.String("error", err.Error()))
		return
	}

	o.logger.Info("recovered keys after decrypt failure", slog.Int("keys_imported", imported))
	o.queue.Expedite(queue.LaneRetryDecrypt)
	o.client.RetryImmediately()
}

// drainLoop is the single queue consumer: dequeue a batch, flush it,
// sleep when idle, back off after a flush failure.
func (o *Orchestrator) drainLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		items := o.queue.Dequeue(o.cfg.BatchSize)
		if len(items) == 0 {
			if !sleepCtx(ctx, o.cfg.DrainInterval) {
				return
			}

			continue
		}

		if err := o.writer.Flush(ctx, items); err != nil {
			o.logger.Warn("flush failed, pausing drain", slog.String("error", err.Error()))

			if !sleepCtx(ctx, o.cfg.ErrorPause) {
				return
			}
		}
	}
}

// drainRemaining flushes until the queue holds no pending, retrying, or
// processing items. Backoff delays are expedited; items that keep
// failing exhaust their retries and settle in failed, so the loop
// terminates.
func (o *Orchestrator) drainRemaining(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		items := o.queue.Dequeue(o.cfg.BatchSize)
		if len(items) == 0 {
			counts := o.queue.Status()
			if counts.Pending == 0 && counts.Retrying == 0 && counts.Processing == 0 {
				return nil
			}

			o.queue.Expedite(queue.LaneMessage)
			o.queue.Expedite(queue.LaneRetryDecrypt)
			o.queue.Expedite(queue.LaneError)

			continue
		}

		if err := o.writer.Flush(ctx, items); err != nil {
			o.logger.Warn("flush failed during final drain", slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) setState(state store.SyncState, errText string) {
	o.mu.Lock()
	o.state = state
	o.errText = errText
	o.mu.Unlock()

	if state == store.StateError {
		o.logger.Warn("sync state changed", slog.String("state", string(state)), slog.String("error", errText))
	} else {
		o.logger.Debug("sync state changed", slog.String("state", string(state)))
	}
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context) error {
	o.mu.Lock()
	cp := store.Checkpoint{
		Token:   o.token,
		State:   o.state,
		ErrText: o.errText,
	}
	o.mu.Unlock()

	return o.store.SaveCheckpoint(ctx, cp)
}

// runContext returns the drain context while the engine runs, so
// handler-originated writes stop when the engine is torn down.
func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.runCtx != nil {
		return o.runCtx
	}

	return context.Background()
}

func roomFromHandle(room protocol.RoomHandle) store.Room {
	return store.Room{
		ID:        room.ID,
		Name:      room.Name,
		Topic:     room.Topic,
		AvatarURL: room.AvatarURL,
		Encrypted: room.Encrypted,
		CreatedAt: room.CreatedAt,
	}
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting whether
// the full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
