package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-archive/internal/crypto"
	"github.com/alexjbarnes/chat-archive/internal/protocol"
	"github.com/alexjbarnes/chat-archive/internal/queue"
	"github.com/alexjbarnes/chat-archive/internal/store"
)

// ArchiveStore is the subset of the store the archive package writes
// through. Satisfied by *store.Store.
type ArchiveStore interface {
	UpsertRooms(ctx context.Context, rooms []store.Room) error
	UpsertParticipants(ctx context.Context, participants []store.Participant) error
	UpsertMessages(ctx context.Context, messages []store.Message) error
	AppendSyncErrors(ctx context.Context, errs []store.SyncError) error
	ClearSyncErrors(ctx context.Context) error
	Checkpoint(ctx context.Context) (*store.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
	ClearCheckpoint(ctx context.Context) error
}

// Decrypter decrypts timeline events on demand. Satisfied by
// *crypto.Coordinator.
type Decrypter interface {
	Decrypt(ctx context.Context, ev protocol.TimelineEvent) (json.RawMessage, error)
}

// Writer drains queue batches into the store. It is the single
// consumer of the queue: items it cannot flush go back through the
// queue's retry path, never straight to pending. Flush owns the full
// disposition of every item it is handed.
type Writer struct {
	store   ArchiveStore
	crypto  Decrypter
	queue   *queue.Engine
	logger  *slog.Logger
	nowUnix func() int64
}

// NewWriter creates a Writer.
func NewWriter(st ArchiveStore, dec Decrypter, q *queue.Engine, logger *slog.Logger) *Writer {
	return &Writer{
		store:   st,
		crypto:  dec,
		queue:   q,
		logger:  logger,
		nowUnix: func() int64 { return time.Now().UnixMilli() },
	}
}

// Flush processes one dequeued batch. Decrypt-retry items are decrypted
// first: successes re-enter the queue as message items carrying the
// plaintext, key-not-available failures go back through the retry path,
// and provider failures are rerouted to the error lane. Message and
// error items are then written in single batched statements; a store
// failure requeues the whole slice for that lane so redelivery stays
// idempotent.
func (w *Writer) Flush(ctx context.Context, items []queue.Item) error {
	var messages, retries, errors []queue.Item

	for _, item := range items {
		switch item.Lane {
		case queue.LaneRetryDecrypt:
			retries = append(retries, item)
		case queue.LaneError:
			errors = append(errors, item)
		default:
			messages = append(messages, item)
		}
	}

	w.flushDecryptRetries(ctx, retries)

	if err := w.flushMessages(ctx, messages); err != nil {
		return err
	}

	return w.flushErrors(ctx, errors)
}

// flushDecryptRetries attempts decryption for each retry item. This is
// per-item, not batched: one missing key must not hold back events
// whose keys have arrived.
func (w *Writer) flushDecryptRetries(ctx context.Context, items []queue.Item) {
	for _, item := range items {
		plaintext, err := w.crypto.Decrypt(ctx, item.Event)
		if err == nil {
			ev := item.Event
			ev.Content = plaintext
			ev.Decrypted = true

			w.queue.MarkDone([]queue.Item{item})
			w.queue.Enqueue(queue.Item{
				Event:     ev,
				RoomID:    item.RoomID,
				Lane:      queue.LaneMessage,
				FirstSeen: item.FirstSeen,
			})

			continue
		}

		if crypto.IsDecryptionError(err) {
			item.ErrText = err.Error()
			w.recordExhausted(ctx, w.queue.Requeue([]queue.Item{item}))

			continue
		}

		// Provider failure, not a missing key. Surface it in the error
		// log instead of burning retries against a broken provider.
		w.logger.Warn("decrypt provider failure",
			slog.String("event_id", item.Event.ID),
			slog.String("error", err.Error()),
		)

		w.queue.MarkDone([]queue.Item{item})
		w.queue.Enqueue(queue.Item{
			Event:     item.Event,
			RoomID:    item.RoomID,
			Lane:      queue.LaneError,
			FirstSeen: item.FirstSeen,
			ErrText:   err.Error(),
		})
	}
}

func (w *Writer) flushMessages(ctx context.Context, items []queue.Item) error {
	if len(items) == 0 {
		return nil
	}

	messages := make([]store.Message, 0, len(items))

	for _, item := range items {
		messages = append(messages, messageFromEvent(item.Event))
	}

	if err := w.store.UpsertMessages(ctx, messages); err != nil {
		for i := range items {
			items[i].ErrText = err.Error()
		}

		w.recordExhausted(ctx, w.queue.Requeue(items))

		return fmt.Errorf("flushing messages: %w", err)
	}

	w.queue.MarkDone(items)

	return nil
}

func (w *Writer) flushErrors(ctx context.Context, items []queue.Item) error {
	if len(items) == 0 {
		return nil
	}

	errs := make([]store.SyncError, 0, len(items))
	now := w.nowUnix()

	for _, item := range items {
		errs = append(errs, store.SyncError{
			EventID:    item.Event.ID,
			RoomID:     item.RoomID,
			ErrText:    item.ErrText,
			RecordedAt: now,
		})
	}

	if err := w.store.AppendSyncErrors(ctx, errs); err != nil {
		for i := range items {
			items[i].ErrText = err.Error()
		}

		w.recordExhausted(ctx, w.queue.Requeue(items))

		return fmt.Errorf("flushing error log: %w", err)
	}

	w.queue.MarkDone(items)

	return nil
}

// recordExhausted appends retry-exhausted items to the error log so the
// failure and its originating error text survive a restart. The items
// also stay in the queue's failed set for operator-driven retry.
func (w *Writer) recordExhausted(ctx context.Context, items []queue.Item) {
	if len(items) == 0 {
		return
	}

	errs := make([]store.SyncError, 0, len(items))
	now := w.nowUnix()

	for _, item := range items {
		errs = append(errs, store.SyncError{
			EventID:    item.Event.ID,
			RoomID:     item.RoomID,
			ErrText:    item.ErrText,
			RecordedAt: now,
		})
	}

	if err := w.store.AppendSyncErrors(ctx, errs); err != nil {
		w.logger.Warn("recording retry-exhausted items", slog.String("error", err.Error()))
	}
}

// messageFromEvent maps a timeline event onto its storage row. An event
// still flagged encrypted is stored with its ciphertext so nothing is
// lost; the decrypted flag tells readers which content they are seeing.
func messageFromEvent(ev protocol.TimelineEvent) store.Message {
	return store.Message{
		EventID:    ev.ID,
		RoomID:     ev.RoomID,
		Sender:     ev.Sender,
		EventType:  ev.Type,
		Content:    ev.Content,
		Timestamp:  ev.Timestamp,
		Encrypted:  ev.Encrypted,
		Decrypted:  !ev.Encrypted || ev.Decrypted,
		RelatesTo:  ev.RelatesTo,
		ThreadRoot: ev.ThreadRoot,
	}
}
