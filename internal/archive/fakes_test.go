package archive

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/alexjbarnes/chat-archive/internal/crypto"
	"github.com/alexjbarnes/chat-archive/internal/protocol"
	"github.com/alexjbarnes/chat-archive/internal/store"
)

// fakeStore is an in-memory ArchiveStore with per-method error
// injection, shared by the writer and orchestrator tests.
type fakeStore struct {
	mu sync.Mutex

	rooms        map[string]store.Room
	participants map[string]store.Participant
	messages     map[string]store.Message
	syncErrors   []store.SyncError
	checkpoint   *store.Checkpoint

	roomBatches    int
	messageBatches int

	upsertMessagesErr error
	appendErrorsErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:        make(map[string]store.Room),
		participants: make(map[string]store.Participant),
		messages:     make(map[string]store.Message),
	}
}

func (f *fakeStore) UpsertRooms(_ context.Context, rooms []store.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(rooms) > 0 {
		f.roomBatches++
	}

	for _, r := range rooms {
		f.rooms[r.ID] = r
	}

	return nil
}

func (f *fakeStore) UpsertParticipants(_ context.Context, participants []store.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range participants {
		f.participants[p.UserID+"/"+p.RoomID] = p
	}

	return nil
}

func (f *fakeStore) UpsertMessages(_ context.Context, messages []store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertMessagesErr != nil {
		return f.upsertMessagesErr
	}

	if len(messages) > 0 {
		f.messageBatches++
	}

	for _, m := range messages {
		f.messages[m.EventID] = m
	}

	return nil
}

func (f *fakeStore) AppendSyncErrors(_ context.Context, errs []store.SyncError) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.appendErrorsErr != nil {
		return f.appendErrorsErr
	}

	f.syncErrors = append(f.syncErrors, errs...)

	return nil
}

func (f *fakeStore) ClearSyncErrors(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.syncErrors = nil

	return nil
}

func (f *fakeStore) Checkpoint(context.Context) (*store.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.checkpoint == nil {
		return nil, nil
	}

	cp := *f.checkpoint

	return &cp, nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, cp store.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checkpoint = &cp

	return nil
}

func (f *fakeStore) ClearCheckpoint(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checkpoint = nil

	return nil
}

func (f *fakeStore) message(eventID string) (store.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.messages[eventID]

	return m, ok
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.messages)
}

func (f *fakeStore) errorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.syncErrors)
}

func (f *fakeStore) savedCheckpoint() *store.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.checkpoint == nil {
		return nil
	}

	cp := *f.checkpoint

	return &cp
}

// fakeDecrypter routes Decrypt through a function field.
type fakeDecrypter struct {
	decrypt func(ctx context.Context, ev protocol.TimelineEvent) (json.RawMessage, error)
}

func (f *fakeDecrypter) Decrypt(ctx context.Context, ev protocol.TimelineEvent) (json.RawMessage, error) {
	return f.decrypt(ctx, ev)
}

// fakeCoordinator implements CryptoCoordinator for orchestrator tests.
type fakeCoordinator struct {
	mu sync.Mutex

	readyErr     error
	recoverErr   error
	recoverCount int
	recoveredN   int
	lastPass     string
	summary      crypto.BackupSummary
}

func (f *fakeCoordinator) RequireReady(context.Context) error {
	return f.readyErr
}

func (f *fakeCoordinator) RecoverKeys(_ context.Context, passphrase string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recoverCount++
	f.lastPass = passphrase

	if f.recoverErr != nil {
		return 0, f.recoverErr
	}

	return f.recoveredN, nil
}

func (f *fakeCoordinator) Summary() crypto.BackupSummary {
	return f.summary
}

func (f *fakeCoordinator) recoveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.recoverCount
}

// fakeClient implements ProtocolClient.
type fakeClient struct {
	mu sync.Mutex

	rooms    []protocol.RoomHandle
	roomsErr error

	// roomsGate, when set, blocks Rooms until the channel is closed so
	// tests can hold a caller mid-backfill.
	roomsGate chan struct{}

	startErr   error
	startCount int
	roomsCalls int
	stopped    bool
	retries    int

	since    string
	handlers protocol.Handlers
}

func (f *fakeClient) Rooms(context.Context) ([]protocol.RoomHandle, error) {
	f.mu.Lock()
	f.roomsCalls++
	gate := f.roomsGate
	rooms, err := f.rooms, f.roomsErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	return rooms, err
}

func (f *fakeClient) StartStreaming(_ context.Context, since string, h protocol.Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}

	f.startCount++
	f.since = since
	f.handlers = h
	f.stopped = false

	return nil
}

func (f *fakeClient) StopStreaming(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = true

	return nil
}

func (f *fakeClient) RetryImmediately() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.retries++
}

func (f *fakeClient) retryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.retries
}
