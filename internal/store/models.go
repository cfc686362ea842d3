package store

// SyncState is the lifecycle state recorded alongside the checkpoint.
type SyncState string

const (
	StateInitializing SyncState = "initializing"
	StateSyncing      SyncState = "syncing"
	StateSynced       SyncState = "synced"
	StateError        SyncState = "error"
	StateStopped      SyncState = "stopped"
)

// Room is one archived room. Identity is the protocol room ID; all
// other attributes are mutable and refreshed on every state event.
type Room struct {
	ID        string
	Name      string
	Topic     string
	AvatarURL string
	Encrypted bool
	CreatedAt int64
	UpdatedAt int64
}

// Participant is one (user, room) membership row.
type Participant struct {
	UserID      string
	RoomID      string
	DisplayName string
	AvatarURL   string
	Membership  string
	JoinedAt    int64
	UpdatedAt   int64
}

// Message is one archived timeline event. Identity is the protocol
// event ID; redelivery updates the row in place.
type Message struct {
	EventID    string
	RoomID     string
	Sender     string
	EventType  string
	Content    []byte
	Timestamp  int64
	Encrypted  bool
	Decrypted  bool
	RelatesTo  string
	ThreadRoot string
	ErrText    string
}

// Checkpoint is the single current position in the event stream.
type Checkpoint struct {
	Token   string
	State   SyncState
	ErrText string
	SavedAt int64
}

// SyncError is one entry in the operator-facing error log.
type SyncError struct {
	EventID    string
	RoomID     string
	ErrText    string
	RecordedAt int64
}
