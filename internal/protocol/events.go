// Package protocol defines the typed event surface the archiver consumes
// from the chat homeserver, plus the REST and streaming clients that
// produce those events. The archiver core only reads the fields declared
// here; the upstream protocol's full event shape never leaks past this
// package.
package protocol

import "encoding/json"

// Membership states a participant can be in within a room.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// StreamState is a lifecycle state reported by the streaming connection.
type StreamState string

const (
	// StreamPrepared is emitted once after the first successful stream
	// response on a connection.
	StreamPrepared StreamState = "PREPARED"

	// StreamSyncing is emitted when the connection has caught up and is
	// receiving live events.
	StreamSyncing StreamState = "SYNCING"

	// StreamError is emitted when the connection fails in a way that
	// live delivery cannot continue without intervention.
	StreamError StreamState = "ERROR"

	// StreamStopped is emitted once after StopStreaming completes.
	StreamStopped StreamState = "STOPPED"
)

// TimelineEvent is a single room timeline event as delivered by the
// homeserver. Content is the opaque structured payload; for encrypted
// events it holds ciphertext until decryption succeeds, after which
// Decrypted is set and Content carries the plaintext.
type TimelineEvent struct {
	ID         string          `json:"event_id"`
	RoomID     string          `json:"room_id"`
	Sender     string          `json:"sender"`
	Type       string          `json:"type"`
	Timestamp  int64           `json:"origin_ts"`
	Encrypted  bool            `json:"encrypted"`
	Decrypted  bool            `json:"-"`
	Content    json.RawMessage `json:"content"`
	RelatesTo  string          `json:"relates_to,omitempty"`
	ThreadRoot string          `json:"thread_root,omitempty"`
}

// MembershipEvent describes a membership or profile change for one
// participant in one room.
type MembershipEvent struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Membership  string `json:"membership"`
	Timestamp   int64  `json:"origin_ts"`
}

// RoomHandle carries the room attributes the archiver persists. Members
// is only populated on the room-enumeration path used for backfill;
// live state updates deliver membership separately.
type RoomHandle struct {
	ID        string   `json:"room_id"`
	Name      string   `json:"name"`
	Topic     string   `json:"topic"`
	AvatarURL string   `json:"avatar_url"`
	Encrypted bool     `json:"encrypted"`
	CreatedAt int64    `json:"created_ts"`
	Members   []Member `json:"members,omitempty"`
}

// Member is a room member as returned by room enumeration.
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Membership  string `json:"membership"`
	JoinedAt    int64  `json:"joined_ts"`
}

// Handlers holds the callbacks the stream client invokes as events
// arrive. All callbacks run on the stream's event loop goroutine; they
// must not block on the stream client itself.
type Handlers struct {
	// OnTimelineEvent receives timeline events. backfill is true for
	// paginated history deliveries replayed by the server, as opposed to
	// forward-chronological live deliveries.
	OnTimelineEvent func(ev TimelineEvent, backfill bool)

	// OnMembershipChange receives membership and profile changes.
	OnMembershipChange func(ev MembershipEvent)

	// OnRoomStateChange receives room attribute changes (name, topic,
	// encryption, avatar).
	OnRoomStateChange func(room RoomHandle)

	// OnStreamState receives connection lifecycle transitions. errText
	// is non-empty only for StreamError.
	OnStreamState func(state StreamState, errText string)

	// OnCheckpoint receives the stream position token after each
	// acknowledged batch. Tokens are opaque and strictly forward-moving
	// on a healthy connection.
	OnCheckpoint func(token string)
}
