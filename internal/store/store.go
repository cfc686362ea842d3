// Package store persists the normalized archive copy in sqlite. All
// row writes go through batched upserts keyed by protocol-assigned IDs,
// so redelivering the same event or state is idempotent by
// construction. This package is the only writer of the Room,
// Participant, and Message tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id     TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	topic       TEXT NOT NULL DEFAULT '',
	avatar_url  TEXT NOT NULL DEFAULT '',
	encrypted   INTEGER NOT NULL DEFAULT 0,
	created_ts  INTEGER NOT NULL DEFAULT 0,
	updated_ts  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS participants (
	user_id      TEXT NOT NULL,
	room_id      TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT '',
	membership   TEXT NOT NULL DEFAULT '',
	joined_ts    INTEGER NOT NULL DEFAULT 0,
	updated_ts   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, room_id)
);

CREATE TABLE IF NOT EXISTS messages (
	event_id    TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL,
	sender      TEXT NOT NULL DEFAULT '',
	event_type  TEXT NOT NULL DEFAULT '',
	content     BLOB,
	origin_ts   INTEGER NOT NULL DEFAULT 0,
	encrypted   INTEGER NOT NULL DEFAULT 0,
	decrypted   INTEGER NOT NULL DEFAULT 0,
	relates_to  TEXT NOT NULL DEFAULT '',
	thread_root TEXT NOT NULL DEFAULT '',
	err_text    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages (room_id, origin_ts);

CREATE TABLE IF NOT EXISTS sync_checkpoint (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	token    TEXT NOT NULL DEFAULT '',
	state    TEXT NOT NULL DEFAULT '',
	err_text TEXT NOT NULL DEFAULT '',
	saved_ts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS key_backup_status (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	enabled     INTEGER NOT NULL DEFAULT 0,
	version     TEXT NOT NULL DEFAULT '',
	algorithm   TEXT NOT NULL DEFAULT '',
	recorded_ts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_errors (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id    TEXT NOT NULL,
	room_id     TEXT NOT NULL DEFAULT '',
	err_text    TEXT NOT NULL DEFAULT '',
	recorded_ts INTEGER NOT NULL DEFAULT 0
);
`

// dirPerm is the permission mode for the archive directory.
const dirPerm = 0o700

// Store wraps the sqlite archive database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and bootstraps on first run) the archive database at
// path, creating parent directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening archive db: %w", err)
	}

	// One writer at a time keeps upsert batches serialized; sqlite
	// does not benefit from write concurrency anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing archive schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRooms writes a batch of rooms in one transaction. Existing rows
// are updated in place; identity (room_id) never changes.
func (s *Store) UpsertRooms(ctx context.Context, rooms []Room) error {
	if len(rooms) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO rooms (room_id, name, topic, avatar_url, encrypted, created_ts, updated_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (room_id) DO UPDATE SET
				name       = excluded.name,
				topic      = excluded.topic,
				avatar_url = excluded.avatar_url,
				encrypted  = excluded.encrypted,
				updated_ts = excluded.updated_ts`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.now().UnixMilli()

		for _, r := range rooms {
			if _, err := stmt.ExecContext(ctx, r.ID, r.Name, r.Topic, r.AvatarURL, boolInt(r.Encrypted), r.CreatedAt, now); err != nil {
				return fmt.Errorf("upserting room %s: %w", r.ID, err)
			}
		}

		return nil
	})
}

// UpsertParticipants writes a batch of participants in one transaction,
// keyed by (user_id, room_id).
func (s *Store) UpsertParticipants(ctx context.Context, participants []Participant) error {
	if len(participants) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO participants (user_id, room_id, display_name, avatar_url, membership, joined_ts, updated_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, room_id) DO UPDATE SET
				display_name = excluded.display_name,
				avatar_url   = excluded.avatar_url,
				membership   = excluded.membership,
				joined_ts    = CASE WHEN excluded.joined_ts > 0 THEN excluded.joined_ts ELSE participants.joined_ts END,
				updated_ts   = excluded.updated_ts`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.now().UnixMilli()

		for _, p := range participants {
			if _, err := stmt.ExecContext(ctx, p.UserID, p.RoomID, p.DisplayName, p.AvatarURL, p.Membership, p.JoinedAt, now); err != nil {
				return fmt.Errorf("upserting participant %s in %s: %w", p.UserID, p.RoomID, err)
			}
		}

		return nil
	})
}

// UpsertMessages writes a batch of messages in one transaction, keyed
// by event_id. Redelivery of an event updates content, timestamp, and
// the encrypted/decrypted flags; it never produces a second row.
func (s *Store) UpsertMessages(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO messages (event_id, room_id, sender, event_type, content, origin_ts, encrypted, decrypted, relates_to, thread_root, err_text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_id) DO UPDATE SET
				content     = excluded.content,
				origin_ts   = excluded.origin_ts,
				encrypted   = excluded.encrypted,
				decrypted   = excluded.decrypted,
				relates_to  = excluded.relates_to,
				thread_root = excluded.thread_root,
				err_text    = excluded.err_text`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range messages {
			if _, err := stmt.ExecContext(ctx,
				m.EventID, m.RoomID, m.Sender, m.EventType, m.Content, m.Timestamp,
				boolInt(m.Encrypted), boolInt(m.Decrypted), m.RelatesTo, m.ThreadRoot, m.ErrText,
			); err != nil {
				return fmt.Errorf("upserting message %s: %w", m.EventID, err)
			}
		}

		return nil
	})
}

// MessageCount returns the number of archived messages in a room.
func (s *Store) MessageCount(ctx context.Context, roomID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}

	return n, nil
}

// GetMessage returns an archived message by event ID, or nil if absent.
func (s *Store) GetMessage(ctx context.Context, eventID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, room_id, sender, event_type, content, origin_ts, encrypted, decrypted, relates_to, thread_root, err_text
		FROM messages WHERE event_id = ?`, eventID)

	var (
		m                    Message
		encrypted, decrypted int
	)

	err := row.Scan(&m.EventID, &m.RoomID, &m.Sender, &m.EventType, &m.Content, &m.Timestamp,
		&encrypted, &decrypted, &m.RelatesTo, &m.ThreadRoot, &m.ErrText)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}

	m.Encrypted = encrypted != 0
	m.Decrypted = decrypted != 0

	return &m, nil
}

// Checkpoint returns the current sync checkpoint, or nil if none has
// been saved yet.
func (s *Store) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token, state, err_text, saved_ts FROM sync_checkpoint WHERE id = 1`)

	var cp Checkpoint

	var state string

	err := row.Scan(&cp.Token, &state, &cp.ErrText, &cp.SavedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	cp.State = SyncState(state)

	return &cp, nil
}

// SaveCheckpoint overwrites the single checkpoint row.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoint (id, token, state, err_text, saved_ts)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			token    = excluded.token,
			state    = excluded.state,
			err_text = excluded.err_text,
			saved_ts = excluded.saved_ts`,
		cp.Token, string(cp.State), cp.ErrText, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	return nil
}

// ClearCheckpoint removes the checkpoint row. The next start performs a
// full backfill.
func (s *Store) ClearCheckpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_checkpoint`); err != nil {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}

	return nil
}

// AppendSyncErrors appends items to the operator-facing error log.
func (s *Store) AppendSyncErrors(ctx context.Context, errs []SyncError) error {
	if len(errs) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sync_errors (event_id, room_id, err_text, recorded_ts)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.now().UnixMilli()

		for _, e := range errs {
			if _, err := stmt.ExecContext(ctx, e.EventID, e.RoomID, e.ErrText, now); err != nil {
				return fmt.Errorf("appending sync error for %s: %w", e.EventID, err)
			}
		}

		return nil
	})
}

// ClearSyncErrors empties the error log. Used by sync reset.
func (s *Store) ClearSyncErrors(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_errors`); err != nil {
		return fmt.Errorf("clearing sync errors: %w", err)
	}

	return nil
}

// SyncErrors returns the error log, newest first.
func (s *Store) SyncErrors(ctx context.Context) ([]SyncError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, room_id, err_text, recorded_ts
		FROM sync_errors ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("loading sync errors: %w", err)
	}
	defer rows.Close()

	var out []SyncError

	for rows.Next() {
		var e SyncError
		if err := rows.Scan(&e.EventID, &e.RoomID, &e.ErrText, &e.RecordedAt); err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// RecordBackupStatus appends a key-backup status record. The history is
// append-only; each provider-reported state change adds a row.
func (s *Store) RecordBackupStatus(ctx context.Context, enabled bool, version, algorithm string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_backup_status (enabled, version, algorithm, recorded_ts)
		VALUES (?, ?, ?, ?)`,
		boolInt(enabled), version, algorithm, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("recording backup status: %w", err)
	}

	return nil
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
