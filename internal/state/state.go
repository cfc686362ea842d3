// Package state keeps the small pieces of local session state that must
// survive restarts but do not belong in the archive database: the
// device identity this archiver presents to the homeserver, the cached
// access token, and the last key-backup version observed.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")

	deviceIDKey      = []byte("device_id")
	tokenKey         = []byte("token")
	backupVersionKey = []byte("backup_version")
)

// Session wraps a bbolt database for local session state.
type Session struct {
	db *bolt.DB
}

// Load opens the session database at ~/.chat-archive/session.db,
// creating it if it does not exist.
func Load() (*Session, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(dir, ".chat-archive", "session.db"))
}

// LoadAt opens a session database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Session, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session db: %w", err)
	}

	return &Session{db: db}, nil
}

// Close closes the database.
func (s *Session) Close() error {
	return s.db.Close()
}

// DeviceID returns the stable device identity for this archiver,
// generating and persisting one on first use.
func (s *Session) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = "archive-" + uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}

	return id, nil
}

// Token returns the cached access token, or empty string.
func (s *Session) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(sessionBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the access token.
func (s *Session) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(tokenKey, []byte(token))
	})
}

// BackupVersion returns the last key-backup version this archiver
// observed, or empty string.
func (s *Session) BackupVersion() string {
	var version string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(sessionBucket).Get(backupVersionKey); v != nil {
			version = string(v)
		}

		return nil
	})

	return version
}

// SetBackupVersion persists the observed key-backup version.
func (s *Session) SetBackupVersion(version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(backupVersionKey, []byte(version))
	})
}
