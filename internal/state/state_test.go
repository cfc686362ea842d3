package state

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()

	s, err := LoadAt(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestDeviceID_GeneratedOnce(t *testing.T) {
	s := newTestSession(t)

	id1, err := s.DeviceID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id1, "archive-"))

	id2, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "device identity must be stable")
}

func TestDeviceID_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	s, err := LoadAt(path)
	require.NoError(t, err)

	id1, err := s.DeviceID()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = LoadAt(path)
	require.NoError(t, err)
	defer s.Close()

	id2, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestToken_RoundTrip(t *testing.T) {
	s := newTestSession(t)

	assert.Empty(t, s.Token())

	require.NoError(t, s.SetToken("tok-abc"))
	assert.Equal(t, "tok-abc", s.Token())

	require.NoError(t, s.SetToken("tok-def"))
	assert.Equal(t, "tok-def", s.Token())
}

func TestBackupVersion_RoundTrip(t *testing.T) {
	s := newTestSession(t)

	assert.Empty(t, s.BackupVersion())

	require.NoError(t, s.SetBackupVersion("3"))
	assert.Equal(t, "3", s.BackupVersion())
}

func TestLoadAt_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "session.db")

	s, err := LoadAt(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.DeviceID()
	assert.NoError(t, err)
}
