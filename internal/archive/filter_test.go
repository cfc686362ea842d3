package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- AllowRoom ---

func TestAllowRoom_NilFilterAllowsEverything(t *testing.T) {
	var f *RoomFilter

	assert.True(t, f.AllowRoom("!anything:example.com"))
}

func TestAllowRoom_ExactMatch(t *testing.T) {
	f := &RoomFilter{Allow: []string{"!work:example.com"}}

	assert.True(t, f.AllowRoom("!work:example.com"))
	assert.False(t, f.AllowRoom("!other:example.com"))
}

func TestAllowRoom_PrefixMatch(t *testing.T) {
	f := &RoomFilter{Allow: []string{"!team-*"}}

	assert.True(t, f.AllowRoom("!team-infra:example.com"))
	assert.True(t, f.AllowRoom("!team-design:example.com"))
	assert.False(t, f.AllowRoom("!social:example.com"))
}

func TestAllowRoom_DenyWinsOverAllow(t *testing.T) {
	f := &RoomFilter{
		Allow: []string{"!team-*"},
		Deny:  []string{"!team-secret:example.com"},
	}

	assert.True(t, f.AllowRoom("!team-infra:example.com"))
	assert.False(t, f.AllowRoom("!team-secret:example.com"))
}

func TestAllowRoom_EmptyAllowAdmitsUndenied(t *testing.T) {
	f := &RoomFilter{Deny: []string{"!noisy:example.com"}}

	assert.True(t, f.AllowRoom("!quiet:example.com"))
	assert.False(t, f.AllowRoom("!noisy:example.com"))
}

func TestAllowRoom_DenyPrefix(t *testing.T) {
	f := &RoomFilter{Deny: []string{"!bridge-*"}}

	assert.False(t, f.AllowRoom("!bridge-irc:example.com"))
	assert.True(t, f.AllowRoom("!chat:example.com"))
}

// --- LoadRoomFilter ---

func TestLoadRoomFilter_EmptyPath(t *testing.T) {
	f, err := LoadRoomFilter("")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestLoadRoomFilter_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	content := "allow:\n  - \"!work:example.com\"\n  - \"!team-*\"\ndeny:\n  - \"!team-secret:example.com\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	f, err := LoadRoomFilter(path)
	require.NoError(t, err)
	require.NotNil(t, f)

	assert.Equal(t, []string{"!work:example.com", "!team-*"}, f.Allow)
	assert.Equal(t, []string{"!team-secret:example.com"}, f.Deny)
	assert.True(t, f.AllowRoom("!team-infra:example.com"))
	assert.False(t, f.AllowRoom("!team-secret:example.com"))
}

func TestLoadRoomFilter_MissingFile(t *testing.T) {
	_, err := LoadRoomFilter(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading room filter")
}

func TestLoadRoomFilter_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("allow: [unclosed"), 0o600))

	_, err := LoadRoomFilter(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing room filter")
}
