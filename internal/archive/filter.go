package archive

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoomFilter controls which rooms are archived. Deny rules win over
// allow rules; an empty allow list admits every room not denied.
// Patterns match a room ID exactly, or by prefix when they end in '*'.
type RoomFilter struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// LoadRoomFilter reads filter rules from a YAML file. An empty path
// returns nil, meaning all rooms are archived.
func LoadRoomFilter(path string) (*RoomFilter, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading room filter: %w", err)
	}

	var f RoomFilter
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing room filter: %w", err)
	}

	return &f, nil
}

// AllowRoom reports whether events for the given room should be
// archived. A nil filter allows everything.
func (f *RoomFilter) AllowRoom(roomID string) bool {
	if f == nil {
		return true
	}

	for _, pattern := range f.Deny {
		if matchRoom(pattern, roomID) {
			return false
		}
	}

	if len(f.Allow) == 0 {
		return true
	}

	for _, pattern := range f.Allow {
		if matchRoom(pattern, roomID) {
			return true
		}
	}

	return false
}

func matchRoom(pattern, roomID string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(roomID, prefix)
	}

	return pattern == roomID
}
