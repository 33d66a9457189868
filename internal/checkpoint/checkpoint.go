// Package checkpoint persists the per-channel byte-size counters the
// storage engine tracks in memory, so GetChannelSize survives a restart
// without replaying every bucket file. Checkpoints are best-effort: a
// missing or corrupt checkpoint file just means the engine starts
// counting from zero again, it is never a fatal condition.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// fileName is the checkpoint file written under a channel's checkpoint
// subdirectory.
const fileName = "size.checkpoint"

// State is the persisted snapshot for one channel.
type State struct {
	Channel   string `json:"channel"`
	SizeBytes int64  `json:"size_bytes"`
}

// Store manages checkpoint files under a root directory, one
// subdirectory per channel.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(channel string) string {
	return filepath.Join(s.dir, channel, fileName)
}

// Save atomically (re)writes the checkpoint for one channel: the new
// content is written to a temp file in the same directory and renamed
// over the old one, so a crash mid-write never leaves a torn file.
func (s *Store) Save(st State) error {
	path := s.path(st.Channel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: failed to mkdir %s: %w", filepath.Dir(path), err)
	}

	buf, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to marshal state for %s: %w", st.Channel, err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("checkpoint: failed to write %s: %w", path, err)
	}
	return nil
}

// Load reads the checkpoint for a channel. A missing checkpoint file is
// not an error: it returns a zero-valued State with ok=false so callers
// fall back to a fresh size counter.
func (s *Store) Load(channel string) (st State, ok bool, err error) {
	buf, err := os.ReadFile(s.path(channel))
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("checkpoint: failed to read checkpoint for %s: %w", channel, err)
	}

	if jsonErr := json.Unmarshal(buf, &st); jsonErr != nil {
		// A corrupt checkpoint is treated the same as a missing one:
		// the engine starts its byte counter from zero instead of failing.
		return State{}, false, nil
	}
	return st, true, nil
}

// Remove deletes a channel's checkpoint, if any. Used when a channel is
// dropped from the registry.
func (s *Store) Remove(channel string) error {
	err := os.RemoveAll(filepath.Join(s.dir, channel))
	if err != nil {
		return fmt.Errorf("checkpoint: failed to remove checkpoint for %s: %w", channel, err)
	}
	return nil
}
