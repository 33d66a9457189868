package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(State{Channel: "metrics", SizeBytes: 4096}))

	st, ok, err := s.Load("metrics")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4096), st.SizeBytes)
}

func TestLoadMissingChannelIsNotError(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.Load("never-seen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadCorruptCheckpointFallsBackToMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	badPath := filepath.Join(dir, "broken", fileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(badPath), 0o755))
	require.NoError(t, os.WriteFile(badPath, []byte("not json"), 0o644))

	_, ok, err := s.Load("broken")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveOverwritesExistingCheckpoint(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(State{Channel: "orders", SizeBytes: 10}))
	require.NoError(t, s.Save(State{Channel: "orders", SizeBytes: 20}))

	st, ok, err := s.Load("orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), st.SizeBytes)
}

func TestRemoveDeletesCheckpoint(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(State{Channel: "temp", SizeBytes: 1}))
	require.NoError(t, s.Remove("temp"))

	_, ok, err := s.Load("temp")
	require.NoError(t, err)
	assert.False(t, ok)
}
