package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	require.NoError(t, err)
	assert.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.ini")
	contents := `
data_dir = /var/lib/dls
checkpoint_dir = /var/lib/dls/.checkpoint
legacy_port = 9000
neo_port = 9001
connection_limit = 50
backlog = 16
cpu_pin_index = 3
control_socket_path = /run/dls.sock
log_level = debug
max_value_len = 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dls", cfg.DataDir)
	assert.Equal(t, 9000, cfg.LegacyPort)
	assert.Equal(t, 9001, cfg.NeoPort)
	assert.Equal(t, 50, cfg.ConnectionLimit)
	assert.Equal(t, 16, cfg.Backlog)
	assert.Equal(t, 3, cfg.CPUPinIndex)
	assert.Equal(t, "/run/dls.sock", cfg.ControlSocketPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(1048576), cfg.MaxValueLen)
}

func TestLoadCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	contents := "# comment\n\nalice:s3cret\nbob:hunter2\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, Credentials{"alice": "s3cret", "bob": "hunter2"}, creds)
}

func TestLoadCredentialsMissingFileIsEmpty(t *testing.T) {
	creds, err := LoadCredentials(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestLoadCredentialsMalformedLineIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pair\n"), 0o644))

	_, err := LoadCredentials(path)
	assert.Error(t, err)
}
