package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppDefaults(t *testing.T) {
	out := &bytes.Buffer{}
	a, err := NewApp(out, &Config{LogLevel: "info", LogFormat: "text"})
	require.NoError(t, err)
	assert.Equal(t, ":8765", a.Configuration().Server.ListenAddr)
	assert.Equal(t, "data/canvas.db", a.Configuration().Storage.DatabasePath)
}

func TestNewAppCLIOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
server {
  listen_addr = ":9000"
}
storage {
  database_path = "file.db"
}
`), 0o600))

	out := &bytes.Buffer{}
	a, err := NewApp(out, &Config{
		ConfigPath:   path,
		DatabasePath: "cli.db",
		LogLevel:     "info",
		LogFormat:    "text",
	})
	require.NoError(t, err)
	// The file sets the listen address; the flag wins for the database.
	assert.Equal(t, ":9000", a.Configuration().Server.ListenAddr)
	assert.Equal(t, "cli.db", a.Configuration().Storage.DatabasePath)
}

func TestNewAppBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`server {`), 0o600))

	out := &bytes.Buffer{}
	_, err := NewApp(out, &Config{ConfigPath: path, LogLevel: "info", LogFormat: "text"})
	assert.ErrorContains(t, err, "failed to load configuration")
}
