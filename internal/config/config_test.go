package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8765", cfg.Server.ListenAddr)
	assert.Equal(t, "data/canvas.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Limits.MaxHistoryPerUser)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server {
  listen_addr      = ":9000"
  healthcheck_port = 9001
}
log {
  level = "debug"
}
limits {
  max_history_per_user = 10
}
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 9001, cfg.Server.HealthcheckPort)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched settings keep their defaults.
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "data/canvas.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 10, cfg.Limits.MaxHistoryPerUser)
	assert.Equal(t, 128, cfg.Limits.ProjectCacheSize)
}

func TestLoadEnvInterpolation(t *testing.T) {
	t.Setenv("CANVAS_DB", "/tmp/env-canvas.db")
	path := writeConfig(t, `
storage {
  database_path = env.CANVAS_DB
}
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-canvas.db", cfg.Storage.DatabasePath)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.hcl"))
		assert.ErrorContains(t, err, "failed to parse config file")
	})

	t.Run("syntax error", func(t *testing.T) {
		path := writeConfig(t, `server {`)
		_, err := Load(context.Background(), path)
		assert.ErrorContains(t, err, "failed to parse config file")
	})

	t.Run("invalid log level", func(t *testing.T) {
		path := writeConfig(t, `
log {
  level = "loud"
}
`)
		_, err := Load(context.Background(), path)
		assert.ErrorContains(t, err, "invalid log level")
	})

	t.Run("invalid log format", func(t *testing.T) {
		path := writeConfig(t, `
log {
  format = "xml"
}
`)
		_, err := Load(context.Background(), path)
		assert.ErrorContains(t, err, "invalid log format")
	})
}
