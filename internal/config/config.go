// Package config loads the sync server's HCL configuration file.
//
// Every setting has a default; a missing file or block means "run with
// defaults". File values may reference process environment variables through
// the env object, e.g. database_path = env.CANVAS_DB.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/rotoshake/imagecanvas/internal/ctxlog"
)

// Server is the network surface configuration.
type Server struct {
	ListenAddr      string `hcl:"listen_addr,optional"`
	HealthcheckPort int    `hcl:"healthcheck_port,optional"`
}

// Storage configures persistence.
type Storage struct {
	DatabasePath string `hcl:"database_path,optional"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// Limits tunes the bounded in-memory structures.
type Limits struct {
	MaxHistoryPerUser int `hcl:"max_history_per_user,optional"`
	ProjectCacheSize  int `hcl:"project_cache_size,optional"`
}

// Config is the full server configuration.
type Config struct {
	Server  *Server  `hcl:"server,block"`
	Storage *Storage `hcl:"storage,block"`
	Log     *Log     `hcl:"log,block"`
	Limits  *Limits  `hcl:"limits,block"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  &Server{ListenAddr: ":8765", HealthcheckPort: 0},
		Storage: &Storage{DatabasePath: "data/canvas.db"},
		Log:     &Log{Level: "info", Format: "json"},
		Limits:  &Limits{MaxHistoryPerUser: 50, ProjectCacheSize: 128},
	}
}

// Load reads and validates a configuration file. An empty path yields the
// defaults.
func Load(ctx context.Context, path string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)
	cfg := Default()
	if path == "" {
		logger.Debug("No config file given, using defaults.")
		return cfg, nil
	}

	logger.Debug("Decoding config file.", "path", path)
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config file %s: %s", path, diags.Error())
	}

	var loaded Config
	diags = gohcl.DecodeBody(file.Body, evalContext(), &loaded)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config file %s: %s", path, diags.Error())
	}

	cfg.merge(&loaded)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger.Debug("Config loaded.", "path", path, "listenAddr", cfg.Server.ListenAddr)
	return cfg, nil
}

// evalContext exposes the process environment to config expressions as the
// env object.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

// merge overlays the loaded file onto the defaults. Only set fields win.
func (c *Config) merge(loaded *Config) {
	if s := loaded.Server; s != nil {
		if s.ListenAddr != "" {
			c.Server.ListenAddr = s.ListenAddr
		}
		if s.HealthcheckPort != 0 {
			c.Server.HealthcheckPort = s.HealthcheckPort
		}
	}
	if s := loaded.Storage; s != nil && s.DatabasePath != "" {
		c.Storage.DatabasePath = s.DatabasePath
	}
	if l := loaded.Log; l != nil {
		if l.Level != "" {
			c.Log.Level = strings.ToLower(l.Level)
		}
		if l.Format != "" {
			c.Log.Format = strings.ToLower(l.Format)
		}
	}
	if l := loaded.Limits; l != nil {
		if l.MaxHistoryPerUser != 0 {
			c.Limits.MaxHistoryPerUser = l.MaxHistoryPerUser
		}
		if l.ProjectCacheSize != 0 {
			c.Limits.ProjectCacheSize = l.ProjectCacheSize
		}
	}
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be 'text' or 'json'", c.Log.Format)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.Limits.MaxHistoryPerUser < 0 {
		return fmt.Errorf("max_history_per_user cannot be negative")
	}
	if c.Limits.ProjectCacheSize < 0 {
		return fmt.Errorf("project_cache_size cannot be negative")
	}
	return nil
}
