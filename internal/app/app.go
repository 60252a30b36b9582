package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/rotoshake/imagecanvas/internal/config"
	"github.com/rotoshake/imagecanvas/internal/ctxlog"
)

// Config holds the CLI-level settings for one server process. File-backed
// settings are loaded from ConfigPath; non-zero fields here override them.
type Config struct {
	ConfigPath string

	ListenAddr      string
	HealthcheckPort int
	DatabasePath    string

	LogFormat string
	LogLevel  string
}

// App encapsulates the server's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.Config
}

// NewApp builds a fully configured but not yet running server.
func NewApp(outW io.Writer, appConfig *Config) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	cfg, err := config.Load(ctx, appConfig.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyOverrides(cfg, appConfig)

	// CLI log settings may differ from the file; rebuild once merged.
	logger = newLogger(cfg.Log.Level, cfg.Log.Format, outW)
	logger.Debug("Configuration loaded.", "listenAddr", cfg.Server.ListenAddr, "db", cfg.Storage.DatabasePath)

	return &App{outW: outW, logger: logger, cfg: cfg}, nil
}

// applyOverrides lets explicit CLI flags win over the config file.
func applyOverrides(cfg *config.Config, appConfig *Config) {
	if appConfig.ListenAddr != "" {
		cfg.Server.ListenAddr = appConfig.ListenAddr
	}
	if appConfig.HealthcheckPort != 0 {
		cfg.Server.HealthcheckPort = appConfig.HealthcheckPort
	}
	if appConfig.DatabasePath != "" {
		cfg.Storage.DatabasePath = appConfig.DatabasePath
	}
	if appConfig.LogFormat != "" {
		cfg.Log.Format = appConfig.LogFormat
	}
	if appConfig.LogLevel != "" {
		cfg.Log.Level = appConfig.LogLevel
	}
}

// Configuration exposes the merged configuration, primarily for testing.
func (a *App) Configuration() *config.Config {
	return a.cfg
}
