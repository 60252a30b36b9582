package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rotoshake/imagecanvas/internal/ctxlog"
	"github.com/rotoshake/imagecanvas/internal/op"
	"github.com/rotoshake/imagecanvas/internal/persist"
	"github.com/rotoshake/imagecanvas/internal/state"
	"github.com/rotoshake/imagecanvas/internal/transport"
)

// shutdownTimeout bounds graceful HTTP shutdown once the context is done.
const shutdownTimeout = 5 * time.Second

// Run starts the sync server and blocks until the context is cancelled or
// the listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	store, err := persist.NewSQLiteStore(a.cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open persistence store: %w", err)
	}
	defer store.Close()

	stateMgr, err := state.NewManager(state.Config{
		Registry:          op.DefaultRegistry(),
		Store:             store,
		CacheSize:         a.cfg.Limits.ProjectCacheSize,
		MaxHistoryPerUser: a.cfg.Limits.MaxHistoryPerUser,
	})
	if err != nil {
		return fmt.Errorf("failed to create state manager: %w", err)
	}

	syncServer := transport.NewServer(ctx, stateMgr)
	defer syncServer.Close()

	if a.cfg.Server.HealthcheckPort > 0 {
		a.startHealthcheckServer(a.cfg.Server.HealthcheckPort)
	}

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", syncServer.Handler())

	httpServer := &http.Server{Addr: a.cfg.Server.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Sync server listening.", "address", a.cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("sync server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down sync server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	a.logger.Debug("Sync server shut down gracefully.")
	return nil
}
