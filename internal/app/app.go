// Package app provides the top-level application lifecycle management for the
// hedge coordinator. It wires together the remote store, the Redis and S3
// integrations, the terminal protocol server and the coordination engine, and
// runs them until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/hedgecoord/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, restores the local
// position book, starts the engine and blocks until the context is cancelled
// and shutdown has completed. On return it runs all registered cleanup
// functions via Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("user_id", a.cfg.Coordinator.UserID),
		slog.String("store_backend", a.cfg.Store.Backend),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	e := a.buildEngine(deps)
	if err := a.restore(ctx, e); err != nil {
		return fmt.Errorf("app: restore: %w", err)
	}
	return a.serve(ctx, e)
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
