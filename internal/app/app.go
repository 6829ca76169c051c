// Package app wires configuration, storage, the conversation engine and the
// HTTP server into one runnable unit.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"suchak/internal/retention"
	"suchak/pkg/config"
	"suchak/pkg/engine"
	"suchak/pkg/logger"
	"suchak/pkg/outbox"
	"suchak/pkg/store"
	"suchak/pkg/transport"
	"suchak/pkg/validation"
)

// App encapsulates the service components and lifecycle.
type App struct {
	eff       config.Effective
	version   string
	commit    string
	buildDate string

	st  *store.Store
	eng *engine.Engine
	srv *http.Server
}

// New initializes resources that do not require a running context: the
// store, validation limits and the engine. Call Run to start the HTTP
// server and block until shutdown.
func New(eff config.Effective, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	initValidation(eff.Config)

	st, err := store.Open(eff.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	localID := eff.Config.Engine.LocalID
	if localID == "" {
		localID = "local"
	}
	eng, err := engine.New(engine.Options{
		Store:     st,
		Transport: transport.NewLoopback(),
		LocalID:   localID,
		Outbox:    outboxConfig(eff.Config),
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	return &App{eff: eff, version: version, commit: commit, buildDate: buildDate, st: st, eng: eng}, nil
}

// Run starts the retention scheduler and HTTP server and blocks until ctx
// is cancelled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	stopRetention, err := retention.Start(ctx, a.st, a.eff.Config)
	if err != nil {
		return err
	}
	defer stopRetention()

	a.printBanner()

	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		a.shutdownHTTP()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close releases engine and store resources. Safe after Run returns.
func (a *App) Close() {
	if a.eng != nil {
		a.eng.Close()
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			logger.Error("store_close_failed", "err", err)
		}
	}
}

func (a *App) shutdownHTTP() {
	if a.srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(sctx); err != nil {
		logger.Warn("http_shutdown_incomplete", "err", err)
	}
}

// initValidation applies configured content limits.
func initValidation(cfg *config.Config) {
	lim := validation.Limits{
		MaxTextLen:  cfg.Validation.MaxTextLen,
		MaxFileSize: cfg.Validation.MaxFileSize,
	}
	validation.SetLimits(lim)
}

func outboxConfig(cfg *config.Config) outbox.Config {
	return outbox.Config{
		MaxAttempts:    cfg.Engine.Outbox.MaxAttempts,
		InitialBackoff: cfg.OutboxInitialBackoff(),
		MaxBackoff:     cfg.OutboxMaxBackoff(),
		LaneCapacity:   cfg.Engine.Outbox.LaneCapacity,
	}
}

// validateConfig performs quick fail-fast checks before starting
// long-running services.
func validateConfig(eff config.Effective) error {
	if eff.DBPath == "" {
		return fmt.Errorf("database path is empty: set --db flag, SUCHAK_DB_PATH env, or storage.db_path in config")
	}
	if v := eff.Config.Engine.Outbox.InitialBackoff; v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid engine.outbox.initial_backoff: %w", err)
		}
	}
	if v := eff.Config.Engine.Outbox.MaxBackoff; v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid engine.outbox.max_backoff: %w", err)
		}
	}
	return nil
}
