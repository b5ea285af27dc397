package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/config"
	"github.com/seantiz/blockio/internal/engine"
	"github.com/seantiz/blockio/internal/jobs"
	"github.com/seantiz/blockio/internal/store"
)

// app holds what a command needs. store and runner are nil for commands
// that do not record jobs.
type app struct {
	cfg      config.Config
	engine   engine.Config
	logger   *slog.Logger
	registry *backend.Registry
	store    *store.SQLiteStore
	runner   *jobs.Runner
}

// openApp loads the configuration and opens the backends, plus the job
// store and runner when withJobs is set. Quiet commands log only warnings
// unless a level was asked for, so log lines do not break up the progress
// bar.
func openApp(c *cli.Context, quiet, withJobs bool) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if quiet && !c.IsSet("log-level") && os.Getenv("BLOCKIO_LOG_LEVEL") == "" {
		level = slog.LevelWarn
	}
	ecfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		engine: ecfg,
		logger: config.NewLogger(os.Stderr, level),
	}

	a.registry, err = cfg.OpenBackends(c.Context, a.logger)
	if err != nil {
		return nil, err
	}
	if !withJobs {
		return a, nil
	}

	a.store, err = store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.runner = jobs.NewRunner(a.store, a.registry, ecfg, a.logger)
	return a, nil
}

// Close stops running jobs and releases the store and backends.
func (a *app) Close() {
	if a.runner != nil {
		if err := a.runner.Shutdown(context.Background()); err != nil {
			a.logger.Warn("stop jobs", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("close backends", "error", err)
	}
}
