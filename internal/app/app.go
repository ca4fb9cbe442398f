// Package app assembles the runtime from a workspace and its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"escrowline/internal/audit"
	"escrowline/internal/blob"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/idempotency"
	"escrowline/internal/metrics"
	"escrowline/internal/migrate"
	"escrowline/internal/payments"
	"escrowline/internal/repo"
	"escrowline/internal/settlement"
)

type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Blobs      blob.Store
	Processor  payments.Processor
	Seen       idempotency.Store
	Metrics    *metrics.Collector
	Settlement *settlement.Service
	Engine     engine.Engine
	Logger     *zap.Logger

	closers []func() error
}

// Open migrates the workspace database and builds every service the
// commands and the server share. Callers must Close the result.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if a.Blobs, err = openBlobs(workspace, cfg); err != nil {
		a.Close()
		return nil, err
	}
	a.Processor = openProcessor(cfg)
	if a.Seen, err = a.openSeen(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Metrics = metrics.NewCollector("escrowline", logger)

	a.Settlement = &settlement.Service{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Audit:     audit.Writer{},
		Processor: a.Processor,
		Seen:      a.Seen,
		Config:    SettlementConfig(cfg),
		Metrics:   a.Metrics,
		Logger:    logger.With(zap.String("component", "settlement")),
	}
	a.Engine = engine.New(conn, cfg, a.Blobs, a.Settlement)
	a.Engine.Metrics = a.Metrics
	a.Engine.Logger = logger.With(zap.String("component", "engine"))
	return a, nil
}

// SettlementConfig maps the marketplace and outbox keys onto settlement.Config.
func SettlementConfig(cfg *config.Config) settlement.Config {
	out := settlement.DefaultConfig()
	out.FeePercent = cfg.Marketplace.PlatformFeePercent
	if cfg.Marketplace.Currency != "" {
		out.Currency = cfg.Marketplace.Currency
	}
	if cfg.Outbox.MaxAttempts > 0 {
		out.MaxAttempts = cfg.Outbox.MaxAttempts
	}
	if cfg.Outbox.BaseBackoffSeconds > 0 {
		out.BaseBackoff = time.Duration(cfg.Outbox.BaseBackoffSeconds) * time.Second
	}
	return out
}

func openBlobs(workspace string, cfg *config.Config) (blob.Store, error) {
	if cfg.Blob.Kind == "memory" {
		return blob.NewMemoryStore(), nil
	}
	dir := cfg.Blob.Dir
	if dir == "" {
		dir = filepath.Join(db.Dir(workspace), "blobs")
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspace, dir)
	}
	store, err := blob.NewFSStore(dir)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return store, nil
}

func openProcessor(cfg *config.Config) payments.Processor {
	if cfg.Processor.Kind == "http" {
		timeout := time.Duration(cfg.Processor.TimeoutSeconds) * time.Second
		return payments.NewHTTPProcessor(cfg.Processor.BaseURL, cfg.Processor.APIKey, cfg.Marketplace.Currency, timeout)
	}
	return payments.NewMemoryProcessor()
}

func (a *App) openSeen(ctx context.Context) (idempotency.Store, error) {
	r := a.Config.Redis
	if r.Addr == "" {
		return idempotency.NewMemoryStore(), nil
	}
	store, err := idempotency.NewRedisStore(ctx, idempotency.RedisConfig{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
