// Package app initializes and holds long-lived application services, acting
// as the dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/dssdlab/harvester/internal/config"
	"github.com/dssdlab/harvester/internal/export"
	"github.com/dssdlab/harvester/internal/features"
	"github.com/dssdlab/harvester/internal/fetch"
	"github.com/dssdlab/harvester/internal/logging"
	"github.com/dssdlab/harvester/internal/metrics"
	"github.com/dssdlab/harvester/internal/notify"
	"github.com/dssdlab/harvester/internal/pipeline"
	"github.com/dssdlab/harvester/internal/scheduler"
	"github.com/dssdlab/harvester/internal/server"
	"github.com/dssdlab/harvester/internal/source"
	"github.com/dssdlab/harvester/internal/store"
)

const shutdownGrace = 30 * time.Second

// App holds all the shared, long-lived services for the process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     store.Store
	notifier  notify.Notifier
	runner    *pipeline.Runner
	scheduler *scheduler.Scheduler
	server    *server.Server
	sources   []pipeline.Source
	exporter  *export.Exporter
	features  *features.Engine
}

// New wires every service from the configuration. It fails fast if any
// critical service cannot be initialized; a broken source descriptor only
// logs and is skipped, matching the isolation the pipelines get at runtime.
func New(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Global.Development)
	if err != nil {
		return nil, err
	}

	metrics.Init()

	st, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cache, err := fetch.NewCache(cfg.Cache.Dir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}

	var notifier notify.Notifier = notify.Nop{}
	if tg := cfg.Notifications.Telegram; tg.Enabled {
		notifier = notify.NewTelegram(tg.Token, tg.ChatID, logger)
	}

	runner := pipeline.NewRunner(logger, notifier)
	transport := fetch.NewTransport()

	deps := source.Deps{
		Store:     st,
		Cache:     cache,
		Transport: transport,
		Network:   cfg.Network,
		RateLimit: cfg.RateLimit,
		Breaker:   cfg.Breaker,
		Logger:    logger,
	}

	var sources []pipeline.Source
	for _, sc := range cfg.Sources {
		src, err := source.New(sc, deps)
		if err != nil {
			logger.Error("source init failed", zap.String("source", sc.Name), zap.Error(err))
			continue
		}
		sources = append(sources, src)
		logger.Info("source registered",
			zap.String("source", sc.Name),
			zap.String("type", sc.Type),
			zap.Bool("enabled", sc.IsEnabled()),
		)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		notifier:  notifier,
		runner:    runner,
		scheduler: scheduler.New(logger),
		server:    server.New(cfg.Server.Port, sources, runner, st, logger),
		sources:   sources,
	}

	if cfg.Export.Enabled {
		a.exporter, err = export.New(st, export.Config{
			Dir:    cfg.Export.Dir,
			Format: cfg.Export.Format,
			Tables: cfg.Export.Tables,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	if cfg.Features.Enabled {
		a.features = features.New(st, cfg.Features.Tables, logger)
	}

	return a, nil
}

// Run operates the service until the context is canceled: schedules every
// source, runs each once at startup, serves the ops API, then shuts down
// within the grace period.
func (a *App) Run(ctx context.Context) error {
	if err := a.schedule(ctx); err != nil {
		return err
	}

	a.notifyBestEffort(ctx, "🚀 <b>harvester</b> started")
	a.scheduler.Start()

	go func() {
		if err := a.server.Start(); err != nil {
			a.logger.Error("ops server failed", zap.Error(err))
		}
	}()

	a.RunAll(ctx)

	<-ctx.Done()
	a.logger.Info("shutdown signal received")

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := a.scheduler.Stop(graceCtx); err != nil {
		a.logger.Warn("scheduler did not drain in time", zap.Error(err))
	}
	if err := a.server.Shutdown(graceCtx); err != nil {
		a.logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	a.notifyBestEffort(graceCtx, "🛑 <b>harvester</b> stopped")
	return nil
}

// RunAll runs every source pipeline once, in parallel.
func (a *App) RunAll(ctx context.Context) {
	p := pool.New().WithContext(ctx)
	for _, src := range a.sources {
		src := src
		p.Go(func(ctx context.Context) error {
			a.runner.RunScheduled(ctx, src)
			return nil
		})
	}
	p.Wait()
}

// Close releases the store and flushes the logger.
func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close failed", zap.Error(err))
	}
	a.logger.Sync()
}

// Logger exposes the root logger for command wiring.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

func (a *App) schedule(ctx context.Context) error {
	for _, src := range a.sources {
		if src.Schedule() == "" || !src.Enabled() {
			continue
		}
		src := src
		err := a.scheduler.Add(src.Name(), src.Schedule(), func() {
			a.runner.RunScheduled(ctx, src)
		})
		if err != nil {
			return err
		}
	}

	if a.exporter != nil && a.cfg.Export.Schedule != "" {
		err := a.scheduler.Add("export", a.cfg.Export.Schedule, func() {
			if err := a.exporter.Run(ctx); err != nil {
				a.logger.Error("export failed", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}

	if a.features != nil {
		interval := a.cfg.Features.IntervalHours
		if interval <= 0 {
			interval = 6
		}
		spec := fmt.Sprintf("0 */%d * * *", interval)
		err := a.scheduler.Add("features", spec, func() {
			if err := a.features.Recalculate(ctx); err != nil {
				a.logger.Error("feature recalculation failed", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// openStore opens the primary database, plus any replicas fanned out behind
// a multi store.
func openStore(cfg config.StorageConfig, logger *zap.Logger) (store.Store, error) {
	primary, err := store.Open(cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Replicas) == 0 {
		return primary, nil
	}

	backends := []store.Store{primary}
	for _, path := range cfg.Replicas {
		replica, err := store.Open(path, logger)
		if err != nil {
			for _, b := range backends {
				b.Close()
			}
			return nil, fmt.Errorf("open replica %s: %w", path, err)
		}
		backends = append(backends, replica)
	}
	return store.NewMulti(backends...)
}

func (a *App) notifyBestEffort(ctx context.Context, msg string) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.notifier.Notify(notifyCtx, msg); err != nil {
		a.logger.Warn("notification failed", zap.Error(err))
	}
}
