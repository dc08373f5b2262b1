package cmd

import (
	"CopyGuard/internal/config"
	"CopyGuard/internal/execution"
	"CopyGuard/internal/firewall"
	"CopyGuard/internal/ledger"
	"CopyGuard/internal/observability"
	"CopyGuard/internal/pipeline"
	"CopyGuard/internal/storage"
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// app is the wiring shared by every command: config, logger, migrated store, ledger.
type app struct {
	cfg     config.Config
	level   zerolog.Level
	logger  zerolog.Logger
	metrics *observability.Metrics
	db      *storage.DB
	ledger  *ledger.Ledger
}

func openApp(ctx context.Context, component string, metrics *observability.Metrics) (*app, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level := observability.ParseLogLevel(cfg.Log.Level)
	logger := observability.NewLogger(component).Level(level)

	dialect, err := cfg.Dialect()
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, dialect, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}

	migrator := storage.NewMigrator(db, nil)
	migrator.SetLogger(logger)
	if _, err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	capital, err := cfg.StartingCapital()
	if err != nil {
		db.Close()
		return nil, err
	}
	l := ledger.New(db, ledger.Options{
		StartingCapital: capital,
		Logger:          observability.NewLogger("ledger").Level(level),
		Metrics:         metrics,
	})

	return &app{cfg: cfg, level: level, logger: logger, metrics: metrics, db: db, ledger: l}, nil
}

func (a *app) componentLogger(name string) zerolog.Logger {
	return observability.NewLogger(name).Level(a.level)
}

func (a *app) Close() {
	a.db.Close()
}

// buildPipeline assembles firewall, executor and pipeline on top of the ledger.
func (a *app) buildPipeline(ctx context.Context, notifier pipeline.Notifier, audit pipeline.AuditSink) (*pipeline.Pipeline, error) {
	limits, err := a.cfg.Limits()
	if err != nil {
		return nil, err
	}
	mode, opts, err := a.cfg.ExecutorOptions()
	if err != nil {
		return nil, err
	}
	exec, err := execution.New(mode, opts)
	if err != nil {
		return nil, err
	}

	seenStore := storage.NewSeenStore(a.db)
	seen := firewall.NewSeenSet(a.cfg.Firewall.SeenCacheSize, seenStore, a.metrics)
	warmed, err := seen.Warm(ctx, seenStore)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Int("ids", warmed).Msg("seen set warmed")
	fw := firewall.New(a.cfg.FirewallPolicy(), seen, a.componentLogger("firewall"), nil)

	if mode == execution.ModeLive {
		a.logger.Warn().Str("broker", a.cfg.Execution.Live.BaseURL).Msg("LIVE execution enabled")
	}

	return pipeline.New(pipeline.Config{
		Limits:       limits,
		LockStripes:  a.cfg.Pipeline.LockStripes,
		AuditTimeout: a.cfg.Audit.Timeout,
	}, pipeline.Deps{
		Firewall: fw,
		Ledger:   a.ledger,
		Executor: exec,
		Notifier: notifier,
		Audit:    audit,
		Logger:   a.componentLogger("pipeline"),
		Metrics:  a.metrics,
	})
}

// startAudit runs the audit worker until stop is called; stop flushes what is queued.
func (a *app) startAudit() (*storage.AuditWorker, func()) {
	w := storage.NewAuditWorker(a.db, a.cfg.Audit.Capacity, a.cfg.Audit.BatchSize, a.cfg.Audit.FlushTimeout, a.metrics)
	w.SetLogger(a.componentLogger("audit"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("audit worker stopped")
		}
	}()
	return w, func() {
		w.Close()
		<-w.Done()
		cancel()
	}
}
