package cmd

import (
	"CopyGuard/internal/ingestion"
	"CopyGuard/internal/notify"
	"CopyGuard/internal/observability"
	"CopyGuard/internal/server"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API servers and the NATS intent consumer",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	a, err := openApp(ctx, "copyguard", metrics)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg

	health := observability.NewHealthChecker()
	health.AddCheck("store", a.db.PingContext)

	// Unresolved attempts mean a previous run stopped between order and record.
	pending, err := a.ledger.PendingAttempts(ctx)
	if err != nil {
		return fmt.Errorf("list pending attempts: %w", err)
	}
	for _, p := range pending {
		logger.Warn().
			Str("intent_id", p.Intent.ID()).
			Str("market_id", p.Intent.MarketID()).
			Str("mode", p.Mode.String()).
			Time("started_at", p.StartedAt).
			Msg("execution attempt pending since last run; run copyguard reconcile")
	}

	auditWorker, stopAudit := a.startAudit()
	defer stopAudit()

	targets := []notify.Named{{Name: "log", Notifier: notify.NewLogNotifier(a.componentLogger("notify"))}}

	var (
		sub *ingestion.NATSSubscriber
		raw chan ingestion.RawMessage
	)
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, a.componentLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		})

		if err := ingestion.EnsureIntentStream(ctx, js); err != nil {
			return err
		}
		if cfg.NATS.PublishOutcomes {
			if err := notify.EnsureOutcomeStream(ctx, js); err != nil {
				return err
			}
			targets = append(targets, notify.Named{
				Name:     "nats",
				Notifier: notify.NewJetStreamNotifier(js, cfg.NATS.PublishTimeout, a.componentLogger("notify")),
			})
		}

		raw = make(chan ingestion.RawMessage, cfg.NATS.Buffer)
		sub = ingestion.NewNATSSubscriber(js, raw, a.componentLogger("ingestion"))
	}

	p, err := a.buildPipeline(ctx, notify.NewMulti(metrics, targets...), auditWorker)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Pipeline: p,
		Ledger:   a.ledger,
		Health:   health,
		Logger:   a.componentLogger("server"),
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	errChan := make(chan error, 4)
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTP(ctx) }()
	go func() { errChan <- serveMetrics(ctx, cfg.Server.MetricsAddr) }()

	dispatched := make(chan struct{})
	if sub != nil {
		if err := sub.Subscribe(ctx, ingestion.DefaultSubject()); err != nil {
			return err
		}
		d := ingestion.NewDispatcher(p, "nats", cfg.NATS.Workers, a.componentLogger("ingestion"), metrics)
		go func() {
			defer close(dispatched)
			d.Run(ctx, raw)
		}()
	} else {
		close(dispatched)
	}

	health.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Str("mode", p.Mode().String()).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Bool("nats", sub != nil).
		Msg("CopyGuard ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("server failed, shutting down")
		}
	}

	health.SetReady(false)
	srv.SetServing(false)
	stop()
	if sub != nil {
		sub.Stop()
	}

	select {
	case <-dispatched:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("dispatcher did not drain in time")
	}
	logger.Info().Msg("CopyGuard shutdown complete")
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutCtx)
	}()
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
