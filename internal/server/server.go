package server

import (
	"CopyGuard/internal/intent"
	"CopyGuard/internal/ledger"
	"CopyGuard/internal/observability"
	"CopyGuard/internal/pipeline"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Processor takes one intent to a terminal stage.
type Processor interface {
	Process(ctx context.Context, in intent.TradeIntent) (pipeline.Outcome, error)
}

// Deps holds everything the handlers need.
type Deps struct {
	Pipeline Processor
	Ledger   *ledger.Ledger
	Health   *observability.HealthChecker
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
}

// Server exposes the HTTP/JSON API on a grpc-gateway mux and a gRPC listener
// carrying the health and reflection services.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	handler    http.Handler
	logger     zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	if deps.Pipeline == nil || deps.Ledger == nil {
		return nil, errors.New("server requires a pipeline and a ledger")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	reflection.Register(grpcServer)

	h := &handlers{
		pipeline: deps.Pipeline,
		ledger:   deps.Ledger,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Now,
	}
	gw := runtime.NewServeMux()
	if err := h.register(gw); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	if deps.Health != nil {
		mux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		mux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	mux.Handle("/", gw)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		handler:    mux,
		logger:     deps.Logger,
	}, nil
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.handler }

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// StartGRPC serves gRPC until ctx is done.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API until ctx is done.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
