package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Pinger reports backend reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps the ingestion Service with an HTTP health check endpoint.
type Server struct {
	logger     zerolog.Logger
	httpAddr   string
	service    *Service
	store      Pinger
	httpServer *http.Server
}

// NewServer creates and configures a new Server instance. httpAddr is the
// listen address for the health endpoint, e.g. ":8080".
func NewServer(httpAddr string, service *Service, store Pinger, logger zerolog.Logger) *Server {
	return &Server{
		logger:   logger,
		httpAddr: httpAddr,
		service:  service,
		store:    store,
	}
}

// Start runs the ingestion service and then blocks serving health checks.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting ingestion server...")

	if err := s.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingestion service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: mux,
	}

	s.logger.Info().Str("address", s.httpAddr).Msg("Starting health check server.")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health check server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the pipeline and then the HTTP server.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("Shutting down ingestion server...")

	s.service.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error during health check server shutdown.")
		} else {
			s.logger.Info().Msg("Health check server stopped.")
		}
	}
}

// healthzHandler reports 200 while the database is reachable and 503 once it
// is not, so orchestrators can restart a wedged instance.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed: database unreachable")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "database unreachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
