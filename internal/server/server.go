// Package server exposes the operator HTTP surface: health, performance,
// the mutation log, bypass controls, rollback, Prometheus metrics and a
// websocket event stream. The API is an operator tool, not a data plane;
// nothing here sits on the query path.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/bypass"
	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/metrics"
	"github.com/indexpilot/indexpilot/internal/stats"
)

// StatsSource is the read surface of the stats store.
type StatsSource interface {
	Snapshot(filter stats.SnapshotFilter) []domain.QueryStat
	Ingest(obs stats.Observation)
	Dropped() int64
}

// MutationSource is the read surface of the mutation log.
type MutationSource interface {
	Since(ctx context.Context, mid int64, limit int) ([]domain.Mutation, error)
	Subscribe() (<-chan domain.Mutation, func())
}

// Roller reverses mutations on operator request.
type Roller interface {
	Rollback(ctx context.Context, mid int64) (int64, error)
}

// ProfileControl reads and replaces per-tenant expression-profile
// deactivations.
type ProfileControl interface {
	Deactivated(tenant domain.TenantID) []string
	SetDeactivated(ctx context.Context, tenant domain.TenantID, entryKeys []string) error
}

// Health aggregates component liveness for the health endpoint.
type Health interface {
	Report(ctx context.Context) map[string]any
}

// AnalyzeTrigger runs an on-demand engine pass.
type AnalyzeTrigger func(ctx context.Context) ([]domain.IndexCandidate, error)

// Server is the HTTP server.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	log        zerolog.Logger

	stats     StatsSource
	mutations MutationSource
	roller    Roller
	switches  *bypass.Switch
	profile   ProfileControl
	health    Health
	analyze   AnalyzeTrigger
	metrics   *metrics.Metrics
}

// New creates the server and mounts all routes.
func New(cfg *config.Config, statsSource StatsSource, mutations MutationSource, roller Roller, switches *bypass.Switch, profile ProfileControl, health Health, analyze AnalyzeTrigger, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.With().Str("component", "server").Logger(),
		stats:     statsSource,
		mutations: mutations,
		roller:    roller,
		switches:  switches,
		profile:   profile,
		health:    health,
		analyze:   analyze,
		metrics:   m,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.routes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/performance", s.handlePerformance)
	s.router.Get("/mutations", s.handleMutations)
	s.router.Post("/observations", s.handleObservations)
	s.router.Post("/analyze", s.handleAnalyze)
	s.router.Post("/rollback/{mid}", s.handleRollback)

	s.router.Route("/bypass", func(r chi.Router) {
		r.Get("/", s.handleBypassGet)
		r.Post("/", s.handleBypassSet)
	})
	s.router.Route("/profile", func(r chi.Router) {
		r.Get("/", s.handleProfileGet)
		r.Post("/", s.handleProfileSet)
	})

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	s.router.Get("/events", s.handleEvents)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
