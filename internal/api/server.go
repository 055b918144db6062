// Package api exposes contract intake, period runs, and audit export over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/wastebill/internal/billing"
	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/metrics"
)

// Options wires the API. Repo and Orchestrator are required.
type Options struct {
	Repo         domain.Repository
	Cache        domain.Cache
	Bus          domain.EventBus
	Orchestrator *billing.Orchestrator
	Metrics      *metrics.Collector
	MetricsPath  string
	RuleSetTTL   time.Duration
	Version      string
	Clock        func() time.Time
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, opts Options) (*Server, error) {
	handler, err := NewHandler(opts)
	if err != nil {
		return nil, err
	}
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware(opts.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, opts.Metrics.Handler())
	}

	router.Route("/contracts", func(r chi.Router) {
		r.Post("/", handler.RegisterContract)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetContract)
			r.Get("/versions", handler.ContractHistory)
			r.Post("/amendments", handler.AmendContract)
			r.Post("/status", handler.ChangeStatus)
			r.Get("/ruleset", handler.GetRuleSet)

			// Intake is insert-only
			r.Post("/usage", handler.RecordUsage)
			r.Post("/events", handler.RecordEvents)

			r.Post("/periods/{period}/run", handler.RunPeriod)
			r.Get("/periods/{period}/summary", handler.GetSummary)

			r.Get("/audit", handler.GetAudit)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
