// Package api provides HTTP handlers and routing for the stagehand service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stagehand-ci/stagehand/internal/auth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	auth     *auth.Middleware
	rate     *auth.PerIPRateLimiter
}

// ServerOption customizes the server at construction time.
type ServerOption func(*Server)

// WithAuth installs OIDC bearer token authentication on API routes.
func WithAuth(m *auth.Middleware) ServerOption {
	return func(s *Server) { s.auth = m }
}

// WithRateLimit installs per-client-IP rate limiting.
func WithRateLimit(rl *auth.PerIPRateLimiter) ServerOption {
	return func(s *Server) { s.rate = rl }
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ...ServerOption) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server, wrapped
// with OpenTelemetry HTTP instrumentation.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "stagehand.http")
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// Prometheus metrics
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	view := auth.RequireRole(auth.RoleViewer)
	operate := auth.RequireRole(auth.RoleOperator)

	// Pipeline management
	api.Handle("/pipelines", operate(http.HandlerFunc(s.handlers.CreatePipeline))).Methods("POST")
	api.Handle("/pipelines", view(http.HandlerFunc(s.handlers.ListPipelines))).Methods("GET")
	api.Handle("/pipelines/validate", view(http.HandlerFunc(s.handlers.ValidatePipeline))).Methods("POST")
	api.Handle("/pipelines/{name}", view(http.HandlerFunc(s.handlers.GetPipeline))).Methods("GET")
	api.Handle("/pipelines/{name}", operate(http.HandlerFunc(s.handlers.UpdatePipeline))).Methods("PUT")
	api.Handle("/pipelines/{name}", operate(http.HandlerFunc(s.handlers.DeletePipeline))).Methods("DELETE")
	api.Handle("/pipelines/{name}/trigger", operate(http.HandlerFunc(s.handlers.TriggerRun))).Methods("POST")

	// Run management
	api.Handle("/runs", view(http.HandlerFunc(s.handlers.ListRuns))).Methods("GET")
	api.Handle("/runs/{id}", view(http.HandlerFunc(s.handlers.GetRun))).Methods("GET")
	api.Handle("/runs/{id}/cancel", operate(http.HandlerFunc(s.handlers.CancelRun))).Methods("POST")
	api.Handle("/runs/{id}/events", view(http.HandlerFunc(s.handlers.StreamEvents))).Methods("GET")
	api.Handle("/runs/{id}/artifacts", view(http.HandlerFunc(s.handlers.ListArtifacts))).Methods("GET")
	api.Handle("/runs/{id}/artifacts/{key}", view(http.HandlerFunc(s.handlers.GetArtifact))).Methods("GET")
	api.Handle("/runs/{id}/summary", view(http.HandlerFunc(s.handlers.GetRunSummary))).Methods("GET")
	api.Handle("/runs/{id}/export", operate(http.HandlerFunc(s.handlers.ExportRun))).Methods("POST")

	// RunStore diagnostics
	api.Handle("/runstore/info", view(http.HandlerFunc(s.handlers.RunStoreInfo))).Methods("GET")

	// Apply middleware. Auth runs after logging so denied requests are
	// still logged with a request ID.
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	if s.rate != nil {
		s.router.Use(s.rate.Handler)
	}
	if s.auth != nil {
		s.router.Use(s.auth.Handler)
	}
}
