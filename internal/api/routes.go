// Package api provides HTTP handlers and routing for the fluxline service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	extra    []mux.MiddlewareFunc
}

// NewServer creates a new API server with the given handlers. Extra
// middleware (auth, rate limiting) is applied after the built-in chain.
func NewServer(h *Handlers, extra ...mux.MiddlewareFunc) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		extra:    extra,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
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

	// Task definition catalog
	api.HandleFunc("/tasks", s.handlers.RegisterTask).Methods("POST")
	api.HandleFunc("/tasks", s.handlers.ListTasks).Methods("GET")
	api.HandleFunc("/tasks/{name}", s.handlers.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{name}", s.handlers.DeleteTask).Methods("DELETE")

	// Run management
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/summary", s.handlers.GetRunSummary).Methods("GET")
	api.HandleFunc("/runs/{id}/dag", s.handlers.GetRunDAG).Methods("GET")
	api.HandleFunc("/runs/{id}/executions", s.handlers.GetRunExecutions).Methods("GET")
	api.HandleFunc("/runs/{id}/results", s.handlers.GetRunResults).Methods("GET")
	api.HandleFunc("/runs/{id}/start", s.handlers.StartRun).Methods("POST")
	api.HandleFunc("/runs/{id}/pause", s.handlers.PauseRun).Methods("POST")
	api.HandleFunc("/runs/{id}/resume", s.handlers.ResumeRun).Methods("POST")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Store diagnostics
	api.HandleFunc("/store/info", s.handlers.StoreInfo).Methods("GET")
	api.HandleFunc("/store/selfcheck", s.handlers.StoreSelfCheck).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	for _, mw := range s.extra {
		s.router.Use(mw)
	}
}
