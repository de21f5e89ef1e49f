// Package server provides the ops HTTP server: health, Prometheus metrics,
// prepared snapshots and run limiter status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/sheetnorm/internal/config"
	"github.com/JonMunkholm/sheetnorm/internal/logging"
	"github.com/JonMunkholm/sheetnorm/internal/metrics"
	"github.com/JonMunkholm/sheetnorm/internal/pipeline"
	"github.com/JonMunkholm/sheetnorm/internal/snapshot"
)

// Server is the ops HTTP server.
type Server struct {
	cfg     config.ServerConfig
	store   *snapshot.Store
	limiter *pipeline.Limiter
	metrics *metrics.Metrics
	router  *chi.Mux
	server  *http.Server
}

// New creates a server. metrics may be nil, in which case /metrics answers 503.
func New(cfg config.ServerConfig, store *snapshot.Store, limiter *pipeline.Limiter, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		metrics: m,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(TrustedRealIP(s.cfg.TrustedProxies))
	s.router.Use(Logger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(APIKeyAuth(s.cfg.APIKeys))
		r.Get("/snapshots", s.handleListSnapshots)
		r.Get("/snapshots/{id}", s.handleGetSnapshot)
		r.Get("/limiter", s.handleLimiter)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.cfg.Addr(),
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
	}
	slog.Info("ops server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

type healthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Version: pipeline.Version, Time: time.Now().UTC()})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List()
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []snapshot.Metadata{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Open(chi.URLParam(r, "id"))
	if errors.Is(err, snapshot.ErrNotFound) {
		respondError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, snap.Metadata)
}

func (s *Server) handleLimiter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.limiter.Status())
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the JSON body of an error. Code and Message come from
// pipeline.MapError.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// respondError logs the technical error and returns the mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	msg := pipeline.MapError(err)
	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)
	writeJSON(w, r, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   msg.Message,
		Action:    msg.Action,
		Code:      msg.Code,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeJSON encodes v; encoding errors are only logged since the header is
// already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("json encode error", "error", err)
	}
}
