// Package web exposes the reconcile operations over HTTP.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/reconcile/internal/config"
	"github.com/JonMunkholm/reconcile/internal/core"
	"github.com/JonMunkholm/reconcile/internal/media"
	"github.com/JonMunkholm/reconcile/internal/web/middleware"
)

// Options configures a Server.
type Options struct {
	// Defaults are the load options a request starts from before its
	// query parameters are applied.
	Defaults core.LoadOptions
	Server   config.ServerConfig
	Security config.SecurityConfig
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP server for the reconcile API.
type Server struct {
	service *core.Service
	media   *media.Service
	opts    Options
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a Server. assets may be nil when no entity has media
// columns.
func NewServer(service *core.Service, assets *media.Service, opts Options) *Server {
	if opts.Server.MaxBodyBytes <= 0 {
		opts.Server.MaxBodyBytes = 32 << 20
	}
	s := &Server{
		service: service,
		media:   assets,
		opts:    opts,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.opts.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/entities", s.handleListEntities)
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleRuns)
		r.Get("/validate", s.handleValidate)
		r.Get("/conflicts", s.handleConflicts)
		r.Get("/media/{id}", s.handleMedia)

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(&s.opts.Security))

			r.Post("/entities/{entity}/load", s.handleLoadEntity)
			r.Post("/entities/{entity}/upload", s.handleUploadEntity)
			r.Post("/entities/{entity}/clear", s.handleClearEntity)
			r.Post("/entities/{entity}/restore", s.handleRestoreEntity)

			r.Post("/load", s.handleLoadAll)
			r.Post("/import", s.handleImportAll)
			r.Post("/clear", s.handleClearAll)
			r.Post("/reset", s.handleResetAll)
			r.Post("/backup", s.handleBackupAll)
			r.Post("/restore", s.handleRestoreBackup)
		})
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	cfg := s.opts.Server
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	slog.Info("starting server", "addr", cfg.Addr())
	return s.server.ListenAndServe()
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

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
