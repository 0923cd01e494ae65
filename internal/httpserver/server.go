package httpserver

import (
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeroclaw/zeroclaw/internal/config"
	"github.com/zeroclaw/zeroclaw/internal/registry"
	"github.com/zeroclaw/zeroclaw/internal/version"
)

// Server holds the HTTP server dependencies. Unlike the multi-tenant SaaS
// the router shape is borrowed from, ZeroClaw has no authentication layer
// (spec.md §1 Non-goals: "instance authentication is explicitly out of
// scope") — APIRouter is mounted directly under /api with no auth
// middleware chain.
type Server struct {
	Router     *chi.Mux
	APIRouter  chi.Router
	Logger     *slog.Logger
	Store      *registry.Store
	Metrics    *prometheus.Registry
	startedAt  time.Time
	spaHandler http.HandlerFunc
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. Domain handlers are mounted on APIRouter by the caller.
func NewServer(cfg *config.Config, logger *slog.Logger, store *registry.Store, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		Logger:     logger,
		Store:      store,
		Metrics:    metricsReg,
		startedAt:  time.Now(),
		spaHandler: defaultSPAHandler,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Get("/api/v1/version", s.handleVersion)

	// Domain routes live under /api (spec §6, §4.G: "Routes are grouped
	// under /api"), kept distinct from the ambient /api/v1/version route
	// above, which mirrors the teacher's own status-endpoint convention.
	s.Router.Route("/api", func(r chi.Router) {
		s.APIRouter = r
	})

	// Unknown /api/* paths return a JSON 404, never HTML; everything else
	// falls through to the SPA handler the caller installs via SPAHandler
	// (spec §4.G — "/ and all non-API paths serve an embedded static SPA
	// asset", explicitly out of scope for this core per spec.md §1).
	s.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			RespondError(w, http.StatusNotFound, "not_found", "no such route")
			return
		}
		s.spaHandler(w, r)
	})

	return s
}

// SPAHandler installs the handler serving "/" and unmatched non-API paths.
// The admin UI's asset bundle is out of scope for this core (spec.md §1);
// callers that embed one can install it here. The default serves a bare
// placeholder so the route contract still holds with nothing embedded.
func (s *Server) SPAHandler(h http.HandlerFunc) {
	s.spaHandler = h
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz pings the registry store, the process's only dependency
// (spec §5: a single SQLite connection replaces the Postgres/Redis
// readiness checks the teacher's multi-service deployment needed).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		s.Logger.Error("readiness check: registry db ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "registry db not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func defaultSPAHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("zeroclaw"))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.startedAt)
	Respond(w, http.StatusOK, map[string]any{
		"version":        version.Version,
		"commit_sha":     version.Commit,
		"uptime_seconds": int64(uptime.Seconds()),
	})
}
