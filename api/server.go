// Package api exposes the link planning engine over a JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seolift/linkplan"
	"github.com/seolift/linkplan/models"
)

// Store is the persistence surface the API handlers need. The db package
// implements it; handler tests use an in-memory fake.
type Store interface {
	Ping(ctx context.Context) error

	GetPage(ctx context.Context, id string) (*models.Page, error)
	ListSiloPages(ctx context.Context, scope models.Scope) ([]models.Page, error)
	UpsertPage(ctx context.Context, p *models.Page) error
	UpdatePageBody(ctx context.Context, pageID, body string) error

	GetLink(ctx context.Context, id string) (*models.Link, error)
	ListLinks(ctx context.Context, scope models.Scope) ([]models.Link, error)
	ListLinksBySource(ctx context.Context, pageID string) ([]models.Link, error)
	ListLinksByTarget(ctx context.Context, pageID string) ([]models.Link, error)
	SavePageResult(ctx context.Context, pageID, body string, links []models.Link) error
	UpdateLinkAnchor(ctx context.Context, id, anchorText string) error
	MarkLinkRemoved(ctx context.Context, id string) error

	ListPlanRuns(ctx context.Context, scope models.Scope, limit int) ([]models.PlanRun, error)
	LatestPlanRun(ctx context.Context, scope models.Scope) (*models.PlanRun, error)
	ListSnapshots(ctx context.Context, scope models.Scope, limit int) ([]models.PlanSnapshot, error)
	GetSnapshot(ctx context.Context, id string) (*models.PlanSnapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// Archive reads and prunes the mirrored snapshot copies the planner's
// archiver wrote. Optional; snapshot endpoints fall back to the database
// copy when nil.
type Archive interface {
	ReadSnapshot(ctx context.Context, path string) (*models.PlanSnapshot, error)
	DeleteSnapshot(ctx context.Context, path string) error
}

// Server represents the API server
type Server struct {
	store   Store
	planner *linkplan.Planner
	archive Archive
	cfg     linkplan.Config

	addr        string
	server      *http.Server
	router      chi.Router
	corsEnabled bool
}

// Config contains server configuration
type Config struct {
	Addr        string
	CORSEnabled bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		CORSEnabled: true,
	}
}

// NewServer creates a new API server over an already-wired store and planner.
// archive may be nil.
func NewServer(config Config, engineCfg linkplan.Config, store Store, planner *linkplan.Planner, archive Archive) *Server {
	s := &Server{
		store:       store,
		planner:     planner,
		archive:     archive,
		cfg:         engineCfg,
		addr:        config.Addr,
		corsEnabled: config.CORSEnabled,
	}

	s.router = s.buildRouter()

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      otelhttp.NewHandler(s.router, "linkplan-api"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// buildRouter sets up all API routes
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.logMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/pages", s.handleUpsertPage)

	r.Route("/api/links", func(r chi.Router) {
		r.Post("/plan", s.handlePlan)
		r.Delete("/plan", s.handlePlanCancel)
		r.Get("/plan/status", s.handlePlanStatus)
		r.Get("/plan/runs", s.handlePlanRuns)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/snapshots/{id}", s.handleGetSnapshot)
		r.Delete("/snapshots/{id}", s.handleDeleteSnapshot)

		r.Get("/", s.handleStats)
		r.Post("/", s.handleCreateLink)
		r.Get("/page/{pageID}", s.handlePageLinks)
		r.Get("/suggestions/{targetPageID}", s.handleSuggestions)
		r.Put("/{id}", s.handleUpdateLink)
		r.Delete("/{id}", s.handleDeleteLink)
	})

	return r
}

// Handler returns the server's HTTP handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server
func (s *Server) Start() error {
	slog.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsEnabled {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// logMiddleware logs requests, skipping health checks to reduce noise.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  "database unreachable",
			"time":   time.Now(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// scopeFromQuery parses and validates the silo scope query parameters shared
// by the read and plan endpoints.
func scopeFromQuery(q url.Values) (models.Scope, error) {
	scope := models.Scope{
		Type:      models.SiloType(q.Get("scope")),
		ProjectID: q.Get("project_id"),
		ClusterID: q.Get("cluster_id"),
	}
	return scope, validateScope(scope)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
