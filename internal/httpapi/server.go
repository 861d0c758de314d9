// Package httpapi provides the versioned REST surface. Routing is
// chi; every endpoint except liveness and metrics requires a bearer
// token, which is injected into the request context for downstream
// use. Error responses follow one shape: {error: {code, message}}.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/dedup"
	"github.com/emergent-company/graphkb/internal/dlq"
	"github.com/emergent-company/graphkb/internal/events"
	"github.com/emergent-company/graphkb/internal/migrate"
	"github.com/emergent-company/graphkb/internal/repo"
	"github.com/emergent-company/graphkb/internal/search"
	"github.com/emergent-company/graphkb/internal/synth"
	"github.com/emergent-company/graphkb/internal/verify"
)

// Server wires the component services behind the REST surface.
type Server struct {
	cfg      *config.Config
	repo     *repo.Repository
	recon    *dedup.Reconciler
	search   *search.Service
	embedder search.Embedder
	synth    *synth.Synthesizer
	store    *events.Store
	streamer *events.Streamer
	queue    *dlq.Queue
	migrator *migrate.Runner
	verifier *verify.Service
	metrics  *Metrics
	logger   *slog.Logger
}

// Deps carries the constructed services into the server.
type Deps struct {
	Config   *config.Config
	Repo     *repo.Repository
	Recon    *dedup.Reconciler
	Search   *search.Service
	Embedder search.Embedder
	Synth    *synth.Synthesizer
	Store    *events.Store
	Streamer *events.Streamer
	Queue    *dlq.Queue
	Migrator *migrate.Runner
	Verifier *verify.Service
	Metrics  *Metrics
	Logger   *slog.Logger
}

// New creates a Server.
func New(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		repo:     d.Repo,
		recon:    d.Recon,
		search:   d.Search,
		embedder: d.Embedder,
		synth:    d.Synth,
		store:    d.Store,
		streamer: d.Streamer,
		queue:    d.Queue,
		migrator: d.Migrator,
		verifier: d.Verifier,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.cfg.Server.CORSOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept"},
		MaxAge:         300,
	}))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Post("/graph/documents", s.handleUpsertDocument)
		r.Post("/epic/sync", s.handleEpicSync) // deprecated
		r.Get("/graph/nodes", s.handleListNodes)
		r.Get("/graph/nodes/{id}", s.handleGetNode)
		r.Delete("/graph/nodes/{id}", s.handleDeleteNode)
		r.Get("/graph/nodes/{id}/graph", s.handleNodeGraph)
		r.Get("/graph/nodes/{id}/relationships", s.handleListRelationships)
		r.Post("/graph/relationships", s.handleCreateRelationship)
		r.Get("/graph/search", s.handleSearch)
		r.Delete("/graph/cleanup", s.handleCleanup)

		r.Post("/events", s.handleAppendEvent)
		r.Get("/events/stream", s.handleStream)
		r.Post("/events/dlq", s.handleDLQEnqueue)
		r.Get("/events/dlq", s.handleDLQList)
		r.Get("/events/dlq/{id}", s.handleDLQGet)
		r.Post("/events/dlq/{id}/retry", s.handleDLQRetry)

		r.Post("/sprint/{id}/next-task", s.handleSetNextTask)
		r.Post("/task/{id}/verify", s.handleVerify)
		r.Post("/task/{id}/override", s.handleOverride)

		r.Post("/migrations/run", s.handleMigrations)

		r.Get("/context/session-start", s.handleSessionStart)
		r.Get("/context/strategic", s.handleStrategicContext)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
	})
}

type ctxKey int

const tokenKey ctxKey = iota

// requireBearer rejects requests without a bearer token and injects
// the token into the context. Token validation and user resolution
// belong to the identity collaborator; this boundary only guarantees a
// token is present for downstream calls.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || strings.TrimPrefix(auth, prefix) == "" {
			writeErrorBody(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required")
			return
		}
		ctx := context.WithValue(r.Context(), tokenKey, strings.TrimPrefix(auth, prefix))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenFrom returns the bearer token injected by the auth middleware.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout must exceed the long-poll budget or streams get
		// cut mid-hold.
		WriteTimeout: s.cfg.Stream.MaxTimeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
