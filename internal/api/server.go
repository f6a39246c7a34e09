// Package api implements the HTTP layer for the Early Warning Analyst.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
	"github.com/nyashahama/early-warning-analyst-backend/internal/ledger"
	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
	"github.com/nyashahama/early-warning-analyst-backend/internal/worker"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// Env is "production", "staging", or "development".
	Env string

	// AllowedOrigin is the dashboard origin allowed by CORS in production.
	// e.g. "https://ewa.example.com"
	AllowedOrigin string

	// RequestTimeout bounds non-streaming handlers. Default: 30s.
	RequestTimeout time.Duration

	// KeepAlive is the SSE comment interval while a stream is quiet.
	// Default: 15s.
	KeepAlive time.Duration
}

// Runs is the part of the run service the HTTP layer calls.
// *worker.Service satisfies it.
type Runs interface {
	StartRun(ctx context.Context, cfg pipeline.RunConfig) (string, error)
	StartWhatIf(ctx context.Context, runID, scenario string) (scenarioID, streamKey string, err error)
	Attach(ctx context.Context, id string, fn func(pipeline.Event) error) error
	AttachWhatIf(ctx context.Context, runID, streamKey string, fn func(pipeline.Event) error) error
	Get(ctx context.Context, id string) (worker.RunDocument, error)
	ListRuns(ctx context.Context) []ledger.Record
	Delete(ctx context.Context, id string, cred auth.Credential) error
}

var _ Runs = (*worker.Service)(nil)

// Server holds all shared dependencies.
type Server struct {
	runs   Runs
	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Serve.
func NewServer(runs Runs, cfg Config, logger *slog.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	s := &Server{
		runs:   runs,
		cfg:    cfg,
		logger: logger,
	}
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Request/response routes carry a deadline.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Post("/analyze", s.handleStartAnalysis)
			r.Get("/analyze/{id}", s.handleGetAnalysis)
			r.Delete("/analyze/{id}", s.handleDeleteAnalysis)
			r.Post("/analyze/{id}/what-if", s.handleStartWhatIf)
			r.Get("/runs", s.handleListRuns)
		})

		// Streams stay open for the whole run.
		r.Get("/analyze/{id}/stream", s.handleStreamAnalysis)
		r.Get("/analyze/{id}/ws", s.handleStreamAnalysisWS)
		r.Get("/analyze/{id}/what-if/{streamKey}/stream", s.handleStreamWhatIf)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
