package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
	"github.com/nyashahama/early-warning-analyst-backend/internal/ledger"
	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
	"github.com/nyashahama/early-warning-analyst-backend/internal/worker"
)

// ─── POST /api/analyze ────────────────────────────────────────────────────────

// startAnalysisRequest accepts the run config either bare or wrapped as
// {"config": {...}, "password": "..."}. The password is accepted for client
// compatibility and ignored: starting a run is unauthenticated.
type startAnalysisRequest struct {
	pipeline.RunConfig
	Config   *pipeline.RunConfig `json:"config,omitempty"`
	Password string              `json:"password,omitempty"`
}

type startAnalysisResponse struct {
	AnalysisID string `json:"analysis_id"`
}

// handleStartAnalysis validates the config and starts a run in the
// background. Malformed input gets a 400 before any run id is allocated.
func (s *Server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req startAnalysisRequest
	if !decode(w, r, &req) {
		return
	}
	cfg := req.RunConfig
	if req.Config != nil {
		cfg = *req.Config
	}

	id, err := s.runs.StartRun(r.Context(), cfg)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrInvalidConfig):
		respondErr(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "worker: "))
		return
	case errors.Is(err, worker.ErrShuttingDown):
		respondErr(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	default:
		s.respondInternalErr(w, r, err)
		return
	}

	respond(w, http.StatusOK, startAnalysisResponse{AnalysisID: id})
}

// ─── GET /api/analyze/:id ─────────────────────────────────────────────────────

// handleGetAnalysis returns the stored run document with its what-ifs.
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	doc, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, worker.ErrRunNotFound) {
		respondErr(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, doc)
}

// ─── DELETE /api/analyze/:id ──────────────────────────────────────────────────

type deleteAnalysisRequest struct {
	Password string `json:"password"`
}

// handleDeleteAnalysis removes a run. The credential is the body password
// or an admin bearer token; a token wins when both are sent.
func (s *Server) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	var req deleteAnalysisRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	cred := auth.Credential{
		Password: req.Password,
		Token:    auth.BearerToken(r.Header.Get("Authorization")),
	}

	err := s.runs.Delete(r.Context(), chi.URLParam(r, "id"), cred)
	switch {
	case err == nil:
		respond(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, worker.ErrForbidden):
		respondErr(w, http.StatusForbidden, "invalid credential")
	case errors.Is(err, worker.ErrRunNotFound):
		respondErr(w, http.StatusNotFound, "analysis not found")
	default:
		s.respondInternalErr(w, r, err)
	}
}

// ─── GET /api/runs ────────────────────────────────────────────────────────────

type listRunsResponse struct {
	Runs []ledger.Record `json:"runs"`
}

// handleListRuns lists runs from this process and the store, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.ListRuns(r.Context())
	if runs == nil {
		runs = []ledger.Record{}
	}
	respond(w, http.StatusOK, listRunsResponse{Runs: runs})
}

// ─── POST /api/analyze/:id/what-if ────────────────────────────────────────────

type startWhatIfRequest struct {
	Scenario string `json:"scenario"`
}

type startWhatIfResponse struct {
	ScenarioID string `json:"scenario_id"`
	StreamKey  string `json:"stream_key"`
}

// handleStartWhatIf starts a what-if scenario against a completed run.
func (s *Server) handleStartWhatIf(w http.ResponseWriter, r *http.Request) {
	var req startWhatIfRequest
	if !decode(w, r, &req) {
		return
	}

	sid, key, err := s.runs.StartWhatIf(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Scenario))
	switch {
	case err == nil:
		respond(w, http.StatusOK, startWhatIfResponse{ScenarioID: sid, StreamKey: key})
	case errors.Is(err, worker.ErrInvalidScenario):
		respondErr(w, http.StatusBadRequest, "scenario is required")
	case errors.Is(err, worker.ErrNotCompleted):
		respondErr(w, http.StatusNotFound, "analysis not found or not completed")
	case errors.Is(err, worker.ErrShuttingDown):
		respondErr(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		s.respondInternalErr(w, r, err)
	}
}
