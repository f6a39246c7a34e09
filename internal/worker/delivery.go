package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
	"github.com/nyashahama/early-warning-analyst-backend/internal/ledger"
	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
	"github.com/nyashahama/early-warning-analyst-backend/internal/store"
	"github.com/nyashahama/early-warning-analyst-backend/internal/stream"
)

// RunDocument is a stored run with its what-if results.
type RunDocument struct {
	store.Run
	WhatIfs []store.WhatIf `json:"what_ifs,omitempty"`
}

// ─── ATTACH ───────────────────────────────────────────────────────────────────

// Attach delivers run id's events to fn in order until the terminal event.
// When the live channel is gone, a finished run is replayed from the store
// as a single terminal event.
//
// Errors: ErrRunNotFound, stream.ErrBusy if another consumer holds the
// channel, ctx's error, or whatever fn returns.
func (s *Service) Attach(ctx context.Context, id string, fn func(pipeline.Event) error) error {
	err := s.streams.Drain(ctx, id, fn)
	if !errors.Is(err, stream.ErrNotFound) {
		return err
	}

	run, err := s.getStored(ctx, id)
	if err != nil {
		return ErrRunNotFound
	}
	switch ledger.Status(run.Status) {
	case ledger.StatusCompleted:
		if len(run.FinalData) == 0 {
			return ErrRunNotFound
		}
		return fn(pipeline.RunComplete(run.FinalData))
	case ledger.StatusFailed:
		msg := run.Error
		if msg == "" {
			msg = "run failed"
		}
		return fn(pipeline.ErrorEvent("", msg))
	}
	return ErrRunNotFound
}

// AttachWhatIf delivers a what-if's events to fn. A finished what-if whose
// channel is gone is replayed from its stored result.
func (s *Service) AttachWhatIf(ctx context.Context, runID, streamKey string, fn func(pipeline.Event) error) error {
	scenarioID, ok := strings.CutPrefix(streamKey, runID+whatIfInfix)
	if !ok || scenarioID == "" {
		return ErrStreamNotFound
	}

	err := s.streams.Drain(ctx, streamKey, fn)
	if !errors.Is(err, stream.ErrNotFound) {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	whatIfs, err := s.store.ListWhatIfs(sctx, runID)
	if err != nil {
		s.logger.Warn("worker: list what-ifs failed", "run_id", runID, "error", err)
		return ErrStreamNotFound
	}
	for _, w := range whatIfs {
		if w.ScenarioID != scenarioID {
			continue
		}
		var data any
		if len(w.Result) > 0 {
			if err := json.Unmarshal(w.Result, &data); err != nil {
				return fmt.Errorf("worker: decode what-if result: %w", err)
			}
		}
		return fn(pipeline.StoredStageComplete(pipeline.StageWhatIf, data))
	}
	return ErrStreamNotFound
}

// ─── READ ─────────────────────────────────────────────────────────────────────

// Get returns the stored document for id with its what-if results.
func (s *Service) Get(ctx context.Context, id string) (RunDocument, error) {
	run, err := s.getStored(ctx, id)
	if err != nil {
		return RunDocument{}, ErrRunNotFound
	}

	doc := RunDocument{Run: run}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	whatIfs, err := s.store.ListWhatIfs(sctx, id)
	if err != nil {
		s.logger.Warn("worker: list what-ifs failed", "run_id", id, "error", err)
	}
	doc.WhatIfs = whatIfs
	return doc, nil
}

// ListRuns merges this process's ledger with the most recent stored runs,
// newest first. Ledger entries win for ids present in both. A store failure
// degrades the listing to the ledger alone.
func (s *Service) ListRuns(ctx context.Context) []ledger.Record {
	merged := make(map[string]ledger.Record)
	for _, rec := range s.ledger.List() {
		merged[rec.ID] = rec
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	runs, err := s.store.List(sctx, s.cfg.ListLimit)
	if err != nil {
		s.logger.Warn("worker: list stored runs failed", "error", err)
	}
	for _, r := range runs {
		if _, ok := merged[r.ID]; ok {
			continue
		}
		merged[r.ID] = recordFromStored(r)
	}

	out := make([]ledger.Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	ledger.SortNewestFirst(out)
	return out
}

// recordFromStored flattens a stored run into a history record. Unreadable
// configs fall back to the request defaults.
func recordFromStored(r store.Run) ledger.Record {
	var cfg pipeline.RunConfig
	_ = json.Unmarshal(r.Config, &cfg)
	if cfg.Country == "" {
		cfg.Country = unknownCountry
	}
	if cfg.Scope == "" {
		cfg.Scope = pipeline.ScopeNational
	}
	if cfg.Horizon == 0 {
		cfg.Horizon = pipeline.DefaultHorizon
	}

	rec := ledger.NewRecord(r.ID, cfg, r.CreatedAt)
	rec.Status = ledger.Status(r.Status)
	if len(r.Assessment) > 0 && string(r.Assessment) != "null" {
		rec.Assessment = r.Assessment
	}
	return rec
}

func (s *Service) getStored(ctx context.Context, id string) (store.Run, error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	run, err := s.store.Get(sctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("worker: load run failed", "run_id", id, "error", err)
	}
	return run, err
}

// ─── DELETE ───────────────────────────────────────────────────────────────────

// Delete removes a run from the ledger, the registry and the store after
// checking cred. A running run is not cancelled; its outcome is simply not
// written back.
//
// Errors: ErrForbidden (wrapping the auth error) or ErrRunNotFound when no
// layer knew the id. Store failures other than not-found are logged and
// swallowed.
func (s *Service) Delete(ctx context.Context, id string, cred auth.Credential) error {
	if err := s.verifier.Check(cred); err != nil {
		s.logger.Warn("worker: delete refused", "run_id", id, "error", err)
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}

	_, known := s.ledger.Get(id)
	if s.streams.Has(id) {
		known = true
	}

	// Ledger first so an in-flight run stops persisting.
	s.ledger.Delete(id)
	s.streams.Deregister(id)

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	switch err := s.store.Delete(sctx, id); {
	case err == nil:
		known = true
	case errors.Is(err, store.ErrNotFound):
	default:
		s.logger.Warn("worker: store delete failed", "run_id", id, "error", err)
		known = true
	}

	if !known {
		return ErrRunNotFound
	}
	s.logger.Info("worker: run deleted", "run_id", id)
	return nil
}
