package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nyashahama/early-warning-analyst-backend/internal/ledger"
	"github.com/nyashahama/early-warning-analyst-backend/internal/notify"
	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
	"github.com/nyashahama/early-warning-analyst-backend/internal/store"
)

// internalErrorMessage is what consumers see when a run goroutine panics.
const internalErrorMessage = "internal error"

// runJob executes one run to completion. The terminal outcome is written to
// the ledger and the store before the stream sentinel is pushed, so a
// consumer that arrives after the channel is gone can replay it.
func (s *Service) runJob(id string, cfg pipeline.RunConfig, log *slog.Logger) {
	ctx := s.root
	defer s.closeStream(id, log)

	emit := s.emitter(id, log)
	defer func() {
		if p := recover(); p != nil {
			log.Error("worker: run panicked", "panic", p, "stack", string(debug.Stack()))
			emit(pipeline.ErrorEvent("", internalErrorMessage))
			s.finishFailed(id, cfg, "", fmt.Errorf("worker: panic: %v", p), log)
		}
	}()

	release, err := s.acquire(log)
	if err != nil {
		emit(pipeline.ErrorEvent("", "server is shutting down"))
		s.finishFailed(id, cfg, "", err, log)
		return
	}
	defer release()

	s.runsActive.Add(ctx, 1)
	defer s.runsActive.Add(ctx, -1)

	start := time.Now()
	agg, err := s.pipe.Run(ctx, id, cfg, emit)
	if err != nil {
		// The pipeline has already emitted the error event.
		var stage pipeline.Stage
		var se *pipeline.StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}
		s.finishFailed(id, cfg, stage, err, log)
		return
	}

	s.finishCompleted(id, cfg, agg, log)
	log.Info("worker: run finished", "elapsed", time.Since(start).Round(100*time.Millisecond))
}

// finishCompleted records a successful run and sends the completion notice.
func (s *Service) finishCompleted(id string, cfg pipeline.RunConfig, agg *pipeline.Aggregate, log *slog.Logger) {
	s.runsFinished.Add(s.root, 1, metric.WithAttributes(attribute.String("status", string(ledger.StatusCompleted))))

	assessment := agg.Assessment()
	s.ledger.Complete(id, assessment)

	final, err := json.Marshal(agg)
	if err != nil {
		log.Error("worker: marshal aggregate failed", "error", err)
		return
	}
	u := store.RunUpdate{Status: string(ledger.StatusCompleted), FinalData: final}
	if assessment != nil {
		if raw, err := json.Marshal(assessment); err == nil {
			u.Assessment = raw
		}
	}
	s.persistOutcome(id, cfg, u, log)

	sum := agg.Summary()
	s.bestEffort(log, "notify run completed", func(ctx context.Context) error {
		return s.notifier.RunCompleted(ctx, notify.RunCompletedParams{
			RunID:       id,
			Country:     cfg.Country,
			Horizon:     cfg.Horizon,
			OverallRisk: sum.RiskLevel,
			Headline:    sum.Headline,
			SignalCount: sum.SignalCount,
			HighestBand: string(sum.HighestBand),
		})
	})
}

// finishFailed records a failed run and sends the failure notice.
func (s *Service) finishFailed(id string, cfg pipeline.RunConfig, stage pipeline.Stage, cause error, log *slog.Logger) {
	s.runsFinished.Add(s.root, 1, metric.WithAttributes(attribute.String("status", string(ledger.StatusFailed))))

	s.ledger.Fail(id)
	s.persistOutcome(id, cfg, store.RunUpdate{
		Status: string(ledger.StatusFailed),
		Error:  cause.Error(),
	}, log)

	s.bestEffort(log, "notify run failed", func(ctx context.Context) error {
		return s.notifier.RunFailed(ctx, notify.RunFailedParams{
			RunID:   id,
			Country: cfg.Country,
			Stage:   string(stage),
			Error:   cause.Error(),
		})
	})
}

// persistStart writes the initial running document.
func (s *Service) persistStart(log *slog.Logger, id string, cfg pipeline.RunConfig, now time.Time) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		log.Error("worker: marshal run config failed", "error", err)
		return
	}
	s.bestEffort(log, "persist run start", func(ctx context.Context) error {
		return s.store.Put(ctx, store.Run{
			ID:        id,
			Config:    raw,
			Status:    string(ledger.StatusRunning),
			CreatedAt: now,
			UpdatedAt: now,
		}, true)
	})
}

// persistOutcome applies a terminal update. If the initial write never landed
// the whole document is written instead. A run deleted mid-flight is no
// longer in the ledger and is not written back.
func (s *Service) persistOutcome(id string, cfg pipeline.RunConfig, u store.RunUpdate, log *slog.Logger) {
	if _, ok := s.ledger.Get(id); !ok {
		log.Info("worker: run deleted before it finished; outcome not persisted")
		return
	}
	s.bestEffort(log, "persist run outcome", func(ctx context.Context) error {
		err := s.store.Update(ctx, id, u)
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		rec, ok := s.ledger.Get(id)
		if !ok {
			return nil
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return s.store.Put(ctx, store.Run{
			ID:         id,
			Config:     raw,
			Status:     u.Status,
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  time.Now().UTC(),
			FinalData:  u.FinalData,
			Assessment: u.Assessment,
			Error:      u.Error,
		}, true)
	})
}

// ─── WHAT-IF ──────────────────────────────────────────────────────────────────

type whatIfJob struct {
	runID      string
	scenarioID string
	streamKey  string
	cfg        pipeline.RunConfig
	prior      json.RawMessage
	scenario   string
}

// runWhatIf executes one what-if stage and stores its result.
func (s *Service) runWhatIf(job whatIfJob, log *slog.Logger) {
	ctx := s.root
	defer s.closeStream(job.streamKey, log)

	emit := s.emitter(job.streamKey, log)
	defer func() {
		if p := recover(); p != nil {
			log.Error("worker: what-if panicked", "panic", p, "stack", string(debug.Stack()))
			emit(pipeline.ErrorEvent(pipeline.StageWhatIf, internalErrorMessage))
		}
	}()

	release, err := s.acquire(log)
	if err != nil {
		emit(pipeline.ErrorEvent(pipeline.StageWhatIf, "server is shutting down"))
		return
	}
	defer release()

	s.runsActive.Add(ctx, 1)
	defer s.runsActive.Add(ctx, -1)

	val, err := s.pipe.WhatIf(ctx, job.streamKey, job.cfg, job.prior, job.scenario, emit)
	if err != nil {
		log.Warn("worker: what-if failed", "error", err)
		return
	}

	result, err := json.Marshal(val)
	if err != nil {
		log.Error("worker: marshal what-if result failed", "error", err)
		return
	}
	s.bestEffort(log, "persist what-if", func(ctx context.Context) error {
		return s.store.PutWhatIf(ctx, store.WhatIf{
			RunID:      job.runID,
			ScenarioID: job.scenarioID,
			Scenario:   job.scenario,
			Result:     result,
			CreatedAt:  time.Now().UTC(),
		})
	})
}

// bestEffort runs fn under the store timeout and logs any error. It outlives
// a forced shutdown so terminal state still has a chance to land.
func (s *Service) bestEffort(log *slog.Logger, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.root), s.cfg.StoreTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("worker: best-effort call failed", "op", op, "error", err)
	}
}
