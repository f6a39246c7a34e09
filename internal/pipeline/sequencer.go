// Package pipeline runs the fixed sequence of generation stages that turns a
// RunConfig into a scored country risk assessment, streaming progress events
// as it goes.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nyashahama/early-warning-analyst-backend/internal/ai"
	"github.com/nyashahama/early-warning-analyst-backend/internal/extract"
	"github.com/nyashahama/early-warning-analyst-backend/internal/scoring"
	"github.com/nyashahama/early-warning-analyst-backend/internal/telemetry"
)

// StageValues holds the structured output of every stage. A stage whose
// extraction failed serialises as null.
type StageValues struct {
	Context        extract.Value `json:"context"`
	SignalHunter   extract.Value `json:"signal_hunter"`
	Corroboration  extract.Value `json:"corroboration"`
	DevilsAdvocate extract.Value `json:"devils_advocate"`
	Synthesis      extract.Value `json:"synthesis"`
}

// Aggregate is the terminal result of a successful run.
type Aggregate struct {
	Config RunConfig   `json:"config"`
	Stages StageValues `json:"stages"`
}

// Assessment returns the synthesis overall_assessment, or nil.
func (a *Aggregate) Assessment() any {
	obj, ok := a.Stages.Synthesis.AsObject()
	if !ok {
		return nil
	}
	return obj["overall_assessment"]
}

// Summary is the headline view of an aggregate used in notifications.
type Summary struct {
	Headline    string
	RiskLevel   string
	SignalCount int
	HighestBand scoring.RiskBand
}

// Summary reads the synthesis stage. Signals are rescored from their raw
// sub-scores so the band never depends on what the model wrote.
func (a *Aggregate) Summary() Summary {
	var out Summary
	obj, ok := a.Stages.Synthesis.AsObject()
	if !ok {
		return out
	}
	if oa, ok := obj["overall_assessment"].(map[string]any); ok {
		out.Headline = stringField(oa, "headline")
		out.RiskLevel = stringField(oa, "risk_level")
	}
	signals, _ := obj["scored_signals"].([]any)
	scored := make([]scoring.Scores, 0, len(signals))
	for _, item := range signals {
		sig, ok := item.(map[string]any)
		if !ok {
			continue
		}
		raw, _ := sig["scores"].(map[string]any)
		scored = append(scored, scoring.ParseInputs(raw).Score())
	}
	out.SignalCount = len(scored)
	if len(scored) > 0 {
		out.HighestBand = scoring.Highest(scored)
	}
	return out
}

// StageError is returned when a stage's generation call fails.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// SequencerConfig tunes a Sequencer.
type SequencerConfig struct {
	// StageTimeout bounds each generation call. Zero disables the bound.
	StageTimeout time.Duration

	// Instructions are the system instructions per stage. Nil means
	// DefaultInstructions().
	Instructions Instructions
}

// Sequencer drives the stages of a run. It holds no per-run state and is
// safe for concurrent use by many runs.
type Sequencer struct {
	gen          ai.Generator
	ex           *extract.Extractor
	instructions Instructions
	stageTimeout time.Duration
	logger       *slog.Logger

	tracer        trace.Tracer
	stageDuration metric.Float64Histogram
	stageChars    metric.Int64Histogram
	stageFailures metric.Int64Counter
}

// NewSequencer constructs a Sequencer.
func NewSequencer(gen ai.Generator, cfg SequencerConfig, logger *slog.Logger) *Sequencer {
	instructions := cfg.Instructions
	if instructions == nil {
		instructions = DefaultInstructions()
	}

	meter := telemetry.Meter("early-warning/pipeline")
	stageDur, _ := meter.Float64Histogram("ewa.stage.duration",
		metric.WithDescription("Time spent in one stage's generation call (ms)"),
		metric.WithUnit("ms"),
	)
	stageChars, _ := meter.Int64Histogram("ewa.stage.chars",
		metric.WithDescription("Characters generated by one stage"),
	)
	stageFail, _ := meter.Int64Counter("ewa.stage.failures",
		metric.WithDescription("Stages whose generation call failed"),
	)

	return &Sequencer{
		gen:           gen,
		ex:            extract.NewExtractor(logger),
		instructions:  instructions,
		stageTimeout:  cfg.StageTimeout,
		logger:        logger,
		tracer:        otel.Tracer("early-warning/pipeline"),
		stageDuration: stageDur,
		stageChars:    stageChars,
		stageFailures: stageFail,
	}
}

// Run executes the five stages in order for one run:
//
//  1. context          establish the country baseline (search)
//  2. signal_hunter    find weak signals (search)
//  3. corroboration    cross-check each signal (search)
//  4. devils_advocate  try to explain each signal away
//  5. synthesis        score, group and assess
//
// Each stage sees only cfg and the raw text of the stages before it. Every
// stage emits stage_start, its chunks and exactly one stage_complete. On
// success Run emits run_complete with the aggregate and returns it. On the
// first generation failure Run emits one error event and returns a
// *StageError; no later stage runs.
func (s *Sequencer) Run(ctx context.Context, runID string, cfg RunConfig, emit Emitter) (*Aggregate, error) {
	log := s.logger.With("run_id", runID)
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("ewa.run_id", runID),
		attribute.String("ewa.country", cfg.Country),
	))
	defer span.End()

	log.Info("pipeline: starting run",
		"country", cfg.Country,
		"scope", cfg.scopeLabel(),
		"horizon", cfg.Horizon,
		"signal_count", cfg.SignalCount,
		"domains", cfg.Domains,
		"custom_indicators", len(cfg.CustomIndicators),
	)

	agg := &Aggregate{Config: cfg}
	fail := func(stage Stage, err error) (*Aggregate, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("pipeline: run failed", "stage", stage, "error", err)
		emit(ErrorEvent(stage, err.Error()))
		return nil, &StageError{Stage: stage, Err: err}
	}

	// ── 1. Context ────────────────────────────────────────────────────────────
	ctxRes, err := s.stage(ctx, log, emit, StageContext, cfg, contextUser(cfg))
	if err != nil {
		return fail(StageContext, err)
	}
	agg.Stages.Context = ctxRes.Value
	emit(stageComplete(StageContext, ctxRes))

	// ── 2. Signal hunter ──────────────────────────────────────────────────────
	huntRes, err := s.stage(ctx, log, emit, StageSignalHunter, cfg,
		signalHunterUser(cfg, ctxRes.Raw))
	if err != nil {
		return fail(StageSignalHunter, err)
	}
	agg.Stages.SignalHunter = huntRes.Value
	log.Info("pipeline: signals found", "count", countSignals(huntRes.Value, "signals"))
	emit(stageComplete(StageSignalHunter, huntRes))

	// ── 3. Corroboration ──────────────────────────────────────────────────────
	corrRes, err := s.stage(ctx, log, emit, StageCorroboration, cfg,
		corroborationUser(ctxRes.Raw, huntRes.Raw))
	if err != nil {
		return fail(StageCorroboration, err)
	}
	agg.Stages.Corroboration = corrRes.Value
	emit(stageComplete(StageCorroboration, corrRes))

	// ── 4. Devil's advocate ───────────────────────────────────────────────────
	devRes, err := s.stage(ctx, log, emit, StageDevilsAdvocate, cfg,
		devilsAdvocateUser(ctxRes.Raw, huntRes.Raw, corrRes.Raw))
	if err != nil {
		return fail(StageDevilsAdvocate, err)
	}
	agg.Stages.DevilsAdvocate = devRes.Value
	if survived, total := countSurvivors(devRes.Value); total > 0 {
		log.Info("pipeline: signals survived challenge", "survived", survived, "total", total)
	}
	emit(stageComplete(StageDevilsAdvocate, devRes))

	// ── 5. Synthesis ──────────────────────────────────────────────────────────
	synRes, err := s.stage(ctx, log, emit, StageSynthesis, cfg,
		synthesisUser(cfg, ctxRes.Raw, huntRes.Raw, corrRes.Raw, devRes.Raw))
	if err != nil {
		return fail(StageSynthesis, err)
	}
	// The model's derived scores are never trusted; rescore before anyone
	// sees the value.
	synRes.Value = normalizeSynthesis(synRes.Value, log)
	if obj, ok := synRes.Value.AsObject(); ok {
		scored := rescoreSignals(obj, log)
		logSynthesis(obj, scored, log)
	}
	agg.Stages.Synthesis = synRes.Value
	emit(stageComplete(StageSynthesis, synRes))

	// ── 6. Done ───────────────────────────────────────────────────────────────
	emit(RunComplete(agg))

	log.Info("pipeline: run complete", "elapsed", time.Since(start).Round(100*time.Millisecond))
	return agg, nil
}

// WhatIf runs the single what_if stage against a completed run's aggregate.
// It emits stage_start, chunks and one stage_complete, and returns the
// extracted value. A generation failure emits one error event.
func (s *Sequencer) WhatIf(ctx context.Context, streamKey string, cfg RunConfig, prior json.RawMessage, scenario string, emit Emitter) (extract.Value, error) {
	log := s.logger.With("stream_key", streamKey)
	log.Info("pipeline: starting what-if", "country", cfg.Country, "scenario", truncate(scenario, 80))

	ctx, span := s.tracer.Start(ctx, "pipeline.what_if", trace.WithAttributes(
		attribute.String("ewa.stream_key", streamKey),
	))
	defer span.End()

	res, err := s.stage(ctx, log, emit, StageWhatIf, cfg, whatIfUser(cfg, prior, scenario))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("pipeline: what-if failed", "error", err)
		emit(ErrorEvent(StageWhatIf, err.Error()))
		return extract.Value{}, &StageError{Stage: StageWhatIf, Err: err}
	}
	emit(stageComplete(StageWhatIf, res))
	return res.Value, nil
}

// stage emits stage_start and runs one stage under its own span, honouring
// the optional per-stage timeout.
func (s *Sequencer) stage(ctx context.Context, log *slog.Logger, emit Emitter, stage Stage, cfg RunConfig, user string) (StageResult, error) {
	emit(stageStart(stage))
	log.Info("pipeline: stage starting", "stage", stage, "search", stage.Searches())

	ctx, span := s.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("ewa.stage", string(stage)),
	))
	defer span.End()

	if s.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stageTimeout)
		defer cancel()
	}

	res, err := RunStage(ctx, s.gen, s.ex, emit, stage,
		s.instructions.system(stage, cfg), user, stage.Searches())

	attrs := metric.WithAttributes(attribute.String("stage", string(stage)))
	s.stageDuration.Record(ctx, float64(res.Elapsed.Milliseconds()), attrs)
	if err != nil {
		s.stageFailures.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	s.stageChars.Record(ctx, int64(res.Chars), attrs)

	span.SetAttributes(
		attribute.Int("ewa.chars", res.Chars),
		attribute.Bool("ewa.extracted", res.Value.Present()),
	)
	log.Info("pipeline: stage complete",
		"stage", stage,
		"elapsed", res.Elapsed.Round(100*time.Millisecond),
		"chars", res.Chars,
		"extracted", res.Value.Present(),
	)
	return res, nil
}
