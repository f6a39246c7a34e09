// Package worker runs pipelines in the background and serves their results.
// It is decoupled from the HTTP layer: the api package holds a narrow
// interface and never touches the registry, the ledger or the store directly.
//
// Each run is one goroutine whose context derives from the service's root
// context only, so a consumer disconnecting never cancels a run. Events are
// pushed into the run's stream channel whether or not anyone is listening.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
	"github.com/nyashahama/early-warning-analyst-backend/internal/extract"
	"github.com/nyashahama/early-warning-analyst-backend/internal/ledger"
	"github.com/nyashahama/early-warning-analyst-backend/internal/notify"
	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
	"github.com/nyashahama/early-warning-analyst-backend/internal/store"
	"github.com/nyashahama/early-warning-analyst-backend/internal/stream"
	"github.com/nyashahama/early-warning-analyst-backend/internal/telemetry"
)

// ─── ERRORS ───────────────────────────────────────────────────────────────────

var (
	ErrInvalidConfig   = errors.New("worker: invalid run config")
	ErrInvalidScenario = errors.New("worker: scenario is required")
	ErrRunNotFound     = errors.New("worker: run not found")
	ErrNotCompleted    = errors.New("worker: run not found or not completed")
	ErrStreamNotFound  = errors.New("worker: stream not found")
	ErrForbidden       = errors.New("worker: forbidden")
	ErrShuttingDown    = errors.New("worker: shutting down")
)

// ─── PIPELINE INTERFACE ───────────────────────────────────────────────────────

// Pipeline is what the service drives. The concrete implementation is
// *pipeline.Sequencer; tests substitute a stub.
type Pipeline interface {
	Run(ctx context.Context, runID string, cfg pipeline.RunConfig, emit pipeline.Emitter) (*pipeline.Aggregate, error)
	WhatIf(ctx context.Context, streamKey string, cfg pipeline.RunConfig, prior json.RawMessage, scenario string, emit pipeline.Emitter) (extract.Value, error)
}

// ─── CONFIG ───────────────────────────────────────────────────────────────────

// Config holds tuning parameters for the Service. Zero fields take the
// defaults from DefaultConfig, except MaxConcurrentRuns where zero means
// unbounded.
type Config struct {
	// MaxConcurrentRuns bounds runs and what-ifs executing at once. Excess
	// work waits for a slot inside its own goroutine.
	MaxConcurrentRuns int

	// StreamRetention is how long a finished channel nobody drained is kept
	// before the sweeper drops it. Default: 30m.
	StreamRetention time.Duration

	// SweepInterval is how often the sweeper runs. Default: 1m.
	SweepInterval time.Duration

	// StoreTimeout bounds each best-effort store or notify call. Default: 10s.
	StoreTimeout time.Duration

	// ListLimit caps how many stored runs ListRuns reads. Default: 100.
	ListLimit int
}

// DefaultConfig returns safe production defaults.
func DefaultConfig() Config {
	return Config{
		StreamRetention: 30 * time.Minute,
		SweepInterval:   time.Minute,
		StoreTimeout:    10 * time.Second,
		ListLimit:       100,
	}
}

// Deps are the collaborators a Service needs. Notifier and Verifier may be
// nil: notifications are then skipped and every delete is refused.
type Deps struct {
	Pipeline Pipeline
	Store    store.DocStore
	Ledger   *ledger.Ledger
	Streams  *stream.Registry[pipeline.Event]
	Notifier notify.Sender
	Verifier *auth.Verifier
}

// ─── SERVICE ──────────────────────────────────────────────────────────────────

const (
	whatIfInfix    = "_whatif_"
	maxIDAttempts  = 8
	shortIDLength  = 8
	unknownCountry = "Unknown"
)

// Service launches runs and implements the delivery operations.
type Service struct {
	pipe     Pipeline
	store    store.DocStore
	ledger   *ledger.Ledger
	streams  *stream.Registry[pipeline.Event]
	notifier notify.Sender
	verifier *auth.Verifier
	cfg      Config
	logger   *slog.Logger

	sem    *semaphore.Weighted // nil when unbounded
	root   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards closing and wg.Add
	closing bool
	wg      sync.WaitGroup

	newID func() string

	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	runsActive    metric.Int64UpDownCounter
	whatIfStarted metric.Int64Counter
}

// New constructs a Service. Call Start to run the sweeper and Shutdown to
// drain in-flight runs.
func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.StreamRetention <= 0 {
		cfg.StreamRetention = def.StreamRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = def.ListLimit
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Verifier == nil {
		deps.Verifier = auth.NewVerifier("", "")
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New()
	}
	if deps.Streams == nil {
		deps.Streams = &stream.Registry[pipeline.Event]{}
	}

	root, cancel := context.WithCancel(context.Background())

	meter := telemetry.Meter("early-warning/worker")
	started, _ := meter.Int64Counter("ewa.runs.started",
		metric.WithDescription("Runs accepted"),
	)
	finished, _ := meter.Int64Counter("ewa.runs.finished",
		metric.WithDescription("Runs finished, by status"),
	)
	active, _ := meter.Int64UpDownCounter("ewa.runs.active",
		metric.WithDescription("Runs and what-ifs currently executing"),
	)
	whatIfs, _ := meter.Int64Counter("ewa.whatifs.started",
		metric.WithDescription("What-if scenarios accepted"),
	)

	s := &Service{
		pipe:          deps.Pipeline,
		store:         deps.Store,
		ledger:        deps.Ledger,
		streams:       deps.Streams,
		notifier:      deps.Notifier,
		verifier:      deps.Verifier,
		cfg:           cfg,
		logger:        logger,
		root:          root,
		cancel:        cancel,
		newID:         func() string { return uuid.NewString()[:shortIDLength] },
		runsStarted:   started,
		runsFinished:  finished,
		runsActive:    active,
		whatIfStarted: whatIfs,
	}
	if cfg.MaxConcurrentRuns > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns))
	}
	return s
}

// Start runs the sweeper until ctx is cancelled. Call it in a goroutine from
// main:
//
//	go svc.Start(ctx)
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("worker: starting",
		"max_concurrent_runs", s.cfg.MaxConcurrentRuns,
		"sweep_interval", s.cfg.SweepInterval,
		"stream_retention", s.cfg.StreamRetention,
	)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("worker: sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce drops finished channels nobody drained within the retention
// window.
func (s *Service) sweepOnce() int {
	n := s.streams.Sweep(s.cfg.StreamRetention)
	if n > 0 {
		s.logger.Info("worker: swept abandoned streams", "count", n, "live", s.streams.Len())
	}
	return n
}

// Shutdown stops accepting work and waits for in-flight runs. If ctx expires
// first, running generation calls are cancelled and ctx's error is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("worker: all runs drained")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("worker: shutdown: %w", ctx.Err())
	}
}

// begin reserves a slot in the WaitGroup unless the service is closing.
func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// ─── START ────────────────────────────────────────────────────────────────────

// StartRun validates cfg, allocates a run id, registers its stream and
// launches the pipeline in the background. Invalid configs are rejected
// before any id is allocated.
func (s *Service) StartRun(ctx context.Context, cfg pipeline.RunConfig) (string, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if !s.begin() {
		return "", ErrShuttingDown
	}
	launched := false
	defer func() {
		if !launched {
			s.wg.Done()
		}
	}()

	id, err := s.register(func() string { return s.newID() }, func(id string) bool {
		_, exists := s.ledger.Get(id)
		return exists
	})
	if err != nil {
		return "", err
	}

	log := s.logger.With("run_id", id)
	now := time.Now().UTC()
	s.ledger.Put(ledger.NewRecord(id, cfg, now))
	s.persistStart(log, id, cfg, now)

	s.runsStarted.Add(ctx, 1)
	log.Info("worker: run accepted",
		"country", cfg.Country,
		"scope", cfg.Scope,
		"horizon", cfg.Horizon,
		"signal_count", cfg.SignalCount,
	)

	launched = true
	go func() {
		defer s.wg.Done()
		s.runJob(id, cfg, log)
	}()
	return id, nil
}

// StartWhatIf launches a what-if scenario against a completed run. It
// returns the scenario id and the stream key to attach to.
func (s *Service) StartWhatIf(ctx context.Context, runID, scenario string) (scenarioID, streamKey string, err error) {
	if scenario == "" {
		return "", "", ErrInvalidScenario
	}

	run, err := s.getStored(ctx, runID)
	if err != nil || run.Status != string(ledger.StatusCompleted) || len(run.FinalData) == 0 {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("worker: could not load run for what-if", "run_id", runID, "error", err)
		}
		return "", "", ErrNotCompleted
	}

	var cfg pipeline.RunConfig
	if err := json.Unmarshal(run.Config, &cfg); err != nil {
		s.logger.Warn("worker: stored run config unreadable", "run_id", runID, "error", err)
		return "", "", ErrNotCompleted
	}

	if !s.begin() {
		return "", "", ErrShuttingDown
	}
	launched := false
	defer func() {
		if !launched {
			s.wg.Done()
		}
	}()

	streamKey, err = s.register(func() string {
		scenarioID = s.newID()
		return runID + whatIfInfix + scenarioID
	}, nil)
	if err != nil {
		return "", "", err
	}

	log := s.logger.With("run_id", runID, "stream_key", streamKey)
	s.whatIfStarted.Add(ctx, 1)
	log.Info("worker: what-if accepted", "scenario", truncate(scenario, 80))

	job := whatIfJob{
		runID:      runID,
		scenarioID: scenarioID,
		streamKey:  streamKey,
		cfg:        cfg,
		prior:      run.FinalData,
		scenario:   scenario,
	}
	launched = true
	go func() {
		defer s.wg.Done()
		s.runWhatIf(job, log)
	}()
	return scenarioID, streamKey, nil
}

// register allocates a fresh key and registers its channel. taken, when set,
// rejects keys already used outside the registry.
func (s *Service) register(next func() string, taken func(string) bool) (string, error) {
	for range maxIDAttempts {
		key := next()
		if taken != nil && taken(key) {
			continue
		}
		_, err := s.streams.Register(key)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, stream.ErrExists) {
			return "", fmt.Errorf("worker: register stream: %w", err)
		}
	}
	return "", errors.New("worker: could not allocate a unique id")
}

// acquire takes a run slot, blocking until one is free or the service shuts
// down.
func (s *Service) acquire(log *slog.Logger) (release func(), err error) {
	if s.sem == nil {
		return func() {}, nil
	}
	if !s.sem.TryAcquire(1) {
		log.Info("worker: waiting for a run slot", "max", s.cfg.MaxConcurrentRuns)
		if err := s.sem.Acquire(s.root, 1); err != nil {
			return nil, ErrShuttingDown
		}
	}
	return func() { s.sem.Release(1) }, nil
}

// emitter pushes events into key's channel. A missing channel means the run
// was deleted; its events are dropped.
func (s *Service) emitter(key string, log *slog.Logger) pipeline.Emitter {
	return func(e pipeline.Event) {
		if err := s.streams.Push(key, e); err != nil {
			log.Debug("worker: event dropped", "type", e.Type, "error", err)
		}
	}
}

// closeStream pushes the sentinel onto key's channel.
func (s *Service) closeStream(key string, log *slog.Logger) {
	if err := s.streams.Close(key); err != nil && !errors.Is(err, stream.ErrNotFound) {
		log.Warn("worker: close stream failed", "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
