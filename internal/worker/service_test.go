package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
	"github.com/nyashahama/early-warning-analyst-backend/internal/extract"
	"github.com/nyashahama/early-warning-analyst-backend/internal/ledger"
	"github.com/nyashahama/early-warning-analyst-backend/internal/notify"
	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
	"github.com/nyashahama/early-warning-analyst-backend/internal/store"
	"github.com/nyashahama/early-warning-analyst-backend/internal/stream"
)

// ─── STUBS ────────────────────────────────────────────────────────────────────

type stubPipeline struct {
	fail    bool
	panics  bool
	block   chan struct{} // Run waits on it after its first event when set
	started chan struct{} // receives once per Run after the first event

	active    atomic.Int32
	maxActive atomic.Int32
}

func (p *stubPipeline) Run(ctx context.Context, runID string, cfg pipeline.RunConfig, emit pipeline.Emitter) (*pipeline.Aggregate, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		m := p.maxActive.Load()
		if n <= m || p.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if p.panics {
		panic("boom")
	}
	emit(pipeline.Event{Type: pipeline.EventStageStart, Stage: pipeline.StageContext})
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			emit(pipeline.ErrorEvent(pipeline.StageContext, ctx.Err().Error()))
			return nil, &pipeline.StageError{Stage: pipeline.StageContext, Err: ctx.Err()}
		}
	}
	if p.fail {
		err := errors.New("upstream 529")
		emit(pipeline.ErrorEvent(pipeline.StageContext, err.Error()))
		return nil, &pipeline.StageError{Stage: pipeline.StageContext, Err: err}
	}

	agg := &pipeline.Aggregate{Config: cfg}
	agg.Stages.Synthesis = extract.Object(map[string]any{
		"overall_assessment": map[string]any{
			"headline":   "Rising strain",
			"risk_level": "elevated",
		},
	})
	emit(pipeline.RunComplete(agg))
	return agg, nil
}

func (p *stubPipeline) WhatIf(_ context.Context, _ string, _ pipeline.RunConfig, prior json.RawMessage, scenario string, emit pipeline.Emitter) (extract.Value, error) {
	if len(prior) == 0 {
		return extract.Value{}, errors.New("no prior")
	}
	val := extract.Object(map[string]any{"scenario": scenario, "impact": "high"})
	emit(pipeline.Event{Type: pipeline.EventStageStart, Stage: pipeline.StageWhatIf})
	emit(pipeline.StoredStageComplete(pipeline.StageWhatIf, val.Any()))
	return val, nil
}

// failingStore accepts no writes.
type failingStore struct {
	store.DocStore
	writes atomic.Int32
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) Put(context.Context, store.Run, bool) error {
	s.writes.Add(1)
	return errStoreDown
}

func (s *failingStore) Update(context.Context, string, store.RunUpdate) error {
	s.writes.Add(1)
	return errStoreDown
}

func (s *failingStore) PutWhatIf(context.Context, store.WhatIf) error {
	s.writes.Add(1)
	return errStoreDown
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []notify.RunCompletedParams
	failed    []notify.RunFailedParams
}

func (n *recordingNotifier) RunCompleted(_ context.Context, p notify.RunCompletedParams) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, p)
	return nil
}

func (n *recordingNotifier) RunFailed(_ context.Context, p notify.RunFailedParams) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, p)
	return nil
}

type fixture struct {
	svc      *Service
	pipe     *stubPipeline
	store    *store.MemoryStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T, pipe *stubPipeline, cfg Config, verifier *auth.Verifier) *fixture {
	t.Helper()
	st := store.NewMemory()
	n := &recordingNotifier{}
	svc := newService(t, Deps{
		Pipeline: pipe,
		Store:    st,
		Notifier: n,
		Verifier: verifier,
	}, cfg)
	return &fixture{svc: svc, pipe: pipe, store: st, notifier: n}
}

func newService(t *testing.T, deps Deps, cfg Config) *Service {
	t.Helper()
	svc := New(deps, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func validConfig() pipeline.RunConfig {
	return pipeline.RunConfig{Country: "Chad", Horizon: 5, SignalCount: 20}
}

func collect(t *testing.T, svc *Service, id string) []pipeline.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []pipeline.Event
	err := svc.Attach(ctx, id, func(e pipeline.Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err, "Attach(%s)", id)
	require.NotEmpty(t, events, "Attach(%s) delivered nothing", id)
	return events
}

// ─── TESTS ────────────────────────────────────────────────────────────────────

func TestStartRun_Completes(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{}, nil)
	ctx := context.Background()

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	assert.Len(t, id, shortIDLength)

	events := collect(t, f.svc, id)
	require.Len(t, events, 2)
	assert.Equal(t, pipeline.EventRunComplete, events[1].Type)

	run, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusCompleted), run.Status)
	assert.NotEmpty(t, run.FinalData, "final data stored")
	assert.NotEmpty(t, run.Assessment, "assessment stored")

	rec, ok := f.svc.ledger.Get(id)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)

	require.Len(t, f.notifier.completed, 1)
	got := f.notifier.completed[0]
	assert.Equal(t, "Rising strain", got.Headline)
	assert.Equal(t, "elevated", got.OverallRisk)
	assert.Equal(t, "Chad", got.Country)
}

func TestStartRun_StoreFailuresDoNotAffectRun(t *testing.T) {
	st := &failingStore{DocStore: store.NewMemory()}
	n := &recordingNotifier{}
	svc := newService(t, Deps{Pipeline: &stubPipeline{}, Store: st, Notifier: n}, Config{})

	id, err := svc.StartRun(context.Background(), validConfig())
	require.NoError(t, err, "store write failures must not fail the start")

	events := collect(t, svc, id)
	assert.Equal(t, pipeline.EventRunComplete, events[len(events)-1].Type)
	for _, e := range events {
		assert.NotEqual(t, pipeline.EventError, e.Type, "unexpected error event: %+v", e)
	}

	rec, ok := svc.ledger.Get(id)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Positive(t, st.writes.Load(), "the run should have attempted store writes")
	assert.Len(t, n.completed, 1)
}

func TestStartRun_InvalidConfig(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{}, nil)

	_, err := f.svc.StartRun(context.Background(), pipeline.RunConfig{Horizon: 50})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Zero(t, f.svc.streams.Len(), "invalid config registered a stream")
}

func TestStartRun_StageFailure(t *testing.T) {
	f := newFixture(t, &stubPipeline{fail: true}, Config{}, nil)
	ctx := context.Background()

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)

	events := collect(t, f.svc, id)
	last := events[len(events)-1]
	assert.Equal(t, pipeline.EventError, last.Type)
	assert.Equal(t, pipeline.StageContext, last.Stage)

	run, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusFailed), run.Status)
	assert.Contains(t, run.Error, "upstream 529")

	require.Len(t, f.notifier.failed, 1)
	assert.Equal(t, "context", f.notifier.failed[0].Stage)
}

func TestStartRun_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t, &stubPipeline{panics: true}, Config{}, nil)

	id, err := f.svc.StartRun(context.Background(), validConfig())
	require.NoError(t, err)

	events := collect(t, f.svc, id)
	require.Len(t, events, 1)
	assert.Equal(t, pipeline.EventError, events[0].Type)
	assert.Equal(t, internalErrorMessage, events[0].Message)

	rec, _ := f.svc.ledger.Get(id)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
}

func TestStartRun_RetriesIDCollision(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{}, nil)
	ids := []string{"aaaaaaaa", "aaaaaaaa", "bbbbbbbb"}
	var i int
	f.svc.newID = func() string {
		id := ids[i]
		i++
		return id
	}

	first, err := f.svc.StartRun(context.Background(), validConfig())
	require.NoError(t, err)
	second, err := f.svc.StartRun(context.Background(), validConfig())
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa", first)
	assert.Equal(t, "bbbbbbbb", second)
}

func TestAttach_ReplaysFromStore(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{}, nil)

	id, err := f.svc.StartRun(context.Background(), validConfig())
	require.NoError(t, err)
	collect(t, f.svc, id)

	// The live channel is gone; the second attach replays the stored result.
	events := collect(t, f.svc, id)
	require.Len(t, events, 1)
	assert.Equal(t, pipeline.EventRunComplete, events[0].Type)
	assert.IsType(t, json.RawMessage{}, events[0].Data)
}

func TestAttach_Unknown(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{}, nil)

	err := f.svc.Attach(context.Background(), "nope", func(pipeline.Event) error { return nil })
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestAttach_SecondConsumerBusy(t *testing.T) {
	pipe := &stubPipeline{block: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, pipe, Config{}, nil)

	id, err := f.svc.StartRun(context.Background(), validConfig())
	require.NoError(t, err)
	<-pipe.started

	first := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		var once sync.Once
		done <- f.svc.Attach(context.Background(), id, func(pipeline.Event) error {
			once.Do(func() { close(first) })
			return nil
		})
	}()
	<-first

	err = f.svc.Attach(context.Background(), id, func(pipeline.Event) error { return nil })
	assert.ErrorIs(t, err, stream.ErrBusy, "second Attach")

	close(pipe.block)
	assert.NoError(t, <-done, "first Attach")
}

func TestWhatIf(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{}, nil)
	ctx := context.Background()

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	collect(t, f.svc, id)

	sid, key, err := f.svc.StartWhatIf(ctx, id, "Fuel subsidy removed")
	require.NoError(t, err)
	assert.Equal(t, id+"_whatif_"+sid, key)

	attach := func() []pipeline.Event {
		var events []pipeline.Event
		err := f.svc.AttachWhatIf(ctx, id, key, func(e pipeline.Event) error {
			events = append(events, e)
			return nil
		})
		require.NoError(t, err)
		require.NotEmpty(t, events)
		return events
	}

	live := attach()
	last := live[len(live)-1]
	assert.Equal(t, pipeline.EventStageComplete, last.Type)
	assert.Equal(t, pipeline.StageWhatIf, last.Stage)

	stored, err := f.store.ListWhatIfs(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Fuel subsidy removed", stored[0].Scenario)

	replayed := attach()
	require.Len(t, replayed, 1)
	assert.Equal(t, pipeline.EventStageComplete, replayed[0].Type)

	doc, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, doc.WhatIfs, 1)
}

func TestWhatIf_Rejections(t *testing.T) {
	pipe := &stubPipeline{block: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, pipe, Config{}, nil)
	ctx := context.Background()

	_, _, err := f.svc.StartWhatIf(ctx, "x", "")
	assert.ErrorIs(t, err, ErrInvalidScenario, "empty scenario")
	_, _, err = f.svc.StartWhatIf(ctx, "missing", "s")
	assert.ErrorIs(t, err, ErrNotCompleted, "unknown run")

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	<-pipe.started
	_, _, err = f.svc.StartWhatIf(ctx, id, "s")
	assert.ErrorIs(t, err, ErrNotCompleted, "running run")
	close(pipe.block)

	err = f.svc.AttachWhatIf(ctx, id, "other_whatif_x", func(pipeline.Event) error { return nil })
	assert.ErrorIs(t, err, ErrStreamNotFound, "foreign key")
}

func TestDelete(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	f := newFixture(t, &stubPipeline{}, Config{}, auth.NewVerifier(hash, ""))
	ctx := context.Background()

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	collect(t, f.svc, id)

	require.ErrorIs(t, f.svc.Delete(ctx, id, auth.Credential{Password: "wrong"}), ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, id, auth.Credential{Password: "s3cret"}))

	_, err = f.svc.Get(ctx, id)
	assert.ErrorIs(t, err, ErrRunNotFound, "Get after delete")
	assert.ErrorIs(t, f.svc.Delete(ctx, id, auth.Credential{Password: "s3cret"}), ErrRunNotFound, "second Delete")
}

func TestDelete_DisabledVerifierRefuses(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{}, nil)

	err := f.svc.Delete(context.Background(), "any", auth.Credential{Password: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDelete_RunningRunIsNotWrittenBack(t *testing.T) {
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	pipe := &stubPipeline{block: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, pipe, Config{}, auth.NewVerifier(hash, ""))
	ctx := context.Background()

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	<-pipe.started
	require.NoError(t, f.svc.Delete(ctx, id, auth.Credential{Password: "pw"}))
	close(pipe.block)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(shutdownCtx))

	_, err = f.store.Get(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound, "deleted run reappeared in store")
}

func TestListRuns_MergesStoreAndLedger(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{}, nil)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, f.store.Put(ctx, store.Run{
		ID:         "old00001",
		Config:     json.RawMessage(`{"country":"Mali","horizon":3}`),
		Status:     "completed",
		CreatedAt:  old,
		Assessment: json.RawMessage(`{"risk_level":"low"}`),
	}, false))

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	collect(t, f.svc, id)

	runs := f.svc.ListRuns(ctx)
	require.Len(t, runs, 2)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, "old00001", runs[1].ID)
	assert.Equal(t, "Mali", runs[1].Country)
	assert.Equal(t, 3, runs[1].Horizon)
	assert.Equal(t, pipeline.ScopeNational, runs[1].Scope)
	assert.NotNil(t, runs[1].Assessment, "stored assessment dropped")
}

func TestMaxConcurrentRuns(t *testing.T) {
	pipe := &stubPipeline{block: make(chan struct{}), started: make(chan struct{}, 2)}
	f := newFixture(t, pipe, Config{MaxConcurrentRuns: 1}, nil)
	ctx := context.Background()

	a, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	b, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	<-pipe.started
	close(pipe.block)

	collect(t, f.svc, a)
	collect(t, f.svc, b)
	assert.EqualValues(t, 1, pipe.maxActive.Load(), "max concurrent runs")
}

func TestSweepOnce(t *testing.T) {
	f := newFixture(t, &stubPipeline{}, Config{StreamRetention: time.Nanosecond}, nil)
	ctx := context.Background()

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ch, ok := f.svc.streams.Lookup(id)
		return ok && ch.Closed()
	}, 2*time.Second, 5*time.Millisecond, "run never finished")
	time.Sleep(time.Millisecond)

	require.Equal(t, 1, f.svc.sweepOnce(), "swept channels")

	// The result is still reachable through the store.
	events := collect(t, f.svc, id)
	assert.Equal(t, pipeline.EventRunComplete, events[0].Type, "replay after sweep")
}

func TestShutdown(t *testing.T) {
	pipe := &stubPipeline{block: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, pipe, Config{}, nil)
	ctx := context.Background()

	id, err := f.svc.StartRun(ctx, validConfig())
	require.NoError(t, err)
	<-pipe.started

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.svc.Shutdown(short), context.DeadlineExceeded)

	_, err = f.svc.StartRun(ctx, validConfig())
	assert.ErrorIs(t, err, ErrShuttingDown, "StartRun after shutdown")

	// The cancelled run still reaches a terminal state.
	events := collect(t, f.svc, id)
	assert.Equal(t, pipeline.EventError, events[len(events)-1].Type)
}
