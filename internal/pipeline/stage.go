package pipeline

import (
	"context"
	"time"

	"github.com/nyashahama/early-warning-analyst-backend/internal/ai"
	"github.com/nyashahama/early-warning-analyst-backend/internal/extract"
)

// Stage names one step of the pipeline. The string value is the wire name.
type Stage string

const (
	StageContext        Stage = "context"
	StageSignalHunter   Stage = "signal_hunter"
	StageCorroboration  Stage = "corroboration"
	StageDevilsAdvocate Stage = "devils_advocate"
	StageSynthesis      Stage = "synthesis"
	StageWhatIf         Stage = "what_if"
)

// Stages is the fixed run order. StageWhatIf is not part of a run.
var Stages = []Stage{
	StageContext,
	StageSignalHunter,
	StageCorroboration,
	StageDevilsAdvocate,
	StageSynthesis,
}

// Known reports whether s is one of the defined stages.
func (s Stage) Known() bool {
	switch s {
	case StageContext, StageSignalHunter, StageCorroboration,
		StageDevilsAdvocate, StageSynthesis, StageWhatIf:
		return true
	}
	return false
}

// Status is the progress verb shown while the stage runs.
func (s Stage) Status() string {
	switch s {
	case StageContext:
		return "searching"
	case StageSignalHunter:
		return "hunting"
	case StageCorroboration:
		return "cross-validating"
	case StageDevilsAdvocate:
		return "challenging"
	case StageSynthesis:
		return "synthesizing"
	case StageWhatIf:
		return "simulating"
	}
	return "running"
}

// Searches reports whether the stage may use web search. The two reasoning
// stages work only from what earlier stages found.
func (s Stage) Searches() bool {
	switch s {
	case StageContext, StageSignalHunter, StageCorroboration, StageWhatIf:
		return true
	}
	return false
}

// StageResult is everything a stage produced.
type StageResult struct {
	Raw     string
	Value   extract.Value
	Elapsed time.Duration
	Chars   int
}

// RunStage performs one generation call for stage, forwarding every fragment
// as a stage_chunk event in arrival order, then extracts a structured value
// from the full text. Generation errors are returned unchanged; extraction
// failure is not an error.
//
// RunStage does not emit stage_start or stage_complete. The Sequencer owns
// those so that stage_complete carries the normalised value.
func RunStage(
	ctx context.Context,
	gen ai.Generator,
	ex *extract.Extractor,
	emit Emitter,
	stage Stage,
	system, user string,
	allowSearch bool,
) (StageResult, error) {
	start := time.Now()

	raw, err := gen.Generate(ctx, ai.Request{
		System:      system,
		User:        user,
		AllowSearch: allowSearch,
	}, func(chunk string) {
		emit(stageChunk(stage, chunk))
	})
	if err != nil {
		return StageResult{Raw: raw, Elapsed: time.Since(start), Chars: len(raw)}, err
	}

	return StageResult{
		Raw:     raw,
		Value:   ex.Extract(raw),
		Elapsed: time.Since(start),
		Chars:   len(raw),
	}, nil
}
