// Package notify tells an operator when a run finishes. Delivery is best
// effort: callers log failures and carry on.
package notify

import "context"

// RunCompletedParams describes a finished run for the completion email.
type RunCompletedParams struct {
	RunID       string
	Country     string
	Horizon     int
	OverallRisk string // synthesis overall_assessment.overall_risk; may be empty
	Headline    string // synthesis overall_assessment.headline; may be empty
	SignalCount int    // scored signals in the synthesis
	HighestBand string // most severe risk band among scored signals
}

// RunFailedParams describes a failed run.
type RunFailedParams struct {
	RunID   string
	Country string
	Stage   string // stage that failed; empty when the failure was outside a stage
	Error   string
}

// Sender is the interface the run service uses to notify. Tests inject a stub
// that records calls without hitting the network.
type Sender interface {
	RunCompleted(ctx context.Context, p RunCompletedParams) error
	RunFailed(ctx context.Context, p RunFailedParams) error
}

// Nop discards every notification. Used when no mail provider is configured.
type Nop struct{}

func (Nop) RunCompleted(context.Context, RunCompletedParams) error { return nil }
func (Nop) RunFailed(context.Context, RunFailedParams) error { return nil }
