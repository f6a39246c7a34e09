// Package store persists run documents and what-if results.
//
// DocStore is a small document-store contract keyed by run id. Backends:
// SQL (Postgres through lib/pq or pgx, SQLite through modernc.org/sqlite),
// S3-compatible object storage through minio-go, and an in-process map. A
// read-through LRU cache can wrap any of them.
//
// Dependency rule: store imports no other internal package. Run configs and
// results travel as raw JSON.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no document exists for an id.
var ErrNotFound = errors.New("store: not found")

// Run is the durable document for one run.
type Run struct {
	ID         string          `json:"id"`
	Config     json.RawMessage `json:"config,omitempty"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinalData  json.RawMessage `json:"final_data,omitempty"`
	Assessment json.RawMessage `json:"assessment,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RunUpdate changes selected fields of a stored run. Zero-valued fields are
// left unchanged.
type RunUpdate struct {
	Status     string
	FinalData  json.RawMessage
	Assessment json.RawMessage
	Error      string
}

// WhatIf is a what-if result stored under its parent run.
type WhatIf struct {
	RunID      string          `json:"run_id"`
	ScenarioID string          `json:"scenario_id"`
	Scenario   string          `json:"scenario"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DocStore is implemented by every backend. Implementations must be safe for
// concurrent use.
type DocStore interface {
	// Put writes run. With merge set, fields that are zero in run keep their
	// stored values and CreatedAt is preserved; otherwise run replaces the
	// stored document.
	Put(ctx context.Context, run Run, merge bool) error

	// Update applies u to the stored run. ErrNotFound if id is unknown.
	Update(ctx context.Context, id string, u RunUpdate) error

	// Get returns the stored run. ErrNotFound if id is unknown.
	Get(ctx context.Context, id string) (Run, error)

	// Delete removes the run and its what-if results. ErrNotFound if id is
	// unknown.
	Delete(ctx context.Context, id string) error

	// List returns at most limit runs, newest first, without FinalData.
	List(ctx context.Context, limit int) ([]Run, error)

	// PutWhatIf stores one what-if result.
	PutWhatIf(ctx context.Context, w WhatIf) error

	// ListWhatIfs returns the what-if results of one run, oldest first.
	ListWhatIfs(ctx context.Context, runID string) ([]WhatIf, error)
}

// mergeRun overlays the non-zero fields of next onto prev.
func mergeRun(prev, next Run) Run {
	out := prev
	if len(next.Config) > 0 {
		out.Config = next.Config
	}
	if next.Status != "" {
		out.Status = next.Status
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = next.CreatedAt
	}
	if !next.UpdatedAt.IsZero() {
		out.UpdatedAt = next.UpdatedAt
	}
	if len(next.FinalData) > 0 {
		out.FinalData = next.FinalData
	}
	if len(next.Assessment) > 0 {
		out.Assessment = next.Assessment
	}
	if next.Error != "" {
		out.Error = next.Error
	}
	return out
}

// applyUpdate applies u to r.
func applyUpdate(r Run, u RunUpdate, now time.Time) Run {
	if u.Status != "" {
		r.Status = u.Status
	}
	if len(u.FinalData) > 0 {
		r.FinalData = u.FinalData
	}
	if len(u.Assessment) > 0 {
		r.Assessment = u.Assessment
	}
	if u.Error != "" {
		r.Error = u.Error
	}
	r.UpdatedAt = now
	return r
}

// summary strips the heavy payload for listings.
func summary(r Run) Run {
	r.FinalData = nil
	return r
}
