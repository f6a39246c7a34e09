// Package ledger keeps an in-memory record of every run started by this
// process, for history listing. It is a best-effort mirror: the durable store
// is the source of truth, and the ledger is lost on restart.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one run's metadata. The config fields are flattened so history
// listings need no second lookup.
type Record struct {
	ID             string         `json:"id"`
	Country        string         `json:"country"`
	Scope          pipeline.Scope `json:"scope"`
	DepartmentName string         `json:"department_name,omitempty"`
	Horizon        int            `json:"horizon"`
	Domains        []string       `json:"domains"`
	SignalCount    int            `json:"signal_count"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	Assessment     any            `json:"assessment,omitempty"`
}

// NewRecord builds a running record for cfg.
func NewRecord(id string, cfg pipeline.RunConfig, createdAt time.Time) Record {
	return Record{
		ID:             id,
		Country:        cfg.Country,
		Scope:          cfg.Scope,
		DepartmentName: cfg.DepartmentName,
		Horizon:        cfg.Horizon,
		Domains:        append([]string(nil), cfg.Domains...),
		SignalCount:    cfg.SignalCount,
		Status:         StatusRunning,
		CreatedAt:      createdAt,
	}
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Ledger is safe for concurrent use. Every mutation touches one key.
type Ledger struct {
	entries sync.Map // id → *entry
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{}
}

// Put inserts or replaces rec.
func (l *Ledger) Put(rec Record) {
	l.entries.Store(rec.ID, &entry{rec: rec})
}

// Complete marks id completed and stores the assessment. Unknown ids are
// ignored.
func (l *Ledger) Complete(id string, assessment any) {
	l.update(id, func(r *Record) {
		r.Status = StatusCompleted
		r.Assessment = assessment
	})
}

// Fail marks id failed. Unknown ids are ignored.
func (l *Ledger) Fail(id string) {
	l.update(id, func(r *Record) {
		r.Status = StatusFailed
	})
}

func (l *Ledger) update(id string, fn func(*Record)) {
	v, ok := l.entries.Load(id)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	fn(&e.rec)
	e.mu.Unlock()
}

// Get returns a copy of id's record.
func (l *Ledger) Get(id string) (Record, bool) {
	v, ok := l.entries.Load(id)
	if !ok {
		return Record{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Delete removes id.
func (l *Ledger) Delete(id string) {
	l.entries.Delete(id)
}

// List returns every record, newest first.
func (l *Ledger) List() []Record {
	var out []Record
	l.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
		return true
	})
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders records by CreatedAt descending, then by id for a
// stable order among equal timestamps.
func SortNewestFirst(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
