package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the DocStore kept in process memory. It backs local
// development and tests; contents are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]Run
	whatIfs map[string][]WhatIf
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]Run),
		whatIfs: make(map[string][]WhatIf),
	}
}

func (m *MemoryStore) Put(_ context.Context, run Run, merge bool) error {
	now := time.Now().UTC()
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.runs[run.ID]; ok && merge {
		run = mergeRun(prev, run)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, u RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	m.runs[id] = applyUpdate(r, u, time.Now().UTC())
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return ErrNotFound
	}
	delete(m.runs, id)
	delete(m.whatIfs, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Run, error) {
	m.mu.RLock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, summary(r))
	}
	m.mu.RUnlock()

	sortRunsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PutWhatIf(_ context.Context, w WhatIf) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.whatIfs[w.RunID]
	for i := range list {
		if list[i].ScenarioID == w.ScenarioID {
			list[i] = w
			return nil
		}
	}
	m.whatIfs[w.RunID] = append(list, w)
	return nil
}

func (m *MemoryStore) ListWhatIfs(_ context.Context, runID string) ([]WhatIf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]WhatIf(nil), m.whatIfs[runID]...)
	sortWhatIfsOldestFirst(out)
	return out, nil
}

func sortWhatIfsOldestFirst(ws []WhatIf) {
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].ScenarioID < ws[j].ScenarioID
	})
}

func sortRunsNewestFirst(runs []Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
