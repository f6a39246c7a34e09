package ledger_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/early-warning-analyst-backend/internal/ledger"
	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
)

func cfg(country string) pipeline.RunConfig {
	c := pipeline.RunConfig{Country: country}
	c.Normalize()
	return c
}

func TestLedger_Lifecycle(t *testing.T) {
	l := ledger.New()
	l.Put(ledger.NewRecord("r1", cfg("Lanka"), time.Now()))

	rec, ok := l.Get("r1")
	require.True(t, ok, "record not found")
	assert.Equal(t, ledger.StatusRunning, rec.Status)
	assert.Equal(t, "Lanka", rec.Country)
	assert.Equal(t, pipeline.DefaultHorizon, rec.Horizon)
	assert.Len(t, rec.Domains, len(pipeline.DefaultDomains))

	l.Complete("r1", map[string]any{"headline": "calm"})
	rec, _ = l.Get("r1")
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.Assessment)

	l.Delete("r1")
	_, ok = l.Get("r1")
	assert.False(t, ok, "record should be gone after Delete")
}

func TestLedger_FailAndUnknownIDs(t *testing.T) {
	l := ledger.New()
	l.Put(ledger.NewRecord("r1", cfg("A"), time.Now()))
	l.Fail("r1")
	l.Fail("missing")
	l.Complete("missing", nil)

	rec, _ := l.Get("r1")
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Len(t, l.List(), 1, "unknown ids must not create records")
}

func TestLedger_ListNewestFirst(t *testing.T) {
	l := ledger.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Put(ledger.NewRecord("old", cfg("A"), base))
	l.Put(ledger.NewRecord("new", cfg("B"), base.Add(2*time.Hour)))
	l.Put(ledger.NewRecord("mid", cfg("C"), base.Add(time.Hour)))

	var ids []string
	for _, rec := range l.List() {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
}

func TestLedger_RecordDoesNotAliasConfig(t *testing.T) {
	c := cfg("A")
	rec := ledger.NewRecord("r1", c, time.Now())
	c.Domains[0] = "mutated"
	assert.NotEqual(t, "mutated", rec.Domains[0], "record shares the config's domains slice")
}

func TestLedger_ConcurrentUpdates(t *testing.T) {
	l := ledger.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			l.Put(ledger.NewRecord(id, cfg("X"), time.Now()))
			if i%2 == 0 {
				l.Complete(id, nil)
			} else {
				l.Fail(id)
			}
			_ = l.List()
		}(i)
	}
	wg.Wait()

	assert.Len(t, l.List(), 50)
}
