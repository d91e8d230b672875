package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finance-ingest/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry()
	r.now = clk.now
	return r, clk
}

func TestRecord_Counters(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Start("imp-1", "user-1")
	s.AddTotal(6)

	s.Record(model.FileOutcome{JobID: "a", Outcome: model.OutcomeSucceeded})
	s.Record(model.FileOutcome{JobID: "b", Outcome: model.OutcomeUnallocated})
	s.Record(model.FileOutcome{JobID: "c", Outcome: model.OutcomeDuplicate})
	s.Record(model.FileOutcome{JobID: "d", Outcome: model.OutcomeFailed})
	s.Record(model.FileOutcome{JobID: "e", Outcome: model.OutcomeResumed})

	c := s.Counters()
	assert.Equal(t, Counters{Total: 6, Processed: 5, Succeeded: 2, Unallocated: 1, Failed: 1, Duplicates: 1}, c)
	assert.Equal(t, 1, c.Remaining())

	outcomes := s.Outcomes()
	require.Len(t, outcomes, 5)
	assert.Equal(t, "imp-1", outcomes[0].ImportID)
	assert.False(t, outcomes[0].At.IsZero())
}

func TestRecord_ReplacesRetriedJob(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Start("imp-1", "")
	s.AddTotal(1)

	s.Record(model.FileOutcome{JobID: "a", Outcome: model.OutcomeFailed, Message: "timeout"})
	s.Record(model.FileOutcome{JobID: "a", Outcome: model.OutcomeSucceeded})

	c := s.Counters()
	assert.Equal(t, 1, c.Processed)
	assert.Equal(t, 1, c.Succeeded)
	assert.Zero(t, c.Failed)
	assert.Len(t, s.Outcomes(), 1)
}

func TestSkippedNotProcessed(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Start("imp-1", "")
	s.AddTotal(2)
	s.Record(model.FileOutcome{FileName: "x.pdf", Outcome: model.OutcomeSkipped})
	s.Record(model.FileOutcome{FileName: "y.pdf", Outcome: model.OutcomeSkipped})

	c := s.Counters()
	assert.Equal(t, 2, c.Skipped)
	assert.Zero(t, c.Processed)
	assert.Zero(t, c.Remaining())
	assert.Len(t, s.Outcomes(), 2, "outcomes without a job id are all kept")
}

func TestSnapshot_Percent(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Start("imp-1", "")
	s.AddTotal(4)

	s.Progress("a", 50)
	s.Progress("b", 25)
	s.Progress("b", 10) // never moves backwards
	s.Record(model.FileOutcome{JobID: "c", Outcome: model.OutcomeSucceeded})

	snap := s.Snapshot()
	assert.Equal(t, (50+25+100)/4, snap.Percent)
	assert.False(t, snap.Finished)

	assert.True(t, s.Finish())
	assert.False(t, s.Finish(), "second finish is a no-op")
	snap = s.Snapshot()
	assert.Equal(t, 100, snap.Percent)
	assert.True(t, snap.Finished)
	require.NotNil(t, snap.FinishedAt)
}

func TestEnsureTotalAndDone(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Start("imp-1", "")
	assert.False(t, s.Done())

	s.EnsureTotal(2)
	s.EnsureTotal(5)
	assert.Equal(t, 2, s.Counters().Total)

	s.Record(model.FileOutcome{JobID: "a", Outcome: model.OutcomeSucceeded})
	assert.False(t, s.Done())
	s.Record(model.FileOutcome{JobID: "b", Outcome: model.OutcomeFailed})
	assert.True(t, s.Done())
}

func TestProgress_Clamped(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Start("imp-1", "")
	s.AddTotal(1)
	s.Progress("a", 250)
	assert.Equal(t, 100, s.Snapshot().Percent)
}

func TestRegistry_StartIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	a := r.Start("imp-1", "u")
	b := r.Start("imp-1", "other")
	assert.Same(t, a, b)
	assert.Equal(t, "u", b.UserID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Cancel(t *testing.T) {
	r, _ := newTestRegistry()
	assert.False(t, r.Cancel("missing"))

	s := r.Start("imp-1", "")
	assert.False(t, s.Cancelled())
	assert.True(t, r.Cancel("imp-1"))
	assert.True(t, s.Cancelled())
	assert.True(t, s.Snapshot().Cancelled)
}

func TestRegistry_GC(t *testing.T) {
	r, clk := newTestRegistry()
	old := r.Start("old", "")
	old.AddTotal(1)

	clk.advance(45 * time.Minute)
	fresh := r.Start("fresh", "")
	fresh.AddTotal(1)

	clk.advance(30 * time.Minute)
	assert.Equal(t, 1, r.GC(time.Hour))

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}

func TestConcurrentRecord(t *testing.T) {
	r, _ := newTestRegistry()
	s := r.Start("imp-1", "")
	s.AddTotal(100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Record(model.FileOutcome{Outcome: model.OutcomeSucceeded})
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, s.Counters().Succeeded)
}
