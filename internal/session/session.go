// Package session tracks the per-file outcomes of running imports so that
// callers can poll progress and request cancellation.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Counters summarize the outcomes recorded on a session.
type Counters struct {
	Total       int `json:"total"`
	Processed   int `json:"processed"`
	Succeeded   int `json:"succeeded"`
	Unallocated int `json:"unallocated"`
	Failed      int `json:"failed"`
	Duplicates  int `json:"duplicates"`
	Skipped     int `json:"skipped"`
}

// Remaining is the number of files not yet recorded.
func (c Counters) Remaining() int {
	if n := c.Total - c.Processed - c.Skipped; n > 0 {
		return n
	}
	return 0
}

// Session is one import: a batch of files uploaded together.
type Session struct {
	ID     string
	UserID string

	mu         sync.Mutex
	outcomes   []model.FileOutcome
	byJob      map[string]int
	counters   Counters
	progress   map[string]int
	createdAt  time.Time
	updatedAt  time.Time
	finishedAt *time.Time
	now        func() time.Time

	cancelled atomic.Bool
}

func newSession(id, userID string, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:        id,
		UserID:    userID,
		byJob:     make(map[string]int),
		progress:  make(map[string]int),
		createdAt: t,
		updatedAt: t,
		now:       now,
	}
}

// AddTotal grows the number of files expected in the session.
func (s *Session) AddTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Total += n
	s.touch()
}

// EnsureTotal sets the expected number of files unless it is already set.
func (s *Session) EnsureTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters.Total == 0 {
		s.counters.Total = n
		s.touch()
	}
}

// Record stores the outcome of one file. An outcome for a job already
// recorded replaces the earlier one, so a retried job is only counted once.
func (s *Session) Record(o model.FileOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ImportID == "" {
		o.ImportID = s.ID
	}
	if o.At.IsZero() {
		o.At = s.now()
	}

	if i, ok := s.byJob[o.JobID]; ok && o.JobID != "" {
		s.count(s.outcomes[i], -1)
		s.outcomes[i] = o
	} else {
		if o.JobID != "" {
			s.byJob[o.JobID] = len(s.outcomes)
		}
		s.outcomes = append(s.outcomes, o)
	}
	s.count(o, 1)
	if o.JobID != "" {
		s.progress[o.JobID] = 100
	}
	s.touch()
}

func (s *Session) count(o model.FileOutcome, delta int) {
	c := &s.counters
	if o.Outcome == model.OutcomeSkipped {
		c.Skipped += delta
		return
	}
	c.Processed += delta
	switch o.Outcome {
	case model.OutcomeSucceeded, model.OutcomeResumed:
		c.Succeeded += delta
	case model.OutcomeUnallocated:
		c.Unallocated += delta
	case model.OutcomeDuplicate:
		c.Duplicates += delta
	case model.OutcomeFailed:
		c.Failed += delta
	}
}

// Progress stores a 0-100 checkpoint for a job.
func (s *Session) Progress(jobID string, percent int) {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if percent >= s.progress[jobID] {
		s.progress[jobID] = percent
	}
	s.touch()
}

// Cancel asks running workers to stop picking up new files.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.mu.Lock()
	s.touch()
	s.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Finish marks the session complete. It reports false if the session was
// already finished.
func (s *Session) Finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishedAt != nil {
		return false
	}
	t := s.now()
	s.finishedAt = &t
	s.updatedAt = t
	return true
}

// Done reports whether every expected file has an outcome.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters.Total > 0 && s.counters.Remaining() == 0
}

// Counters returns a copy of the current counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Outcomes returns a copy of the recorded outcomes in arrival order.
func (s *Session) Outcomes() []model.FileOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FileOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

func (s *Session) touch() {
	s.updatedAt = s.now()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Snapshot is the JSON view of a session.
type Snapshot struct {
	ID         string              `json:"id"`
	UserID     string              `json:"user_id,omitempty"`
	Counters   Counters            `json:"counters"`
	Percent    int                 `json:"percent"`
	Cancelled  bool                `json:"cancelled"`
	Finished   bool                `json:"finished"`
	Outcomes   []model.FileOutcome `json:"outcomes"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// Snapshot returns a consistent copy of the session state. Percent averages
// the per-job checkpoints over the expected total.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.ID,
		UserID:     s.UserID,
		Counters:   s.counters,
		Cancelled:  s.cancelled.Load(),
		Finished:   s.finishedAt != nil,
		Outcomes:   make([]model.FileOutcome, len(s.outcomes)),
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
		FinishedAt: s.finishedAt,
	}
	copy(snap.Outcomes, s.outcomes)

	switch {
	case snap.Finished:
		snap.Percent = 100
	case s.counters.Total > 0:
		sum := 0
		for _, p := range s.progress {
			sum += p
		}
		sum += 100 * s.counters.Skipped
		snap.Percent = min(sum/s.counters.Total, 100)
	}
	return snap
}
