// Package monitoring collects ingest health metrics and raises alerts when
// they cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finance-ingest/internal/model"
)

// MetricsSnapshot holds a point-in-time view of ingest health.
type MetricsSnapshot struct {
	// Outcomes recorded within the lookback window.
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Unallocated int     `json:"unallocated"`
	Duplicates  int     `json:"duplicates"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	FailRate    float64 `json:"fail_rate"`

	DLQDepth int `json:"dlq_depth"`
	// QueueLength is -1 when no queue is attached.
	QueueLength int64 `json:"queue_length"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of outcomes that count toward the failure rate.
func (s *MetricsSnapshot) Finished() int {
	return s.Succeeded + s.Unallocated + s.Duplicates + s.Failed
}

// Source is the store surface the collector reads.
type Source interface {
	CountOutcomes(ctx context.Context, since time.Time) (map[model.OutcomeKind]int, error)
	CountDLQ(ctx context.Context) (int, error)
}

// QueueLen reports pending work in the job queue.
type QueueLen interface {
	Len(ctx context.Context) (int64, error)
}

// Collector gathers metrics from the store and, optionally, the job queue.
type Collector struct {
	source Source
	queue  QueueLen
	now    func() time.Time
}

// NewCollector creates a new metrics collector. queue may be nil.
func NewCollector(src Source, queue QueueLen) *Collector {
	return &Collector{source: src, queue: queue, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		QueueLength:   -1,
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	counts, err := c.source.CountOutcomes(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count outcomes")
	}
	for kind, n := range counts {
		snap.Total += n
		switch kind {
		case model.OutcomeSucceeded, model.OutcomeResumed:
			snap.Succeeded += n
		case model.OutcomeUnallocated:
			snap.Unallocated += n
		case model.OutcomeDuplicate:
			snap.Duplicates += n
		case model.OutcomeFailed:
			snap.Failed += n
		case model.OutcomeSkipped:
			snap.Skipped += n
		}
	}
	if finished := snap.Finished(); finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	dlq, err := c.source.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlq

	if c.queue != nil {
		n, err := c.queue.Len(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue length")
		}
		snap.QueueLength = n
	}
	return snap, nil
}
