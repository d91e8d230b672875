package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/notify"
	"github.com/sells-group/finance-ingest/internal/queue"
)

type captured struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captured) Notify(_ context.Context, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func quietSource() *mockSource {
	src := &mockSource{}
	src.On("CountOutcomes", mock.Anything, mock.Anything).Return(map[model.OutcomeKind]int{}, nil)
	src.On("CountDLQ", mock.Anything).Return(0, nil)
	return src
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitorConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(quietSource(), nil), NewAlerter(cfg, nil), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(quietSource(), nil), NewAlerter(config.MonitorConfig{}, nil), config.MonitorConfig{})
	assert.Equal(t, 24, checker.lookback())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_Check_QueueBacklog(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	q, err := queue.NewRedisQueue(ctx, client, config.QueueConfig{Stream: "jobs", Group: "g"}, "c1")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx,
		model.Job{FilePath: "/in/a.pdf"},
		model.Job{FilePath: "/in/b.pdf"},
		model.Job{FilePath: "/in/c.pdf"},
	)
	require.NoError(t, err)

	cfg := config.MonitorConfig{QueueThreshold: 3, LookbackWindowHours: 1}
	sink := &captured{}
	checker := NewChecker(NewCollector(quietSource(), q), NewAlerter(cfg, sink), cfg)

	sent := checker.Check(ctx, zap.NewNop())
	assert.Equal(t, 1, sent)
	require.Len(t, sink.events, 1)
	assert.Equal(t, notify.EventAlert, sink.events[0].Type)
	assert.Contains(t, sink.events[0].Message, "3 job(s) waiting")
}

func TestChecker_Check_CollectError(t *testing.T) {
	src := &mockSource{}
	src.On("CountOutcomes", mock.Anything, mock.Anything).Return(nil, assert.AnError)

	cfg := config.MonitorConfig{DLQThreshold: 1}
	sink := &captured{}
	checker := NewChecker(NewCollector(src, nil), NewAlerter(cfg, sink), cfg)

	assert.Zero(t, checker.Check(context.Background(), zap.NewNop()))
	assert.Empty(t, sink.events)
}
