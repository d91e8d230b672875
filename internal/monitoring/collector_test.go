package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finance-ingest/internal/model"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) CountOutcomes(ctx context.Context, since time.Time) (map[model.OutcomeKind]int, error) {
	args := m.Called(ctx, since)
	counts, _ := args.Get(0).(map[model.OutcomeKind]int)
	return counts, args.Error(1)
}

func (m *mockSource) CountDLQ(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type fixedLen int64

func (f fixedLen) Len(context.Context) (int64, error) { return int64(f), nil }

func TestCollector_Collect(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &mockSource{}
	src.On("CountOutcomes", mock.Anything, now.Add(-24*time.Hour)).Return(map[model.OutcomeKind]int{
		model.OutcomeSucceeded:   6,
		model.OutcomeResumed:     1,
		model.OutcomeUnallocated: 2,
		model.OutcomeDuplicate:   1,
		model.OutcomeFailed:      2,
		model.OutcomeSkipped:     3,
	}, nil)
	src.On("CountDLQ", mock.Anything).Return(4, nil)

	c := NewCollector(src, fixedLen(9))
	c.now = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 15, snap.Total)
	assert.Equal(t, 7, snap.Succeeded)
	assert.Equal(t, 2, snap.Unallocated)
	assert.Equal(t, 1, snap.Duplicates)
	assert.Equal(t, 2, snap.Failed)
	assert.Equal(t, 3, snap.Skipped)
	assert.Equal(t, 12, snap.Finished())
	assert.InDelta(t, 2.0/12.0, snap.FailRate, 1e-9)
	assert.Equal(t, 4, snap.DLQDepth)
	assert.Equal(t, int64(9), snap.QueueLength)
	assert.Equal(t, now, snap.CollectedAt)
	src.AssertExpectations(t)
}

func TestCollector_NoQueue(t *testing.T) {
	src := &mockSource{}
	src.On("CountOutcomes", mock.Anything, mock.Anything).Return(map[model.OutcomeKind]int{}, nil)
	src.On("CountDLQ", mock.Anything).Return(0, nil)

	snap, err := NewCollector(src, nil).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), snap.QueueLength)
	assert.Zero(t, snap.FailRate)
}

func TestCollector_Errors(t *testing.T) {
	t.Run("outcomes", func(t *testing.T) {
		src := &mockSource{}
		src.On("CountOutcomes", mock.Anything, mock.Anything).Return(nil, assert.AnError)

		_, err := NewCollector(src, nil).Collect(context.Background(), 24)
		assert.ErrorContains(t, err, "count outcomes")
	})

	t.Run("dlq", func(t *testing.T) {
		src := &mockSource{}
		src.On("CountOutcomes", mock.Anything, mock.Anything).Return(map[model.OutcomeKind]int{}, nil)
		src.On("CountDLQ", mock.Anything).Return(0, assert.AnError)

		_, err := NewCollector(src, nil).Collect(context.Background(), 24)
		assert.ErrorContains(t, err, "count dlq")
	})
}
