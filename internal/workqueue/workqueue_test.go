package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/packcore/packcore/pkg/worktask"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTask(name string, priority int) *worktask.Task {
	return worktask.New(name, "test", priority, worktask.ExecutorFunc(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}))
}

// Scenario 4 — priority dispatch ordering: tasks submitted with priorities
// 10, 10, 0, -5 in that order must dequeue as 10 (first), 10 (second),
// 0, -5 — highest priority first, FIFO within a priority.
func TestPriorityDispatchOrderingScenario(t *testing.T) {
	q := New(Config{Capacity: 10})
	tasks := []*worktask.Task{
		noopTask("a", 10),
		noopTask("b", 10),
		noopTask("c", 0),
		noopTask("d", -5),
	}
	for _, task := range tasks {
		ok, err := q.Enqueue(context.Background(), task, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var order []string
	for i := 0; i < 4; i++ {
		task, ok := q.Dequeue()
		require.True(t, ok)
		order = append(order, task.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestDequeueOnEmptyReturnsFalse(t *testing.T) {
	q := New(Config{Capacity: 10})
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestEnqueueTimesOutWhenFull(t *testing.T) {
	q := New(Config{Capacity: 1})
	ok, err := q.Enqueue(context.Background(), noopTask("a", 0), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Enqueue(context.Background(), noopTask("b", 0), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.TotalRejected)
}

func TestClearReleasesCapacity(t *testing.T) {
	q := New(Config{Capacity: 1})
	ok, err := q.Enqueue(context.Background(), noopTask("a", 0), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	q.Clear()
	assert.Equal(t, 0, q.Stats().Size)

	ok, err = q.Enqueue(context.Background(), noopTask("b", 0), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatsTracksEnqueuedAndDequeued(t *testing.T) {
	q := New(Config{Capacity: 10})
	_, _ = q.Enqueue(context.Background(), noopTask("a", 0), time.Second)
	_, _ = q.Enqueue(context.Background(), noopTask("b", 0), time.Second)
	_, _ = q.Dequeue()

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.TotalEnqueued)
	assert.Equal(t, int64(1), stats.TotalDequeued)
	assert.Equal(t, 1, stats.Size)
}
