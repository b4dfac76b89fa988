package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packcore/packcore/internal/resilience"
	"github.com/packcore/packcore/internal/workqueue"
	pkgerr "github.com/packcore/packcore/pkg/errors"
	"github.com/packcore/packcore/pkg/worktask"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *workqueue.Queue) {
	t.Helper()
	q := workqueue.New(workqueue.Config{Capacity: 100})
	s := New(q, nil, cfg)
	return s, q
}

func TestStartStopIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	require.NoError(t, s.Start())
	assert.NoError(t, s.Start(), "a repeat Start should be a no-op, not an error")
	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop(), "a repeat Stop should be a no-op, not an error")
}

func TestStopTripsInFlightCancelSignalAndDrainsQueue(t *testing.T) {
	s, q := newTestScheduler(t, Config{PollInterval: 5 * time.Millisecond, MaxWorkers: 1})
	require.NoError(t, s.Start())

	started := make(chan struct{})
	blocking := s.NewTask("hold", "job", 0, worktask.ExecutorFunc(func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ok, err := q.Enqueue(context.Background(), blocking, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("blocking task never started")
	}

	var neverRan int32
	queuedOnly := s.NewTask("queued", "job", 0, worktask.ExecutorFunc(func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&neverRan, 1)
		return "should not run", nil
	}))
	ok, err = q.Enqueue(context.Background(), queuedOnly, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Stop())

	deadline := time.Now().Add(time.Second)
	for blocking.State() != worktask.Cancelled && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, worktask.Cancelled, blocking.State(), "Stop should trip the cancel signal on in-flight tasks")
	assert.Equal(t, int32(0), atomic.LoadInt32(&neverRan), "Stop should drain the queue before anything else dispatches")

	_, ok = q.Dequeue()
	assert.False(t, ok, "queue should be empty after Stop drains it")
}

func TestDispatchRunsEnqueuedTaskToCompletion(t *testing.T) {
	s, q := newTestScheduler(t, Config{PollInterval: 5 * time.Millisecond, MaxWorkers: 2})
	require.NoError(t, s.Start())
	defer s.Stop()

	done := make(chan struct{})
	task := s.NewTask("minify", "json", 0, worktask.ExecutorFunc(func(ctx context.Context) (interface{}, error) {
		close(done)
		return "ok", nil
	}))

	ok, err := q.Enqueue(context.Background(), task, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	deadline := time.Now().Add(time.Second)
	for task.State() != worktask.Completed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, worktask.Completed, task.State())
}

func TestResilientExecutorRetriesThenSucceeds(t *testing.T) {
	retryCfg := resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1, JitterFactor: 0}
	s, q := newTestScheduler(t, Config{
		PollInterval: 5 * time.Millisecond,
		MaxWorkers:   2,
		Retry:        resilience.NewRetryPolicy(retryCfg),
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	var calls int32
	task := s.NewTask("compress", "archive", 0, worktask.ExecutorFunc(func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, pkgerr.New(pkgerr.CodeTransient, "flaky upstream")
		}
		return "done", nil
	}))

	ok, err := q.Enqueue(context.Background(), task, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	deadline := time.Now().Add(2 * time.Second)
	for task.State() != worktask.Completed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, worktask.Completed, task.State())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestResilientExecutorExhaustsIntoDeadLetter(t *testing.T) {
	retryCfg := resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, JitterFactor: 0}
	dlq := resilience.New(resilience.Config{})
	s, q := newTestScheduler(t, Config{
		PollInterval: 5 * time.Millisecond,
		MaxWorkers:   2,
		Retry:        resilience.NewRetryPolicy(retryCfg),
		DeadLetter:   dlq,
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	task := s.NewTask("compress", "archive", 0, worktask.ExecutorFunc(func(ctx context.Context) (interface{}, error) {
		return nil, pkgerr.New(pkgerr.CodePermanent, "bad archive header")
	}))

	ok, err := q.Enqueue(context.Background(), task, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	deadline := time.Now().Add(2 * time.Second)
	for task.State() != worktask.Failed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, worktask.Failed, task.State())

	entries := dlq.ByTaskKind("archive")
	require.Len(t, entries, 1)
	assert.Equal(t, resilience.CategoryPermanent, entries[0].Category)
}

func TestAdmittedNeverExceedsMaxWorkers(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxWorkers: 4, AdjustInterval: 5 * time.Millisecond})
	require.NoError(t, s.Start())
	defer s.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, s.Admitted(), 4)
}
