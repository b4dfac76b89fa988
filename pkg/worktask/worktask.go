// Package worktask defines the task state machine shared by every unit of
// work the scheduler runs: image compression, archive recompression, JSON
// minification, and arbitrary user-defined work.
package worktask

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pkgerr "github.com/packcore/packcore/pkg/errors"
)

var idCounter uint64

// State is a task's lifecycle stage. Once terminal (Completed, Failed, or
// Cancelled) a task never transitions again.
type State int

const (
	Created State = iota
	Pending
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) isTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Progress tracks completed/total units for a running task.
type Progress struct {
	Done  int64
	Total int64
}

// Percentage returns 0-100, or 0 if Total is unset.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Done) / float64(p.Total) * 100
}

// Executor is the capability every task variant must implement: run to
// completion or cancellation, observing ctx for the task's cancel signal.
type Executor interface {
	Execute(ctx context.Context) (interface{}, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context) (interface{}, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context) (interface{}, error) { return f(ctx) }

// Task is one unit of schedulable work.
type Task struct {
	ID       string
	Name     string
	Kind     string
	Priority int // larger runs first

	mu       sync.Mutex
	state    State
	progress Progress

	enqueuedAt time.Time
	startedAt  *time.Time
	endedAt    *time.Time

	result interface{}
	err    *pkgerr.PackError

	exec       Executor
	cancelFunc context.CancelFunc
}

// New creates a task in the Created state. Call Enqueue to move it to
// Pending once handed to the scheduler.
func New(name, kind string, priority int, exec Executor) *Task {
	id := fmt.Sprintf("task-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&idCounter, 1))
	return &Task{
		ID:       id,
		Name:     name,
		Kind:     kind,
		Priority: priority,
		state:    Created,
		exec:     exec,
	}
}

// Enqueue transitions Created -> Pending and stamps the enqueue time.
func (t *Task) Enqueue() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Created {
		return
	}
	t.state = Pending
	t.enqueuedAt = time.Now()
}

// Run transitions Pending -> Running, executes exec against a
// cancellable context derived from parent, and settles the task into its
// terminal state. The cancel func of that context is kept on the task;
// Cancel trips it from outside.
func (t *Task) Run(parent context.Context) {
	t.mu.Lock()
	if t.state != Pending {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancelFunc = cancel
	t.state = Running
	now := time.Now()
	t.startedAt = &now
	t.mu.Unlock()

	result, err := t.exec.Execute(ctx)

	if ctx.Err() != nil {
		t.MarkCancelled()
		return
	}
	if err != nil {
		t.MarkFailed(err)
		return
	}
	t.MarkCompleted(result)
}

// Cancel trips the task's cancellation signal, if it is running.
func (t *Task) Cancel() {
	t.mu.Lock()
	cancel := t.cancelFunc
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// UpdateProgress records done/total units. Ignored once the task has
// reached a terminal state, so a late progress callback from a goroutine
// racing with completion never resurrects stale progress.
func (t *Task) UpdateProgress(done, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.isTerminal() {
		return
	}
	t.progress = Progress{Done: done, Total: total}
}

// MarkCompleted transitions to Completed with a result. No-op if already
// terminal.
func (t *Task) MarkCompleted(result interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.isTerminal() {
		return
	}
	t.state = Completed
	t.result = result
	t.stampEnd()
}

// MarkFailed transitions to Failed, wrapping cause as a PackError if it
// isn't one already. No-op if already terminal.
func (t *Task) MarkFailed(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.isTerminal() {
		return
	}
	t.state = Failed
	t.err = pkgerr.AsPackError(cause)
	t.stampEnd()
}

// MarkCancelled transitions to Cancelled. No-op if already terminal.
func (t *Task) MarkCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.isTerminal() {
		return
	}
	t.state = Cancelled
	t.stampEnd()
}

func (t *Task) stampEnd() {
	now := time.Now()
	t.endedAt = &now
}

// Snapshot is an immutable, race-free view of a task's current state.
type Snapshot struct {
	ID         string
	Name       string
	Kind       string
	Priority   int
	State      State
	Progress   Progress
	EnqueuedAt time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	Result     interface{}
	Err        *pkgerr.PackError
}

// Snapshot returns a consistent point-in-time copy of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:         t.ID,
		Name:       t.Name,
		Kind:       t.Kind,
		Priority:   t.Priority,
		State:      t.state,
		Progress:   t.progress,
		EnqueuedAt: t.enqueuedAt,
		StartedAt:  t.startedAt,
		EndedAt:    t.endedAt,
		Result:     t.result,
		Err:        t.err,
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
