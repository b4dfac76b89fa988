// Package scheduler runs a dispatch loop over the priority work queue,
// executing each task on a bounded worker pool, adapting the admitted
// concurrency to the optimizer's resource pressure readings, and routing
// failures through the retry policy, circuit breaker, and dead-letter
// queue before a task is allowed to settle into its terminal state.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/packcore/packcore/internal/optimizer"
	"github.com/packcore/packcore/internal/resilience"
	"github.com/packcore/packcore/internal/workqueue"
	"github.com/packcore/packcore/pkg/logging"
	"github.com/packcore/packcore/pkg/worktask"
)

// Config configures a Scheduler.
type Config struct {
	MaxWorkers     int           // hard ceiling on concurrently running tasks
	PollInterval   time.Duration // how often the dispatch loop checks the queue when idle
	AdjustInterval time.Duration // how often admitted concurrency is recomputed from optimizer pressure

	Retry      *resilience.RetryPolicy
	Breakers   *resilience.BreakerManager
	DeadLetter *resilience.DeadLetterQueue
	Optimizer  *optimizer.Optimizer
}

// Scheduler is the parallel work scheduler: a dispatch loop pulling from
// a workqueue.Queue and running tasks on a conc worker pool.
type Scheduler struct {
	cfg    Config
	queue  *workqueue.Queue
	logger *logging.Logger

	pool *pool.Pool

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	inFlight   int
	inFlightMu sync.Mutex

	admitted int // current admission ceiling, recomputed from optimizer pressure
}

// New creates a Scheduler over queue. Any nil resilience/optimizer
// dependency is filled with a permissive default so the scheduler is
// usable standalone in tests.
func New(queue *workqueue.Queue, logger *logging.Logger, cfg Config) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.NewRetryPolicy(resilience.DefaultRetryConfig())
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakerManager(resilience.DefaultBreakerConfig())
	}
	if cfg.DeadLetter == nil {
		cfg.DeadLetter = resilience.New(resilience.Config{})
	}
	if cfg.Optimizer == nil {
		cfg.Optimizer = optimizer.New(optimizer.Config{Target: cfg.MaxWorkers})
	}

	return &Scheduler{
		cfg:      cfg,
		queue:    queue,
		logger:   logger,
		pool:     pool.New().WithMaxGoroutines(cfg.MaxWorkers),
		admitted: cfg.MaxWorkers,
	}
}

// NewTask builds a worktask.Task whose executor is wrapped with this
// scheduler's retry policy, circuit breaker, and dead-letter queue. Tasks
// destined for this scheduler should be constructed through NewTask
// rather than worktask.New directly, so that failures get the full
// resilience treatment.
func (s *Scheduler) NewTask(name, kind string, priority int, exec worktask.Executor) *worktask.Task {
	resilient := &resilientExecutor{
		taskName: name,
		kind:     kind,
		inner:    exec,
		retry:    s.cfg.Retry,
		breakers: s.cfg.Breakers,
		dlq:      s.cfg.DeadLetter,
	}
	task := worktask.New(name, kind, priority, resilient)
	resilient.taskID = task.ID
	return task
}

// Start begins the dispatch and adjustment loops. A repeat call while
// already started is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.adjustLoop()
	if s.logger != nil {
		s.logger.Info("scheduler started", map[string]interface{}{"max_workers": s.cfg.MaxWorkers})
	}
	return nil
}

// Stop halts the dispatch and adjustment loops, trips the cancel signal
// on every in-flight task, drains the queue of anything not yet
// dispatched, and waits for the worker pool to finish. A repeat call
// while already stopped is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.runCancel()
	s.mu.Unlock()

	s.queue.Clear()
	s.wg.Wait()
	s.pool.Wait()
	if s.logger != nil {
		s.logger.Info("scheduler stopped")
	}
	return nil
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			ceiling := s.admitted
			runCtx := s.runCtx
			s.mu.Unlock()

			s.inFlightMu.Lock()
			room := ceiling - s.inFlight
			s.inFlightMu.Unlock()

			for room > 0 {
				task, ok := s.queue.Dequeue()
				if !ok {
					break
				}
				s.inFlightMu.Lock()
				s.inFlight++
				s.inFlightMu.Unlock()
				room--

				s.pool.Go(func() {
					defer func() {
						s.inFlightMu.Lock()
						s.inFlight--
						s.inFlightMu.Unlock()
					}()
					task.Run(runCtx)
				})
			}
		}
	}
}

func (s *Scheduler) adjustLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.AdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, pressure := s.cfg.Optimizer.Sample()
			next := s.cfg.Optimizer.AdjustIfDue(pressure)
			if next > s.cfg.MaxWorkers {
				next = s.cfg.MaxWorkers
			}
			s.mu.Lock()
			s.admitted = next
			s.mu.Unlock()
			s.cfg.Optimizer.WaitForResources(pressure)
		}
	}
}

// InFlight returns the number of tasks currently executing.
func (s *Scheduler) InFlight() int {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	return s.inFlight
}

// Admitted returns the current admission ceiling.
func (s *Scheduler) Admitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitted
}

// resilientExecutor wraps a task's real executor with retry, circuit
// breaker, and dead-letter handling so a task only ever settles terminal
// once every retry attempt allowed by its kind's RetryConfig has run out,
// the error is not retryable, the task's context is cancelled, or the
// kind's circuit breaker has tripped open.
type resilientExecutor struct {
	taskID, taskName, kind string
	inner                  worktask.Executor
	retry                  *resilience.RetryPolicy
	breakers               *resilience.BreakerManager
	dlq                    *resilience.DeadLetterQueue
}

func (r *resilientExecutor) Execute(ctx context.Context) (interface{}, error) {
	attempt := 0
	var lastErr error

loop:
	for {
		attempt++
		if !r.breakers.Allow(r.kind) {
			lastErr = resilience.ErrCircuitOpen
			break
		}

		result, err := r.inner.Execute(ctx)
		r.breakers.Report(r.kind, err)
		if err == nil {
			return result, nil
		}
		lastErr = err

		delay, retry := r.retry.NextDelay(r.kind, err, attempt)
		if !retry {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break loop
		case <-time.After(delay):
		}
	}

	maxRetries := r.retry.ConfigFor(r.kind).MaxAttempts
	r.dlq.Add(r.taskID, r.taskName, r.kind, lastErr, attempt, maxRetries)
	return nil, lastErr
}
