// Package fileaccess arbitrates reader/writer access to archive files
// across concurrent operations, with strict writer priority and fail-fast
// semantics for readers.
package fileaccess

import (
	"context"
	"sort"
	"sync"
	"time"

	pkgerr "github.com/packcore/packcore/pkg/errors"
	"github.com/packcore/packcore/pkg/logging"
	"github.com/packcore/packcore/pkg/types"
)

// lockState is the per-path bookkeeping backing the reader/writer gate.
// Invariants:
//   - writerActive ⇒ readers == 0
//   - writerWaitCount > 0 ⇒ no new reader acquisition succeeds
type lockState struct {
	mu              sync.Mutex
	cond            *sync.Cond
	readers         int
	writerActive    bool
	writerWaitCount int
	lastAccess      time.Time
	cancelCh        chan struct{}
	disposed        bool
}

func newLockState() *lockState {
	ls := &lockState{lastAccess: time.Now(), cancelCh: make(chan struct{})}
	ls.cond = sync.NewCond(&ls.mu)
	return ls
}

// CancelSignal returns a channel closed once a writer signals intent on
// this path, for use by long-running readers (e.g. a batched archive read)
// that want to abort voluntarily rather than block a writer indefinitely.
func (ls *lockState) CancelSignal() <-chan struct{} {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.cancelCh
}

func (ls *lockState) tryAcquireRead() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.writerActive || ls.writerWaitCount > 0 {
		return false
	}
	ls.readers++
	ls.lastAccess = time.Now()
	return true
}

func (ls *lockState) releaseRead() {
	ls.mu.Lock()
	ls.readers--
	ls.lastAccess = time.Now()
	if ls.readers == 0 {
		ls.cond.Broadcast()
	}
	ls.mu.Unlock()
}

// acquireWrite blocks until exclusive access is available or ctx/timeout
// expires. It returns the number of still-active readers on timeout.
func (ls *lockState) acquireWrite(ctx context.Context, timeout time.Duration) (activeReaders int, ok bool) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ls.mu.Lock()
	if ls.writerWaitCount == 0 {
		close(ls.cancelCh) // kick any reader waiting on the cancellation source
	}
	ls.writerWaitCount++

	woken := make(chan struct{})
	go func() {
		select {
		case <-cctx.Done():
			ls.mu.Lock()
			ls.cond.Broadcast()
			ls.mu.Unlock()
		case <-woken:
		}
	}()

	for ls.writerActive || ls.readers > 0 {
		if cctx.Err() != nil {
			activeReaders = ls.readers
			ls.writerWaitCount--
			if ls.writerWaitCount == 0 && !ls.writerActive {
				ls.cancelCh = make(chan struct{})
			}
			ls.mu.Unlock()
			close(woken)
			return activeReaders, false
		}
		ls.cond.Wait()
	}

	ls.writerActive = true
	ls.writerWaitCount--
	ls.lastAccess = time.Now()
	ls.mu.Unlock()
	close(woken)
	return 0, true
}

func (ls *lockState) releaseWrite() {
	ls.mu.Lock()
	ls.writerActive = false
	ls.lastAccess = time.Now()
	if ls.writerWaitCount == 0 {
		ls.cancelCh = make(chan struct{})
	}
	ls.cond.Broadcast()
	ls.mu.Unlock()
}

func (ls *lockState) idleFor() (time.Duration, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.readers > 0 || ls.writerActive || ls.writerWaitCount > 0 {
		return 0, false
	}
	return time.Since(ls.lastAccess), true
}

// ReadToken is returned by a successful read acquisition; Release must be
// called exactly once.
type ReadToken struct {
	path string
	ls   *lockState
	once sync.Once
}

// Release exits the read side of the gate.
func (t *ReadToken) Release() {
	t.once.Do(func() { t.ls.releaseRead() })
}

// WriteToken is returned by a successful write acquisition; Release must be
// called exactly once.
type WriteToken struct {
	paths []string
	ls    []*lockState
	once  sync.Once
}

// Release exits the write side of the gate for every path held by this
// token, in reverse acquisition order.
func (t *WriteToken) Release() {
	t.once.Do(func() {
		for i := len(t.ls) - 1; i >= 0; i-- {
			t.ls[i].releaseWrite()
		}
	})
}

// Controller is the singleton-style owner of all per-path lock state. It
// is constructed once by the runtime and its handle is passed into every
// subsystem that touches archive files.
type Controller struct {
	mu            sync.Mutex
	states        map[string]*lockState
	staleInterval time.Duration
	sweepInterval time.Duration
	logger        *logging.Logger

	disposed bool
	stopSweep chan struct{}
	sweepDone chan struct{}

	statReads, statWrites, statLockedForWriting, statWriteTimeouts int64
}

// Config configures the Controller's idle-sweep behavior.
type Config struct {
	StaleInterval time.Duration
	SweepInterval time.Duration
	Logger        *logging.Logger
}

// New creates a Controller and starts its background sweep goroutine.
func New(cfg Config) *Controller {
	if cfg.StaleInterval <= 0 {
		cfg.StaleInterval = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(logging.DefaultConfig())
	}

	c := &Controller{
		states:        make(map[string]*lockState),
		staleInterval: cfg.StaleInterval,
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger.WithComponent("fileaccess"),
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *Controller) stateFor(path string) *lockState {
	norm := types.NormalizePath(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.states[norm]
	if !ok {
		ls = newLockState()
		c.states[norm] = ls
	}
	return ls
}

// AcquireRead fails fast with LockedForWriting if a writer is waiting or
// active, otherwise takes the read side immediately.
func (c *Controller) AcquireRead(path string) (*ReadToken, error) {
	if c.isDisposed() {
		return nil, pkgerr.New(pkgerr.CodePermanent, "controller disposed").WithOperation("AcquireRead")
	}
	ls := c.stateFor(path)
	if !ls.tryAcquireRead() {
		return nil, pkgerr.New(pkgerr.CodeLockedForWriting, "path is locked for writing").
			WithContext("path", path).WithOperation("AcquireRead")
	}
	return &ReadToken{path: path, ls: ls}, nil
}

// TryAcquireRead is AcquireRead but swallows LockedForWriting into nil.
func (c *Controller) TryAcquireRead(path string) *ReadToken {
	tok, err := c.AcquireRead(path)
	if err != nil {
		return nil
	}
	return tok
}

// AcquireWrite blocks (kicking any pending reader's cancellation source)
// until exclusive access is available or timeout elapses.
func (c *Controller) AcquireWrite(ctx context.Context, path string, timeout time.Duration) (*WriteToken, error) {
	if c.isDisposed() {
		return nil, pkgerr.New(pkgerr.CodePermanent, "controller disposed").WithOperation("AcquireWrite")
	}
	ls := c.stateFor(path)
	activeReaders, ok := ls.acquireWrite(ctx, timeout)
	if !ok {
		return nil, pkgerr.New(pkgerr.CodeWriteTimeout, "timed out acquiring write access").
			WithContext("path", path).
			WithContext("active_readers", activeReaders).
			WithOperation("AcquireWrite")
	}
	return &WriteToken{paths: []string{path}, ls: []*lockState{ls}}, nil
}

// AcquireWriteMany acquires write access to every path atomically: paths
// are deduplicated, sorted, and locked in that fixed order to avoid
// deadlock against other multi-path acquisitions; on any failure all
// already-held locks are released before returning.
func (c *Controller) AcquireWriteMany(ctx context.Context, paths []string, timeout time.Duration) (*WriteToken, error) {
	if c.isDisposed() {
		return nil, pkgerr.New(pkgerr.CodePermanent, "controller disposed").WithOperation("AcquireWriteMany")
	}

	ordered := dedupeSorted(paths)
	held := make([]*lockState, 0, len(ordered))
	heldPaths := make([]string, 0, len(ordered))

	for _, p := range ordered {
		ls := c.stateFor(p)
		activeReaders, ok := ls.acquireWrite(ctx, timeout)
		if !ok {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].releaseWrite()
			}
			return nil, pkgerr.New(pkgerr.CodeWriteTimeout, "timed out acquiring write access").
				WithContext("path", p).
				WithContext("active_readers", activeReaders).
				WithOperation("AcquireWriteMany")
		}
		held = append(held, ls)
		heldPaths = append(heldPaths, p)
	}

	return &WriteToken{paths: heldPaths, ls: held}, nil
}

func dedupeSorted(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := types.NormalizePath(p)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsLockedForWriting reports whether path currently has a waiting or
// active writer.
func (c *Controller) IsLockedForWriting(path string) bool {
	ls := c.stateFor(path)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.writerActive || ls.writerWaitCount > 0
}

// Invalidate drops the lock state entry for path. Callers must ensure no
// scope is currently held for the path.
func (c *Controller) Invalidate(path string) {
	norm := types.NormalizePath(path)
	c.mu.Lock()
	delete(c.states, norm)
	c.mu.Unlock()
}

// InvalidateAll drops every tracked lock state.
func (c *Controller) InvalidateAll() {
	c.mu.Lock()
	c.states = make(map[string]*lockState)
	c.mu.Unlock()
}

// Stats reports controller-wide counters and the number of tracked paths.
type Stats struct {
	TrackedPaths      int
	ActiveReaderPaths int
	ActiveWriterPaths int
}

// Stats returns a snapshot of controller occupancy.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	states := make([]*lockState, 0, len(c.states))
	for _, ls := range c.states {
		states = append(states, ls)
	}
	total := len(c.states)
	c.mu.Unlock()

	s := Stats{TrackedPaths: total}
	for _, ls := range states {
		ls.mu.Lock()
		if ls.readers > 0 {
			s.ActiveReaderPaths++
		}
		if ls.writerActive {
			s.ActiveWriterPaths++
		}
		ls.mu.Unlock()
	}
	return s
}

func (c *Controller) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Close stops the background sweep and marks the controller disposed;
// subsequent acquisitions fail with a Permanent error.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()
	close(c.stopSweep)
	<-c.sweepDone
}

func (c *Controller) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepStale()
		}
	}
}

func (c *Controller) sweepStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, ls := range c.states {
		if idle, ok := ls.idleFor(); ok && idle > c.staleInterval {
			delete(c.states, path)
		}
	}
}
