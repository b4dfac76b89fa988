// Package workqueue is the bounded, priority-ordered FIFO the scheduler
// dequeues from: higher priority numbers run first, FIFO within a
// priority, and admission is backpressured by a counting semaphore.
package workqueue

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/packcore/packcore/pkg/worktask"
	"golang.org/x/sync/semaphore"
)

const defaultCapacity = 10_000

// Config configures a Queue.
type Config struct {
	Capacity int64
}

// Queue is a bounded multi-priority FIFO backed by a counting semaphore
// for admission control.
type Queue struct {
	mu       sync.Mutex
	lanes    map[int]*list.List // priority -> FIFO of *worktask.Task
	sem      *semaphore.Weighted
	capacity int64

	totalEnqueued, totalDequeued, totalRejected int64
	depthSamples, depthSampleSum                int64
}

// New creates a Queue with the given configuration.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	return &Queue{
		lanes:    make(map[int]*list.List),
		sem:      semaphore.NewWeighted(cfg.Capacity),
		capacity: cfg.Capacity,
	}
}

// Enqueue blocks for admission up to timeout; returns false if the queue
// stayed full for the whole timeout.
func (q *Queue) Enqueue(ctx context.Context, task *worktask.Task, timeout time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := q.sem.Acquire(cctx, 1); err != nil {
		q.mu.Lock()
		q.totalRejected++
		q.mu.Unlock()
		return false, nil
	}

	task.Enqueue()

	q.mu.Lock()
	lane, ok := q.lanes[task.Priority]
	if !ok {
		lane = list.New()
		q.lanes[task.Priority] = lane
	}
	lane.PushBack(task)
	q.totalEnqueued++
	q.sampleDepthLocked()
	q.mu.Unlock()

	return true, nil
}

// Dequeue returns the oldest task at the highest populated priority, or
// false if the queue is empty.
func (q *Queue) Dequeue() (*worktask.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	priority, ok := q.highestPopulatedLocked()
	if !ok {
		return nil, false
	}
	lane := q.lanes[priority]
	front := lane.Front()
	task := lane.Remove(front).(*worktask.Task)
	if lane.Len() == 0 {
		delete(q.lanes, priority)
	}
	q.totalDequeued++
	q.sampleDepthLocked()
	q.sem.Release(1)
	return task, true
}

func (q *Queue) highestPopulatedLocked() (int, bool) {
	if len(q.lanes) == 0 {
		return 0, false
	}
	priorities := make([]int, 0, len(q.lanes))
	for p := range q.lanes {
		priorities = append(priorities, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))
	return priorities[0], true
}

func (q *Queue) sampleDepthLocked() {
	depth := int64(0)
	for _, lane := range q.lanes {
		depth += int64(lane.Len())
	}
	q.depthSamples++
	q.depthSampleSum += depth
}

// Clear empties every lane and releases all outstanding semaphore
// permits back to full capacity.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := int64(0)
	for _, lane := range q.lanes {
		drained += int64(lane.Len())
	}
	q.lanes = make(map[int]*list.List)
	if drained > 0 {
		q.sem.Release(drained)
	}
}

// Stats reports queue occupancy and lifetime counters.
type Stats struct {
	Size             int
	TotalEnqueued    int64
	TotalDequeued    int64
	TotalRejected    int64
	AverageDepth     float64
	CountsByState    map[worktask.State]int
}

// Stats returns a snapshot of queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := 0
	counts := make(map[worktask.State]int)
	for _, lane := range q.lanes {
		for e := lane.Front(); e != nil; e = e.Next() {
			size++
			task := e.Value.(*worktask.Task)
			counts[task.State()]++
		}
	}

	s := Stats{
		Size:          size,
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		TotalRejected: q.totalRejected,
		CountsByState: counts,
	}
	if q.depthSamples > 0 {
		s.AverageDepth = float64(q.depthSampleSum) / float64(q.depthSamples)
	}
	return s
}
