package resilience

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerr "github.com/packcore/packcore/pkg/errors"
)

// FailureCategory classifies why a task landed in the dead-letter queue.
type FailureCategory int

const (
	CategoryTimeout FailureCategory = iota
	CategoryCancelled
	CategoryResourceExhaustion
	CategoryPermanent
	CategoryExternalService
	CategoryConfigurationError
	CategoryTransient
)

func (c FailureCategory) String() string {
	switch c {
	case CategoryTimeout:
		return "timeout"
	case CategoryCancelled:
		return "cancelled"
	case CategoryResourceExhaustion:
		return "resource_exhaustion"
	case CategoryPermanent:
		return "permanent"
	case CategoryExternalService:
		return "external_service"
	case CategoryConfigurationError:
		return "configuration_error"
	default:
		return "transient"
	}
}

// CategorizeFailure maps an error to a FailureCategory using
// the same rules as the original categorization table: timeouts,
// cancellation, resource exhaustion, permanent argument errors, config
// errors, "Service"-named or HTTP-flavored external errors, else
// Transient.
func CategorizeFailure(err error) FailureCategory {
	pe := pkgerr.AsPackError(err)
	if pe == nil {
		return CategoryTransient
	}

	switch pe.Code {
	case pkgerr.CodeCancelled:
		return CategoryCancelled
	case pkgerr.CodeResourceExhaustion:
		return CategoryResourceExhaustion
	case pkgerr.CodePermanent:
		return CategoryPermanent
	case pkgerr.CodeExternalService:
		return CategoryExternalService
	}

	msg := strings.ToLower(pe.Message)
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return CategoryTimeout
	case strings.Contains(msg, "config"):
		return CategoryConfigurationError
	case strings.Contains(msg, "http") || strings.Contains(strings.ToLower(pe.Component), "service"):
		return CategoryExternalService
	default:
		return CategoryTransient
	}
}

// Entry is one dead-lettered task.
type Entry struct {
	ID          string
	TaskID      string
	TaskName    string
	TaskKind    string
	FailedAt    time.Time
	ErrorKind   pkgerr.Code
	Message     string
	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time
	Category    FailureCategory
	Details     map[string]interface{}
	Resolved    bool
}

var entryIDCounter uint64

// DeadLetterQueue is a bounded store of exhausted-failure task entries
// with scheduled auto-retry for Transient failures.
type DeadLetterQueue struct {
	mu            sync.Mutex
	entries       map[string]*Entry
	capacity      int
	retention     time.Duration
	maxRetryDelay time.Duration

	failureTimes map[string][]time.Time // task kind -> sliding window of failure timestamps
	failureWindow time.Duration
}

// Config configures a DeadLetterQueue.
type Config struct {
	Capacity      int
	Retention     time.Duration
	MaxRetryDelay time.Duration
	FailureWindow time.Duration
}

// New creates a DeadLetterQueue.
func New(cfg Config) *DeadLetterQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 10 * time.Minute
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 5 * time.Minute
	}
	return &DeadLetterQueue{
		entries:       make(map[string]*Entry),
		capacity:      cfg.Capacity,
		retention:     cfg.Retention,
		maxRetryDelay: cfg.MaxRetryDelay,
		failureTimes:  make(map[string][]time.Time),
		failureWindow: cfg.FailureWindow,
	}
}

// Add records an exhausted failure, scheduling an auto-retry if its
// category is Transient.
func (q *DeadLetterQueue) Add(taskID, taskName, taskKind string, err error, retryCount, maxRetries int) *Entry {
	pe := pkgerr.AsPackError(err)
	category := CategorizeFailure(err)

	entry := &Entry{
		ID:         fmt.Sprintf("dlq-%d", atomic.AddUint64(&entryIDCounter, 1)),
		TaskID:     taskID,
		TaskName:   taskName,
		TaskKind:   taskKind,
		FailedAt:   time.Now(),
		ErrorKind:  pe.Code,
		Message:    pe.Message,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Category:   category,
	}

	if category == CategoryTransient {
		delay := backoffFor(retryCount, q.maxRetryDelay)
		next := time.Now().Add(delay)
		entry.NextRetryAt = &next
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.failureTimes[taskKind] = append(q.failureTimes[taskKind], entry.FailedAt)
	q.entries[entry.ID] = entry
	q.evictIfOverCapacityLocked()
	return entry
}

func backoffFor(retryCount int, cap time.Duration) time.Duration {
	delay := time.Duration(1<<uint(retryCount)) * time.Second
	if delay > cap {
		delay = cap
	}
	return delay
}

func (q *DeadLetterQueue) evictIfOverCapacityLocked() {
	if len(q.entries) <= q.capacity {
		return
	}
	var resolved []*Entry
	for _, e := range q.entries {
		if e.Resolved {
			resolved = append(resolved, e)
		}
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].FailedAt.Before(resolved[j].FailedAt) })
	for _, e := range resolved {
		if len(q.entries) <= q.capacity {
			break
		}
		delete(q.entries, e.ID)
	}
	// If still over capacity with nothing resolved to evict, drop the
	// oldest unresolved entry — capacity must never be exceeded.
	for len(q.entries) > q.capacity {
		oldestID, oldestTime := "", time.Time{}
		for id, e := range q.entries {
			if oldestID == "" || e.FailedAt.Before(oldestTime) {
				oldestID, oldestTime = id, e.FailedAt
			}
		}
		delete(q.entries, oldestID)
	}
}

// Resolve marks an entry resolved.
func (q *DeadLetterQueue) Resolve(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	e.Resolved = true
	return true
}

// PendingRetries returns Transient entries whose NextRetryAt has elapsed.
func (q *DeadLetterQueue) PendingRetries() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []*Entry
	for _, e := range q.entries {
		if e.Resolved || e.NextRetryAt == nil {
			continue
		}
		if !e.NextRetryAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// ByCategory returns all entries in a given category.
func (q *DeadLetterQueue) ByCategory(category FailureCategory) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Entry
	for _, e := range q.entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// ByTaskKind returns all entries for a given task kind.
func (q *DeadLetterQueue) ByTaskKind(kind string) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Entry
	for _, e := range q.entries {
		if e.TaskKind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Cleanup drops resolved entries older than retention.
func (q *DeadLetterQueue) Cleanup() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.retention)
	dropped := 0
	for id, e := range q.entries {
		if e.Resolved && e.FailedAt.Before(cutoff) {
			delete(q.entries, id)
			dropped++
		}
	}
	return dropped
}

// FailureRate returns the number of failures recorded for kind within
// the configured sliding window — a rolling count, not an ever-incrementing
// counter, so it reflects recovery once failures age out of the window.
func (q *DeadLetterQueue) FailureRate(kind string) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.failureWindow)
	times := q.failureTimes[kind]
	kept := times[:0]
	count := 0
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
			count++
		}
	}
	q.failureTimes[kind] = kept
	if count == 0 {
		return 0
	}
	return float64(count)
}

// Stats summarizes dead-letter queue occupancy.
type Stats struct {
	Total         int
	Resolved      int
	Unresolved    int
	ByCategory    map[FailureCategory]int
}

// Stats returns current statistics.
func (q *DeadLetterQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{ByCategory: make(map[FailureCategory]int)}
	for _, e := range q.entries {
		s.Total++
		if e.Resolved {
			s.Resolved++
		} else {
			s.Unresolved++
		}
		s.ByCategory[e.Category]++
	}
	return s
}

// Report renders a human-readable summary, in the teacher's plain-text
// formatted-report style.
func (q *DeadLetterQueue) Report() string {
	stats := q.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "dead-letter queue: %d total, %d resolved, %d unresolved\n", stats.Total, stats.Resolved, stats.Unresolved)
	categories := make([]FailureCategory, 0, len(stats.ByCategory))
	for c := range stats.ByCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	for _, c := range categories {
		fmt.Fprintf(&b, "  %-20s %d\n", c.String(), stats.ByCategory[c])
	}
	return b.String()
}
