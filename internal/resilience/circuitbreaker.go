package resilience

import (
	"sync"
	"time"

	pkgerr "github.com/packcore/packcore/pkg/errors"
)

// BreakerState is a circuit breaker's current state.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig is one task-kind's circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold float64 // fraction of failures within Window that trips the breaker
	MinRequests      int     // requests observed before the breaker can trip
	Window           time.Duration
	OpenTimeout      time.Duration
}

// DefaultBreakerConfig returns sane defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 0.5,
		MinRequests:      20,
		Window:           60 * time.Second,
		OpenTimeout:      60 * time.Second,
	}
}

type breakerCounts struct {
	requests, failures int
}

// breaker is one task-kind's circuit breaker instance.
type breaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	state  BreakerState
	counts breakerCounts
	expiry time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, state: Closed, expiry: time.Now().Add(cfg.Window)}
}

func (b *breaker) currentState(now time.Time) BreakerState {
	switch b.state {
	case Closed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = breakerCounts{}
			b.expiry = now.Add(b.cfg.Window)
		}
	case Open:
		if b.expiry.Before(now) {
			b.setState(HalfOpen, now)
		}
	}
	return b.state
}

func (b *breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	b.state = state
	b.counts = breakerCounts{}
	switch state {
	case Closed:
		b.expiry = now.Add(b.cfg.Window)
	case Open:
		b.expiry = now.Add(b.cfg.OpenTimeout)
	case HalfOpen:
		b.expiry = time.Time{}
	}
}

// Allow reports whether a call may proceed given current state.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state := b.currentState(now)
	if state == Open {
		return false
	}
	if state == HalfOpen && b.counts.requests >= 1 {
		return false
	}
	b.counts.requests++
	return true
}

// Report records the outcome of an admitted call.
func (b *breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state := b.currentState(now)

	if success {
		if state == HalfOpen {
			b.setState(Closed, now)
		}
		return
	}

	b.counts.failures++
	switch state {
	case Closed:
		if b.counts.requests >= b.cfg.MinRequests &&
			float64(b.counts.failures)/float64(b.counts.requests) >= b.cfg.FailureThreshold {
			b.setState(Open, now)
		}
	case HalfOpen:
		b.setState(Open, now)
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// BreakerManager owns one breaker per task kind.
type BreakerManager struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	fallback BreakerConfig
}

// NewBreakerManager creates a manager using fallback for any kind without
// an explicit configuration.
func NewBreakerManager(fallback BreakerConfig) *BreakerManager {
	return &BreakerManager{breakers: make(map[string]*breaker), fallback: fallback}
}

// SetConfig installs a per-kind override, replacing that kind's breaker.
func (m *BreakerManager) SetConfig(kind string, cfg BreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[kind] = newBreaker(cfg)
}

func (m *BreakerManager) breakerFor(kind string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[kind]
	if !ok {
		b = newBreaker(m.fallback)
		m.breakers[kind] = b
	}
	return b
}

// Allow reports whether a call of the given kind may proceed.
func (m *BreakerManager) Allow(kind string) bool {
	return m.breakerFor(kind).Allow()
}

// Report records a call's outcome for its kind.
func (m *BreakerManager) Report(kind string, err error) {
	m.breakerFor(kind).Report(err == nil)
}

// State returns the current state of a kind's breaker.
func (m *BreakerManager) State(kind string) BreakerState {
	return m.breakerFor(kind).State()
}

// ErrCircuitOpen is returned by callers that consult Allow and find the
// breaker open; kept here since resilience is the only place it applies.
var ErrCircuitOpen = pkgerr.New(pkgerr.CodeResourceExhaustion, "circuit breaker open")
