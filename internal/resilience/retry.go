// Package resilience implements the failure-handling trio the scheduler
// leans on: a per-task-kind retry policy, a per-task-kind circuit
// breaker, and a dead-letter queue for exhausted failures.
package resilience

import (
	"math"
	"math/rand"
	"sync"
	"time"

	pkgerr "github.com/packcore/packcore/pkg/errors"
)

// RetryConfig is one task-kind's retry parameters.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0 disables jitter
}

// DefaultRetryConfig returns sane per-kind defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	return c
}

// RetryPolicy tracks per-task-kind retry configuration and computes next-
// attempt delays.
type RetryPolicy struct {
	mu       sync.Mutex
	byKind   map[string]RetryConfig
	fallback RetryConfig
}

// NewRetryPolicy creates a RetryPolicy using fallback for any kind without
// an explicit configuration.
func NewRetryPolicy(fallback RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		byKind:   make(map[string]RetryConfig),
		fallback: fallback.normalized(),
	}
}

// SetConfig installs a per-kind override.
func (p *RetryPolicy) SetConfig(kind string, cfg RetryConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKind[kind] = cfg.normalized()
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg, ok := p.byKind[kind]; ok {
		return cfg
	}
	return p.fallback
}

// ConfigFor returns the effective, normalized retry configuration for
// kind — its explicit per-kind override if one was set via SetConfig,
// otherwise the policy's fallback. Callers use this to learn the
// configured retry ceiling for a kind without duplicating it.
func (p *RetryPolicy) ConfigFor(kind string) RetryConfig {
	return p.configFor(kind)
}

// NextDelay returns the delay to wait after the failed attempt (1-indexed)
// before the next one, and whether the caller should retry at all: false means give up, either
// because attempts are exhausted or the error isn't retryable.
func (p *RetryPolicy) NextDelay(kind string, err error, attempt int) (time.Duration, bool) {
	cfg := p.configFor(kind)
	if attempt >= cfg.MaxAttempts {
		return 0, false
	}
	if pe := pkgerr.AsPackError(err); pe == nil || !pe.IsRetryable() {
		return 0, false
	}

	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.JitterFactor > 0 {
		delay += delay * cfg.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay), true
}
