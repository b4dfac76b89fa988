// Package optimizer samples process resource pressure and recommends a
// worker concurrency per operation class, adjusting a shared "current
// concurrency" setting on a fixed cadence.
package optimizer

import (
	"runtime"
	"sync"
	"time"
)

// Pressure classifies current resource pressure.
type Pressure int

const (
	Low Pressure = iota
	Moderate
	High
	Critical
)

func (p Pressure) String() string {
	switch p {
	case Low:
		return "low"
	case Moderate:
		return "moderate"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Class is the operation category a concurrency recommendation is for.
type Class int

const (
	ClassIO Class = iota
	ClassCPU
	ClassMemory
	ClassTexture
	ClassOther
)

// Sample is one resource reading.
type Sample struct {
	Timestamp    time.Time
	CPUPercent   float64
	MemPercent   float64
	NumGoroutine int
	HeapAlloc    uint64
	GCCommitted  uint64
}

// Config configures an Optimizer.
type Config struct {
	Target             int // baseline target concurrency
	Min                int
	Max                int
	AdjustmentInterval time.Duration
	CPUSampler         func() float64 // injected for testability; defaults to a goroutine-count proxy
	MemSampler         func() float64
}

// Optimizer samples resource pressure and recommends per-class worker
// concurrency, adjusting a shared current-concurrency value over time.
type Optimizer struct {
	mu sync.Mutex

	target, min, max   int
	current            int
	adjustmentInterval time.Duration
	lastAdjust         time.Time

	cpuSampler func() float64
	memSampler func() float64

	lastSample Sample
}

// New creates an Optimizer with the given configuration.
func New(cfg Config) *Optimizer {
	if cfg.Target <= 0 {
		cfg.Target = 4
	}
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max <= 0 {
		cfg.Max = cfg.Target * 4
	}
	if cfg.AdjustmentInterval <= 0 {
		cfg.AdjustmentInterval = 5 * time.Second
	}
	if cfg.CPUSampler == nil {
		cfg.CPUSampler = defaultCPUProxy
	}
	if cfg.MemSampler == nil {
		cfg.MemSampler = defaultMemProxy
	}
	return &Optimizer{
		target:             cfg.Target,
		min:                cfg.Min,
		max:                cfg.Max,
		current:            cfg.Target,
		adjustmentInterval: cfg.AdjustmentInterval,
		cpuSampler:         cfg.CPUSampler,
		memSampler:         cfg.MemSampler,
	}
}

// defaultCPUProxy has no portable stdlib CPU% reading; it proxies off
// goroutine count relative to GOMAXPROCS, which correlates with scheduler
// contention closely enough for the pressure bands this component uses.
func defaultCPUProxy() float64 {
	procs := runtime.GOMAXPROCS(0)
	goroutines := runtime.NumGoroutine()
	return float64(goroutines) / float64(procs*50) * 100
}

func defaultMemProxy() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Sys == 0 {
		return 0
	}
	return float64(m.HeapInuse) / float64(m.Sys) * 100
}

// Sample takes a fresh resource reading and returns the current pressure
// level derived from it.
func (o *Optimizer) Sample() (Sample, Pressure) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := Sample{
		Timestamp:    time.Now(),
		CPUPercent:   o.cpuSampler(),
		MemPercent:   o.memSampler(),
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    m.HeapAlloc,
		GCCommitted:  m.HeapSys,
	}

	o.mu.Lock()
	o.lastSample = s
	o.mu.Unlock()

	return s, pressureOf(s)
}

func pressureOf(s Sample) Pressure {
	switch {
	case s.CPUPercent > 90 || s.MemPercent > 90:
		return Critical
	case s.CPUPercent > 75 || s.MemPercent > 80:
		return High
	case s.CPUPercent >= 50 || s.MemPercent >= 60:
		return Moderate
	default:
		return Low
	}
}

// Recommend returns the recommended concurrency for class given pressure.
func (o *Optimizer) Recommend(class Class, pressure Pressure) int {
	o.mu.Lock()
	target := o.current
	min := o.min
	o.mu.Unlock()

	var rec int
	switch class {
	case ClassIO:
		rec = target * 2
	case ClassCPU:
		rec = target
	case ClassMemory:
		rec = maxInt(target/2, 1)
	case ClassTexture:
		rec = maxInt(target/2, 1)
	default:
		rec = target
	}

	if pressure == High {
		rec = maxInt(rec-1, min)
	}
	if pressure == Critical {
		rec = min
	}
	return maxInt(rec, min)
}

// AdjustIfDue nudges the shared current-concurrency setting at most once
// per AdjustmentInterval: Low -> +1, Moderate -> unchanged, High -> -1,
// Critical -> snap to min.
func (o *Optimizer) AdjustIfDue(pressure Pressure) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	if !o.lastAdjust.IsZero() && now.Sub(o.lastAdjust) < o.adjustmentInterval {
		return o.current
	}
	o.lastAdjust = now

	switch pressure {
	case Low:
		o.current = minInt(o.current+1, o.max)
	case Moderate:
		// unchanged
	case High:
		o.current = maxInt(o.current-1, o.min)
	case Critical:
		o.current = o.min
	}
	return o.current
}

// Current returns the current shared concurrency value.
func (o *Optimizer) Current() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// WaitForResources blocks briefly under pressure: 100ms at High, 500ms at
// Critical, returns immediately otherwise.
func (o *Optimizer) WaitForResources(pressure Pressure) {
	switch pressure {
	case High:
		time.Sleep(100 * time.Millisecond)
	case Critical:
		time.Sleep(500 * time.Millisecond)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
