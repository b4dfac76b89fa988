// Package dashboard aggregates per-task-kind throughput and latency
// metrics, detects bottlenecks against fixed thresholds, and raises
// severity-tagged alerts — the observation layer sitting over every
// other component, grounded on the teacher's Prometheus collector and
// health-alert idioms.
package dashboard

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/packcore/packcore/internal/optimizer"
)

// Status is a display metric's health classification.
type Status int

const (
	Good Status = iota
	Warning
	Critical
)

func (s Status) String() string {
	switch s {
	case Good:
		return "good"
	case Warning:
		return "warning"
	default:
		return "critical"
	}
}

// Thresholds used by bottleneck detection, per spec §4.L.
const (
	maxAvgDuration      = 5 * time.Second
	minThroughputBPS    = 10 * 1024 * 1024 // 10 MB/s
	minSuccessRatePct   = 95.0
)

// KindMetrics accumulates counters for one task kind.
type KindMetrics struct {
	Kind          string
	Count         int64
	Errors        int64
	TotalDuration time.Duration
	TotalBytes    int64
	TotalItems    int64
	LastOperation time.Time
}

// AvgDuration returns the mean operation duration, zero if no operations.
func (k *KindMetrics) AvgDuration() time.Duration {
	if k.Count == 0 {
		return 0
	}
	return time.Duration(int64(k.TotalDuration) / k.Count)
}

// SuccessRate returns a 0-100 percentage.
func (k *KindMetrics) SuccessRate() float64 {
	if k.Count == 0 {
		return 100
	}
	return float64(k.Count-k.Errors) / float64(k.Count) * 100
}

// ThroughputBytesPerSec returns bytes processed per second of wall-clock
// duration accumulated for this kind.
func (k *KindMetrics) ThroughputBytesPerSec() float64 {
	seconds := k.TotalDuration.Seconds()
	if seconds == 0 {
		return 0
	}
	return float64(k.TotalBytes) / seconds
}

func (k *KindMetrics) clone() *KindMetrics {
	c := *k
	return &c
}

// Bottleneck flags one task kind failing a threshold.
type Bottleneck struct {
	Kind   string
	Reason string
	Value  float64
}

// DisplayMetric is a dashboard-ready rendering of one measurement.
type DisplayMetric struct {
	Name       string
	Value      float64
	Unit       string
	Status     Status
	Percentage float64 // 0-100, for bar rendering
}

// AlertSeverity tags an Alert's urgency.
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "critical"
	}
}

// Alert is a raised dashboard alert.
type Alert struct {
	ID        string
	Kind      string
	Severity  AlertSeverity
	Message   string
	Timestamp time.Time
	Resolved  bool
}

// Report is the consolidated record Snapshot returns.
type Report struct {
	Kinds        map[string]*KindMetrics
	Resource     optimizer.Sample
	Bottlenecks  []Bottleneck
	RecentAlerts []Alert
	GeneratedAt  time.Time
}

// Config configures a Dashboard.
type Config struct {
	UpdateInterval      time.Duration
	WorkingSetThreshold uint64 // bytes; HeapAlloc over this flags a bottleneck
	Optimizer           *optimizer.Optimizer
	Namespace           string
}

// Dashboard aggregates operation metrics per task kind and serves
// snapshots, bottleneck reports, display metrics, and alerts.
type Dashboard struct {
	mu    sync.RWMutex
	kinds map[string]*KindMetrics

	alertsMu sync.Mutex
	alerts   []Alert

	cfg       Config
	optimizer *optimizer.Optimizer

	registry      *prometheus.Registry
	opCounter     *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	opBytes       *prometheus.CounterVec

	startMu sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	alertIDCounter int64
}

// New creates a Dashboard.
func New(cfg Config) *Dashboard {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 30 * time.Second
	}
	if cfg.WorkingSetThreshold == 0 {
		cfg.WorkingSetThreshold = 500 * 1024 * 1024
	}
	if cfg.Optimizer == nil {
		cfg.Optimizer = optimizer.New(optimizer.Config{})
	}

	registry := prometheus.NewRegistry()
	opCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "task_operations_total",
		Help:      "Total number of scheduler task operations by kind and status.",
	}, []string{"kind", "status"})
	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "task_operation_duration_seconds",
		Help:      "Duration of scheduler task operations by kind.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"kind"})
	opBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "task_operation_bytes_total",
		Help:      "Bytes processed by scheduler task operations by kind.",
	}, []string{"kind"})

	_ = registry.Register(opCounter)
	_ = registry.Register(opDuration)
	_ = registry.Register(opBytes)

	return &Dashboard{
		kinds:      make(map[string]*KindMetrics),
		cfg:        cfg,
		optimizer:  cfg.Optimizer,
		registry:   registry,
		opCounter:  opCounter,
		opDuration: opDuration,
		opBytes:    opBytes,
	}
}

// RecordOperation records one completed task operation for kind.
func (d *Dashboard) RecordOperation(kind string, duration time.Duration, bytes, items int64, success bool) {
	d.mu.Lock()
	m, ok := d.kinds[kind]
	if !ok {
		m = &KindMetrics{Kind: kind}
		d.kinds[kind] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalBytes += bytes
	m.TotalItems += items
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	d.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	d.opCounter.WithLabelValues(kind, status).Inc()
	d.opDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if bytes > 0 {
		d.opBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

// Snapshot returns a consolidated report: every kind's current metrics,
// a fresh resource sample, current bottlenecks, and the n most recent
// alerts (newest first).
func (d *Dashboard) Snapshot(n int) Report {
	d.mu.RLock()
	kinds := make(map[string]*KindMetrics, len(d.kinds))
	for k, v := range d.kinds {
		kinds[k] = v.clone()
	}
	d.mu.RUnlock()

	sample, _ := d.optimizer.Sample()

	return Report{
		Kinds:        kinds,
		Resource:     sample,
		Bottlenecks:  d.detectBottlenecksLocked(kinds, sample),
		RecentAlerts: d.recentAlerts(n),
		GeneratedAt:  time.Now(),
	}
}

func (d *Dashboard) detectBottlenecksLocked(kinds map[string]*KindMetrics, sample optimizer.Sample) []Bottleneck {
	var out []Bottleneck
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := kinds[name]
		if avg := m.AvgDuration(); avg > maxAvgDuration {
			out = append(out, Bottleneck{Kind: name, Reason: "average duration exceeds 5s", Value: avg.Seconds()})
		}
		if tp := m.ThroughputBytesPerSec(); m.TotalBytes > 0 && tp < minThroughputBPS {
			out = append(out, Bottleneck{Kind: name, Reason: "throughput below 10 MB/s", Value: tp})
		}
		if rate := m.SuccessRate(); m.Count > 0 && rate < minSuccessRatePct {
			out = append(out, Bottleneck{Kind: name, Reason: "success rate below 95%", Value: rate})
		}
	}

	if sample.HeapAlloc > d.cfg.WorkingSetThreshold {
		out = append(out, Bottleneck{Kind: "*", Reason: "working set over threshold", Value: float64(sample.HeapAlloc)})
	}
	return out
}

// DetectBottlenecks is a standalone entry point equivalent to the
// bottleneck portion of Snapshot, useful when callers don't need the
// full report.
func (d *Dashboard) DetectBottlenecks() []Bottleneck {
	d.mu.RLock()
	kinds := make(map[string]*KindMetrics, len(d.kinds))
	for k, v := range d.kinds {
		kinds[k] = v.clone()
	}
	d.mu.RUnlock()
	sample, _ := d.optimizer.Sample()
	return d.detectBottlenecksLocked(kinds, sample)
}

// DisplayMetrics converts a report's per-kind metrics into dashboard
// display metrics: value, unit, status, and a percentage suitable for
// bar rendering.
func (d *Dashboard) DisplayMetrics(report Report) []DisplayMetric {
	names := make([]string, 0, len(report.Kinds))
	for name := range report.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []DisplayMetric
	for _, name := range names {
		m := report.Kinds[name]

		durStatus := Good
		durPct := clampPercent(m.AvgDuration().Seconds() / maxAvgDuration.Seconds() * 100)
		if m.AvgDuration() > maxAvgDuration {
			durStatus = Critical
		} else if m.AvgDuration() > maxAvgDuration/2 {
			durStatus = Warning
		}
		out = append(out, DisplayMetric{
			Name: name + ".avg_duration", Value: m.AvgDuration().Seconds(), Unit: "s",
			Status: durStatus, Percentage: durPct,
		})

		rate := m.SuccessRate()
		rateStatus := Good
		if rate < minSuccessRatePct {
			rateStatus = Critical
		} else if rate < 99 {
			rateStatus = Warning
		}
		out = append(out, DisplayMetric{
			Name: name + ".success_rate", Value: rate, Unit: "%",
			Status: rateStatus, Percentage: clampPercent(rate),
		})

		tp := m.ThroughputBytesPerSec()
		tpStatus := Good
		if m.TotalBytes > 0 && tp < minThroughputBPS {
			tpStatus = Critical
		}
		out = append(out, DisplayMetric{
			Name: name + ".throughput", Value: tp / (1024 * 1024), Unit: "MB/s",
			Status: tpStatus, Percentage: clampPercent(tp / minThroughputBPS * 100),
		})
	}

	heapStatus := Good
	heapPct := clampPercent(float64(report.Resource.HeapAlloc) / float64(d.cfg.WorkingSetThreshold) * 100)
	if report.Resource.HeapAlloc > d.cfg.WorkingSetThreshold {
		heapStatus = Critical
	} else if float64(report.Resource.HeapAlloc) > float64(d.cfg.WorkingSetThreshold)*0.8 {
		heapStatus = Warning
	}
	out = append(out, DisplayMetric{
		Name: "working_set", Value: float64(report.Resource.HeapAlloc) / (1024 * 1024), Unit: "MB",
		Status: heapStatus, Percentage: heapPct,
	})

	return out
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// RaiseAlert records a severity-tagged alert, retaining it for later
// retrieval via Snapshot/Alerts.
func (d *Dashboard) RaiseAlert(kind string, severity AlertSeverity, message string) Alert {
	d.alertsMu.Lock()
	defer d.alertsMu.Unlock()
	d.alertIDCounter++
	a := Alert{
		ID:        fmt.Sprintf("alert-%d", d.alertIDCounter),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
	}
	d.alerts = append(d.alerts, a)
	return a
}

func (d *Dashboard) recentAlerts(n int) []Alert {
	d.alertsMu.Lock()
	defer d.alertsMu.Unlock()
	if n <= 0 || n > len(d.alerts) {
		n = len(d.alerts)
	}
	out := make([]Alert, n)
	for i := 0; i < n; i++ {
		out[i] = d.alerts[len(d.alerts)-1-i]
	}
	return out
}

// Alerts returns the n most recent alerts, newest first.
func (d *Dashboard) Alerts(n int) []Alert {
	return d.recentAlerts(n)
}

// Start begins the background update loop, which periodically converts
// current bottlenecks into raised alerts.
func (d *Dashboard) Start() error {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return fmt.Errorf("dashboard already started")
	}
	d.started = true
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.updateLoop()
	return nil
}

// Stop halts the background update loop and awaits its completion.
func (d *Dashboard) Stop() error {
	d.startMu.Lock()
	if !d.started {
		d.startMu.Unlock()
		return fmt.Errorf("dashboard not started")
	}
	d.started = false
	close(d.stopCh)
	d.startMu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *Dashboard) updateLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			for _, b := range d.DetectBottlenecks() {
				d.RaiseAlert(b.Kind, SeverityWarning, b.Reason)
			}
		}
	}
}
