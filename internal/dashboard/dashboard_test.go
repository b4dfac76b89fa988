package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperationAggregatesPerKind(t *testing.T) {
	d := New(Config{})
	d.RecordOperation("scan", 100*time.Millisecond, 1024, 1, true)
	d.RecordOperation("scan", 200*time.Millisecond, 2048, 1, false)

	report := d.Snapshot(0)
	m, ok := report.Kinds["scan"]
	require.True(t, ok)
	assert.Equal(t, int64(2), m.Count)
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, int64(3072), m.TotalBytes)
	assert.InDelta(t, 50, m.SuccessRate(), 0.001)
}

func TestDetectBottlenecksFlagsSlowKind(t *testing.T) {
	d := New(Config{})
	d.RecordOperation("compress", 6*time.Second, 1024*1024, 1, true)

	bottlenecks := d.DetectBottlenecks()
	var found bool
	for _, b := range bottlenecks {
		if b.Kind == "compress" && b.Reason == "average duration exceeds 5s" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectBottlenecksFlagsLowThroughput(t *testing.T) {
	d := New(Config{})
	d.RecordOperation("index", time.Second, 1024, 1, true) // 1 KB/s << 10 MB/s

	bottlenecks := d.DetectBottlenecks()
	var found bool
	for _, b := range bottlenecks {
		if b.Kind == "index" && b.Reason == "throughput below 10 MB/s" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectBottlenecksFlagsLowSuccessRate(t *testing.T) {
	d := New(Config{})
	for i := 0; i < 10; i++ {
		success := i < 5 // 50% success rate
		d.RecordOperation("sync", time.Millisecond, 1, 1, success)
	}

	bottlenecks := d.DetectBottlenecks()
	var found bool
	for _, b := range bottlenecks {
		if b.Kind == "sync" && b.Reason == "success rate below 95%" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectBottlenecksFlagsWorkingSetOverThreshold(t *testing.T) {
	d := New(Config{WorkingSetThreshold: 1}) // 1 byte threshold, trivially exceeded
	bottlenecks := d.DetectBottlenecks()
	var found bool
	for _, b := range bottlenecks {
		if b.Kind == "*" && b.Reason == "working set over threshold" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDisplayMetricsProducesStatusAndPercentage(t *testing.T) {
	d := New(Config{})
	d.RecordOperation("scan", time.Second, 1024*1024*20, 1, true)
	report := d.Snapshot(0)
	metrics := d.DisplayMetrics(report)
	assert.NotEmpty(t, metrics)
	for _, m := range metrics {
		assert.GreaterOrEqual(t, m.Percentage, float64(0))
		assert.LessOrEqual(t, m.Percentage, float64(100))
	}
}

func TestRaiseAlertAndRecentAlertsOrdering(t *testing.T) {
	d := New(Config{})
	d.RaiseAlert("scan", SeverityWarning, "first")
	d.RaiseAlert("scan", SeverityCritical, "second")

	alerts := d.Alerts(1)
	require.Len(t, alerts, 1)
	assert.Equal(t, "second", alerts[0].Message)

	all := d.Alerts(0)
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Message)
	assert.Equal(t, "first", all[1].Message)
}

func TestStartStopIsIdempotentAndRaisesAlertsFromBottlenecks(t *testing.T) {
	d := New(Config{UpdateInterval: 10 * time.Millisecond, WorkingSetThreshold: 1})
	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	deadline := time.Now().Add(time.Second)
	for len(d.Alerts(0)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, d.Stop())
	assert.Error(t, d.Stop())
	assert.NotEmpty(t, d.Alerts(0))
}
