package authcore

import "testing"

func TestNewMetricsHonoursConfig(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricRefreshSuccess)
	if got := m.Value(MetricRefreshSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}

	m = NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricRefreshReuseDetected)
	m.Inc(MetricRefreshReuseDetected)
	if got := m.Value(MetricRefreshReuseDetected); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestEngineMetricsSnapshotNilSafe(t *testing.T) {
	var e *Engine
	snap := e.MetricsSnapshot()
	if snap.Counters == nil || snap.Histograms == nil {
		t.Fatal("nil engine must return empty maps")
	}
	if e.AuditDropped() != 0 {
		t.Fatal("nil engine drops nothing")
	}
}
