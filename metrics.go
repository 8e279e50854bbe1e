package authcore

import (
	internalmetrics "github.com/mealplanner/authcore/internal/metrics"
)

// MetricID identifies a specific counter or histogram in the in-process metrics system.
type MetricID = internalmetrics.MetricID

const (
	MetricSessionCreated        = internalmetrics.MetricSessionCreated
	MetricRefreshSuccess        = internalmetrics.MetricRefreshSuccess
	MetricRefreshCoalesced      = internalmetrics.MetricRefreshCoalesced
	MetricRefreshGraceReserved  = internalmetrics.MetricRefreshGraceReserved
	MetricRefreshSessionExpired = internalmetrics.MetricRefreshSessionExpired
	MetricRefreshReuseDetected  = internalmetrics.MetricRefreshReuseDetected
	MetricRefreshTransient      = internalmetrics.MetricRefreshTransient
	MetricRefreshRateLimited    = internalmetrics.MetricRefreshRateLimited
	MetricRefreshLockTimeout    = internalmetrics.MetricRefreshLockTimeout
	MetricRefreshInvalid        = internalmetrics.MetricRefreshInvalid
	MetricVerifySuccess         = internalmetrics.MetricVerifySuccess
	MetricVerifyExpired         = internalmetrics.MetricVerifyExpired
	MetricVerifyInvalid         = internalmetrics.MetricVerifyInvalid
	MetricSessionRevoked        = internalmetrics.MetricSessionRevoked
	MetricRefreshLatency        = internalmetrics.MetricRefreshLatency
	MetricVerifyLatency         = internalmetrics.MetricVerifyLatency
)

// Metrics holds atomic counters and optional latency histograms.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a new [Metrics] instance configured by the given
// [MetricsConfig]. When Enabled is false, all operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
