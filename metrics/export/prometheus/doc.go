// Package prometheus renders engine metrics in Prometheus text exposition format.
//
// [NewPrometheusExporter] wraps an [authcore.Engine] and exposes an [net/http.Handler].
// Counters are named authcore_*_total; the refresh and verify latency histograms are
// authcore_refresh_latency_seconds and authcore_verify_latency_seconds.
//
// The exporter never registers in a global registry; callers mount the Handler.
package prometheus
