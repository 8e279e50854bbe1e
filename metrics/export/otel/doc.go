// Package otel publishes engine metrics as OpenTelemetry instruments.
//
// [NewOTelExporter] registers an Int64ObservableCounter per counter and an
// Int64ObservableGauge per histogram bucket. One callback reads
// [authcore.Engine.MetricsSnapshot] on each collection cycle.
//
// Callers own the MeterProvider and supply the Meter.
package otel
