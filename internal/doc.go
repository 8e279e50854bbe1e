// Package internal holds helpers private to authcore.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - envconfig: .env and environment loading for the example service
//   - flight: keyed single-flight arena with per-family lock leases
//   - flows: refresh and session flow orchestration over injected dependencies
//   - metrics: lock-free counters and latency histograms
//   - rate: Redis fixed-window refresh throttle
//   - telemetry: OTLP tracer provider setup
package internal
