package internaldefs

import (
	"github.com/mealplanner/authcore"
)

// Source is what both exporters read on every scrape or collection. *authcore.Engine
// satisfies it.
type Source interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
	AuditDelivered() uint64
	RotationsInFlight() int
}

// Sample is one series of a counter family. Value is the label value; it is empty for
// unlabelled families.
type Sample struct {
	ID    authcore.MetricID
	Value string
}

// CounterFamily is a counter exported once per sample, split by Label.
type CounterFamily struct {
	Name    string
	Help    string
	Label   string
	Samples []Sample
}

// HistogramDef maps a latency histogram id to its exported name.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// GaugeDef names a gauge computed at read time.
type GaugeDef struct {
	Name string
	Help string
}

// CounterFamilies lists every exported counter family in output order.
//
// Coalesced callers are kept out of the outcome split: a storm records its outcome once and
// every caller that shared it is counted separately.
var CounterFamilies = []CounterFamily{
	{
		Name:    "authcore_sessions_created_total",
		Help:    "Created token families.",
		Samples: []Sample{{ID: authcore.MetricSessionCreated}},
	},
	{
		Name:    "authcore_families_revoked_total",
		Help:    "Families moved to Revoked by logout or reuse detection.",
		Samples: []Sample{{ID: authcore.MetricSessionRevoked}},
	},
	{
		Name:  "authcore_refresh_total",
		Help:  "Refresh attempts by outcome.",
		Label: "outcome",
		Samples: []Sample{
			{ID: authcore.MetricRefreshSuccess, Value: "rotated"},
			{ID: authcore.MetricRefreshGraceReserved, Value: "grace_reserved"},
			{ID: authcore.MetricRefreshSessionExpired, Value: "session_expired"},
			{ID: authcore.MetricRefreshReuseDetected, Value: "reuse_detected"},
			{ID: authcore.MetricRefreshRateLimited, Value: "rate_limited"},
			{ID: authcore.MetricRefreshLockTimeout, Value: "lock_timeout"},
			{ID: authcore.MetricRefreshInvalid, Value: "invalid"},
			{ID: authcore.MetricRefreshTransient, Value: "transient"},
		},
	},
	{
		Name:    "authcore_refresh_coalesced_callers_total",
		Help:    "Refresh callers served by a rotation they shared with concurrent callers.",
		Samples: []Sample{{ID: authcore.MetricRefreshCoalesced}},
	},
	{
		Name:  "authcore_verify_total",
		Help:  "Access credential checks by result.",
		Label: "result",
		Samples: []Sample{
			{ID: authcore.MetricVerifySuccess, Value: "ok"},
			{ID: authcore.MetricVerifyExpired, Value: "expired"},
			{ID: authcore.MetricVerifyInvalid, Value: "invalid"},
		},
	},
}

// AuditEvents is exported with result="delivered" and result="dropped".
var AuditEvents = CounterFamily{
	Name:  "authcore_audit_events_total",
	Help:  "Audit events handed to the sink or dropped under backpressure.",
	Label: "result",
}

// HistogramDefs lists the latency histograms.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricRefreshLatency, Name: "authcore_refresh_latency_seconds", Help: "Refresh latency histogram."},
	{ID: authcore.MetricVerifyLatency, Name: "authcore_verify_latency_seconds", Help: "Verify latency histogram."},
}

var (
	RotationsInFlight = GaugeDef{
		Name: "authcore_refresh_rotations_in_flight",
		Help: "Families with a rotation running on this node.",
	}
	CoalescedPerRotation = GaugeDef{
		Name: "authcore_refresh_coalesced_per_rotation",
		Help: "Coalesced refresh callers per completed rotation.",
	}
)

// CoalescedRatio is coalesced callers divided by rotations, 0 before the first rotation.
// A value well above 1 means clients are refreshing in storms.
func CoalescedRatio(s authcore.MetricsSnapshot) float64 {
	rotated := s.Counters[authcore.MetricRefreshSuccess]
	if rotated == 0 {
		return 0
	}
	return float64(s.Counters[authcore.MetricRefreshCoalesced]) / float64(rotated)
}

// Empty reports whether a source has nothing to export, which is the case when metrics are
// disabled and no audit or rotation activity exists.
func Empty(src Source, s authcore.MetricsSnapshot) bool {
	return len(s.Counters) == 0 && len(s.Histograms) == 0 &&
		src.AuditDropped() == 0 && src.AuditDelivered() == 0 && src.RotationsInFlight() == 0
}

// HistogramBounds are the upper bounds of the core latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into the cumulative form Prometheus expects.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
