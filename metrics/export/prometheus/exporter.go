package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mealplanner/authcore"
	"github.com/mealplanner/authcore/metrics/export/internaldefs"
)

// PrometheusExporter renders engine metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source internaldefs.Source
}

// NewPrometheusExporter creates an exporter that reads from engine.
func NewPrometheusExporter(engine *authcore.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource creates an exporter over any snapshot source.
func NewPrometheusExporterFromSource(source internaldefs.Source) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves the rendered metrics.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current metrics, or "" when there is nothing to report.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	if internaldefs.Empty(p.source, snapshot) {
		return ""
	}

	var b strings.Builder
	b.Grow(8192)

	for _, fam := range internaldefs.CounterFamilies {
		writeHeader(&b, fam.Name, fam.Help, "counter")
		for _, s := range fam.Samples {
			writeSample(&b, fam.Name, fam.Label, s.Value, strconv.FormatUint(snapshot.Counters[s.ID], 10))
		}
	}

	audit := internaldefs.AuditEvents
	writeHeader(&b, audit.Name, audit.Help, "counter")
	writeSample(&b, audit.Name, audit.Label, "delivered", strconv.FormatUint(p.source.AuditDelivered(), 10))
	writeSample(&b, audit.Name, audit.Label, "dropped", strconv.FormatUint(p.source.AuditDropped(), 10))

	writeHeader(&b, internaldefs.RotationsInFlight.Name, internaldefs.RotationsInFlight.Help, "gauge")
	writeSample(&b, internaldefs.RotationsInFlight.Name, "", "", strconv.Itoa(p.source.RotationsInFlight()))

	writeHeader(&b, internaldefs.CoalescedPerRotation.Name, internaldefs.CoalescedPerRotation.Help, "gauge")
	writeSample(&b, internaldefs.CoalescedPerRotation.Name, "", "",
		strconv.FormatFloat(internaldefs.CoalescedRatio(snapshot), 'g', -1, 64))

	for _, def := range internaldefs.HistogramDefs {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		writeHistogram(&b, def.Name, def.Help, cumulative)
	}

	return b.String()
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(kind)
	b.WriteByte('\n')
}

// writeSample writes one series line. An empty label writes the bare name.
func writeSample(b *strings.Builder, name, label, value, sample string) {
	b.WriteString(name)
	if label != "" {
		b.WriteByte('{')
		b.WriteString(label)
		b.WriteString("=\"")
		b.WriteString(value)
		b.WriteString("\"}")
	}
	b.WriteByte(' ')
	b.WriteString(sample)
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, help string, cumulative [8]uint64) {
	writeHeader(b, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		writeSample(b, name+"_bucket", "le", le, strconv.FormatUint(cumulative[i], 10))
	}
	writeSample(b, name+"_count", "", "", strconv.FormatUint(cumulative[len(cumulative)-1], 10))
	// Core snapshots carry no sum.
	writeSample(b, name+"_sum", "", "", "0")
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}
