package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mealplanner/authcore"
	"github.com/mealplanner/authcore/metrics/export/internaldefs"
)

var (
	// ErrNilMeter is returned when no meter is supplied.
	ErrNilMeter = errors.New("nil meter")
	// ErrNilSource is returned when no snapshot source is supplied.
	ErrNilSource = errors.New("nil metrics source")
)

type observedSample struct {
	id   authcore.MetricID
	opts []metric.ObserveOption
}

type observedFamily struct {
	instrument metric.Int64ObservableCounter
	samples    []observedSample
}

type observedHistogram struct {
	id      authcore.MetricID
	buckets metric.Int64ObservableGauge
	bounds  [8]metric.ObserveOption
	count   metric.Int64ObservableGauge
}

// OTelExporter publishes engine metrics through observable instruments read on every
// collection. Label values of the counter families become attributes.
type OTelExporter struct {
	source       internaldefs.Source
	registration metric.Registration
	families     []observedFamily
	histograms   []observedHistogram
	audit        metric.Int64ObservableCounter
	inFlight     metric.Int64ObservableGauge
	coalesced    metric.Float64ObservableGauge
}

var (
	auditDelivered = metric.WithAttributeSet(attribute.NewSet(attribute.String(internaldefs.AuditEvents.Label, "delivered")))
	auditDropped   = metric.WithAttributeSet(attribute.NewSet(attribute.String(internaldefs.AuditEvents.Label, "dropped")))
)

// NewOTelExporter registers instruments for engine on meter.
func NewOTelExporter(meter metric.Meter, engine *authcore.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source internaldefs.Source) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{source: source}
	var observables []metric.Observable

	for _, fam := range internaldefs.CounterFamilies {
		ins, err := meter.Int64ObservableCounter(fam.Name, metric.WithDescription(fam.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", fam.Name, err)
		}
		of := observedFamily{instrument: ins}
		for _, s := range fam.Samples {
			sample := observedSample{id: s.ID}
			if fam.Label != "" {
				sample.opts = []metric.ObserveOption{
					metric.WithAttributeSet(attribute.NewSet(attribute.String(fam.Label, s.Value))),
				}
			}
			of.samples = append(of.samples, sample)
		}
		exporter.families = append(exporter.families, of)
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		name := def.Name + "_bucket"
		buckets, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
		}
		h.buckets = buckets
		for i, le := range internaldefs.HistogramBounds {
			h.bounds[i] = metric.WithAttributeSet(attribute.NewSet(attribute.String("le", le)))
		}
		countName := def.Name + "_count"
		count, err := meter.Int64ObservableGauge(countName, metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		h.count = count
		exporter.histograms = append(exporter.histograms, h)
		observables = append(observables, buckets, count)
	}

	var err error
	exporter.audit, err = meter.Int64ObservableCounter(internaldefs.AuditEvents.Name,
		metric.WithDescription(internaldefs.AuditEvents.Help))
	if err != nil {
		return nil, fmt.Errorf("create audit counter: %w", err)
	}
	exporter.inFlight, err = meter.Int64ObservableGauge(internaldefs.RotationsInFlight.Name,
		metric.WithDescription(internaldefs.RotationsInFlight.Help))
	if err != nil {
		return nil, fmt.Errorf("create in-flight gauge: %w", err)
	}
	exporter.coalesced, err = meter.Float64ObservableGauge(internaldefs.CoalescedPerRotation.Name,
		metric.WithDescription(internaldefs.CoalescedPerRotation.Help))
	if err != nil {
		return nil, fmt.Errorf("create coalesced gauge: %w", err)
	}
	observables = append(observables, exporter.audit, exporter.inFlight, exporter.coalesced)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, fam := range e.families {
		for _, s := range fam.samples {
			observer.ObserveInt64(fam.instrument, int64(snapshot.Counters[s.id]), s.opts...)
		}
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i := range cumulative {
			observer.ObserveInt64(h.buckets, int64(cumulative[i]), h.bounds[i])
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	observer.ObserveInt64(e.audit, int64(e.source.AuditDelivered()), auditDelivered)
	observer.ObserveInt64(e.audit, int64(e.source.AuditDropped()), auditDropped)
	observer.ObserveInt64(e.inFlight, int64(e.source.RotationsInFlight()))
	observer.ObserveFloat64(e.coalesced, internaldefs.CoalescedRatio(snapshot))
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
