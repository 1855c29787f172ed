// Package telemetry is a thin wrapper over go.opentelemetry.io/otel used by
// every engine component to emit spans, span events, and metrics without
// coupling the component to a specific SDK wiring. It is modeled on the
// gomind framework's telemetry package: package-level functions operating
// on whatever span happens to be in ctx and on a package-owned meter, safe
// to call even when no tracer is configured.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"
)

// Module labels used on every metric emitted by the engine so dashboards
// can filter by component.
const (
	ModuleValidator    = "validator"
	ModulePlanner      = "planner"
	ModuleStateStore   = "statestore"
	ModuleResourceGate = "resourcegate"
	ModuleStepRunner   = "steprunner"
	ModuleOrchestrator = "orchestrator"
	ModuleSupervisor   = "supervisor"
	ModuleCompensation = "compensation"
	ModuleEventBus     = "eventbus"
)

var tracerName = "github.com/kaironflow/opscore"

// StartSpan starts a new span named name under the engine's tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// AddSpanEvent marks a meaningful point in time within the current span.
// Safe to call with no span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records err on the current span and marks it failed.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds business-context attributes to the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// --- metrics ---------------------------------------------------------------
//
// The engine never needs a remote-write metrics backend for its own
// correctness, so unlike the tracer above (which rides whatever
// TracerProvider the host process configured on ctx) this package owns a
// single in-process go.opentelemetry.io/otel/sdk/metric.MeterProvider
// backed by a ManualReader: real Counter/Histogram/ObservableGauge
// instruments, collected on demand by Snapshot for tests and the demo
// daemon's status output, instead of a remote-write pipeline nothing in
// SPEC_FULL.md's scope consumes. The instruments are always created from
// this package's own provider, and init installs it as the global one, so
// a provider the host sets with otel.SetMeterProvider does not receive
// them.

var meterReader = sdkmetric.NewManualReader()

var meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(meterReader))

var meter = meterProvider.Meter(tracerName)

func init() {
	otel.SetMeterProvider(meterProvider)
}

func attrsFromLabels(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

var (
	countersMu sync.Mutex
	counters   = map[string]metric.Float64Counter{}

	histogramsMu sync.Mutex
	histograms   = map[string]metric.Float64Histogram{}
)

func counterFor(name string) metric.Float64Counter {
	countersMu.Lock()
	defer countersMu.Unlock()
	if c, ok := counters[name]; ok {
		return c
	}
	c, _ := meter.Float64Counter(name)
	counters[name] = c
	return c
}

func histogramFor(name string) metric.Float64Histogram {
	histogramsMu.Lock()
	defer histogramsMu.Unlock()
	if h, ok := histograms[name]; ok {
		return h
	}
	h, _ := meter.Float64Histogram(name)
	histograms[name] = h
	return h
}

// Counter increments a named counter by 1, tagged with label key/value
// pairs passed as alternating strings (e.g. "module", telemetry.ModuleOrchestrator).
func Counter(name string, labels ...string) {
	counterFor(name).Add(context.Background(), 1, metric.WithAttributes(attrsFromLabels(labels)...))
}

// Histogram records value into a named histogram.
func Histogram(name string, value float64, labels ...string) {
	histogramFor(name).Record(context.Background(), value, metric.WithAttributes(attrsFromLabels(labels)...))
}

// gaugePoint is the last-observed value for one label combination of one
// gauge, surfaced to the SDK through an ObservableGauge callback rather
// than a synchronous instrument (OTel gauges are inherently callback-driven).
type gaugePoint struct {
	attrs attribute.Set
	value float64
}

type gaugeState struct {
	mu     sync.Mutex
	points map[attribute.Distinct]gaugePoint
}

var gauges sync.Map // name -> *gaugeState

func gaugeFor(name string) *gaugeState {
	if g, ok := gauges.Load(name); ok {
		return g.(*gaugeState)
	}
	gs := &gaugeState{points: map[attribute.Distinct]gaugePoint{}}
	actual, loaded := gauges.LoadOrStore(name, gs)
	gs = actual.(*gaugeState)
	if !loaded {
		_, _ = meter.Float64ObservableGauge(name, metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			gs.mu.Lock()
			defer gs.mu.Unlock()
			for _, p := range gs.points {
				o.Observe(p.value, metric.WithAttributeSet(p.attrs))
			}
			return nil
		}))
	}
	return gs
}

// Gauge records an instantaneous value (last write wins per label
// combination), backed by an ObservableGauge callback rather than the
// engine's own registry.
func Gauge(name string, value float64, labels ...string) {
	gs := gaugeFor(name)
	set := attribute.NewSet(attrsFromLabels(labels)...)
	gs.mu.Lock()
	gs.points[set.Equivalent()] = gaugePoint{attrs: set, value: value}
	gs.mu.Unlock()
}

// metricKey builds the same flat "name|k|v|k|v" identity Snapshot uses to
// key its returned maps, so callers can look a specific series up without
// reconstructing OTel attribute sets themselves.
func metricKey(name string, labels ...string) string {
	set := attribute.NewSet(attrsFromLabels(labels)...)
	return dataPointKey(name, set)
}

func dataPointKey(name string, attrs attribute.Set) string {
	key := name
	iter := attrs.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		key += "|" + string(kv.Key) + "|" + kv.Value.AsString()
	}
	return key
}

// Snapshot collects every instrument this package has created and returns a
// point-in-time copy: summed counter/gauge values and histogram
// observation counts, keyed by metricKey. It exists for tests and the demo
// daemon's status output — normal engine operation never reads it back.
func Snapshot() (counterValues map[string]float64, histogramCounts map[string]int) {
	var rm metricdata.ResourceMetrics
	_ = meterReader.Collect(context.Background(), &rm)

	counterValues = map[string]float64{}
	histogramCounts = map[string]int{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					counterValues[dataPointKey(m.Name, dp.Attributes)] += dp.Value
				}
			case metricdata.Gauge[float64]:
				for _, dp := range data.DataPoints {
					counterValues[dataPointKey(m.Name, dp.Attributes)] = dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histogramCounts[dataPointKey(m.Name, dp.Attributes)] += int(dp.Count)
				}
			}
		}
	}
	return counterValues, histogramCounts
}
