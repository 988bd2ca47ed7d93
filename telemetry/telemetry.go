// Package telemetry provides simple, production-ready metrics and tracing.
// The API is designed with progressive disclosure: the package-level
// functions (Counter, Histogram, Gauge) cover most use cases; the Provider
// type gives full control when needed.
//
// The package registers itself with core via core.SetMetricsRegistry so
// framework internals can emit metrics without a circular dependency.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/openagency/conductor/core"
)

// Provider implements core.Telemetry with OpenTelemetry. It manages both
// tracing and metrics from a single place. NewProvider attaches no
// exporter, metric reader or span processor; it sets only the resource.
type Provider struct {
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge

	shutdownOnce sync.Once
}

// NewProvider creates an OpenTelemetry provider for the given service name.
// The returned provider is also installed as the global provider so that
// package-level helpers work immediately.
func NewProvider(serviceName string) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("service name is required for telemetry provider")
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	p := &Provider{
		tracer:         tp.Tracer(serviceName),
		meter:          mp.Meter(serviceName),
		traceProvider:  tp,
		metricProvider: mp,
		counters:       make(map[string]metric.Float64Counter),
		histograms:     make(map[string]metric.Float64Histogram),
		gauges:         make(map[string]metric.Float64Gauge),
	}

	globalProvider.Store(p)
	core.SetMetricsRegistry(&registry{provider: p})

	return p, nil
}

// StartSpan implements core.Telemetry
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.recordHistogram(context.Background(), name, value, labels)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if e := p.traceProvider.Shutdown(ctx); e != nil {
			err = e
		}
		if e := p.metricProvider.Shutdown(ctx); e != nil && err == nil {
			err = e
		}
	})
	return err
}

func (p *Provider) counter(name string) metric.Float64Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c, err := p.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	p.counters[name] = c
	return c
}

func (p *Provider) histogram(name string) metric.Float64Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	p.histograms[name] = h
	return h
}

func (p *Provider) gauge(name string) metric.Float64Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	g, err := p.meter.Float64Gauge(name)
	if err != nil {
		return nil
	}
	p.gauges[name] = g
	return g
}

func (p *Provider) addCounter(ctx context.Context, name string, value float64, labels map[string]string) {
	if c := p.counter(name); c != nil {
		c.Add(ctx, value, metric.WithAttributes(toAttributes(labels)...))
	}
}

func (p *Provider) recordHistogram(ctx context.Context, name string, value float64, labels map[string]string) {
	if h := p.histogram(name); h != nil {
		h.Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
	}
}

func (p *Provider) recordGauge(ctx context.Context, name string, value float64, labels map[string]string) {
	if g := p.gauge(name); g != nil {
		g.Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
	}
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// otelSpan wraps an OpenTelemetry span as a core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

// Global provider - set by NewProvider, consumed by package-level helpers
var globalProvider atomic.Value // *Provider
