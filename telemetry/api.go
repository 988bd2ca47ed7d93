package telemetry

import (
	"context"
	"time"
)

// Counter increments a counter metric by 1.
// Use for counting events: requests, errors, operations.
// Labels are provided as key-value pairs.
// Example: Counter("conductor.chain.attempt", "provider", "anthropic", "status", "success")
func Counter(name string, labels ...string) {
	p := currentProvider()
	if p == nil {
		return // Telemetry not initialized, silent no-op
	}
	p.addCounter(context.Background(), name, 1, parseLabels(labels...))
}

// Histogram records a value in a distribution.
// Use for latencies, token counts, and cost distributions.
// Example: Histogram("conductor.pipeline.phase_ms", 125.3, "phase", "execute")
func Histogram(name string, value float64, labels ...string) {
	p := currentProvider()
	if p == nil {
		return
	}
	p.recordHistogram(context.Background(), name, value, parseLabels(labels...))
}

// Gauge sets a gauge to its current value.
// Use for values that go up and down: active jobs, open breakers, queue size.
// Example: Gauge("conductor.runner.active_jobs", 2)
func Gauge(name string, value float64, labels ...string) {
	p := currentProvider()
	if p == nil {
		return
	}
	p.recordGauge(context.Background(), name, value, parseLabels(labels...))
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer telemetry.Duration("conductor.dispatch.duration_ms", start, "chain", "tool_executor")
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

func currentProvider() *Provider {
	v := globalProvider.Load()
	if v == nil {
		return nil
	}
	return v.(*Provider)
}

// parseLabels converts variadic strings to a map:
// "key1", "val1", "key2", "val2" -> map[string]string
func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// registry adapts the provider to core.MetricsRegistry so core internals
// (the production logger in particular) can emit without importing this
// package.
type registry struct {
	provider *Provider
}

func (r *registry) Counter(name string, labels ...string) {
	r.provider.addCounter(context.Background(), name, 1, parseLabels(labels...))
}

func (r *registry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	r.provider.addCounter(ctx, name, value, parseLabels(labels...))
}

func (r *registry) Gauge(name string, value float64, labels ...string) {
	r.provider.recordGauge(context.Background(), name, value, parseLabels(labels...))
}

func (r *registry) Histogram(name string, value float64, labels ...string) {
	r.provider.recordHistogram(context.Background(), name, value, parseLabels(labels...))
}
