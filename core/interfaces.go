package core

import (
	"context"
	"sync"
)

// Logger interface - minimal logging interface
type Logger interface {
	// Basic logging methods
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// Context-aware methods for distributed tracing and request correlation
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with component context support.
// This allows different parts of the service to have their own component
// identifier while sharing the same base configuration.
//
// ProductionLogger implements this interface. When a logger is
// component-aware, the component name appears in structured logs
// allowing filtering by component type:
//
//	kubectl logs ... | jq 'select(.component == "framework/providers")'
//	kubectl logs ... | jq 'select(.component == "framework/runner")'
//
// Component naming convention:
//   - "framework/core"       - Core (config, job store plumbing)
//   - "framework/providers"  - Provider dispatcher and adapters
//   - "framework/resilience" - Circuit breaker and retry
//   - "framework/runner"     - Job runner and pipeline
//   - "framework/router"     - Intent router
//   - "framework/workflow"   - Declarative workflow engine
//   - "framework/health"     - Operational API
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// ToolExecutor resolves tool-use requests from the model. Implementations
// live outside the core; errors are reported as result strings, never
// returned as errors, so the model can react to them.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, input map[string]interface{}) string
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, name string, input map[string]interface{}) string

func (f ToolExecutorFunc) ExecuteTool(ctx context.Context, name string, input map[string]interface{}) string {
	return f(ctx, name, input)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// ============================================================================
// Global Registry Pattern for Telemetry Integration
// ============================================================================

// MetricsRegistry enables the telemetry module to register itself with core.
// This avoids circular dependencies while enabling metrics emission from
// framework internals (runner, dispatcher, breaker).
//
// The telemetry module implements this interface and registers itself using
// SetMetricsRegistry() during initialization.
type MetricsRegistry interface {
	// Counter increments a counter metric by 1
	// Example: Counter("runner.jobs", "status", "done")
	Counter(name string, labels ...string)

	// EmitWithContext emits a metric with context for trace correlation
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)

	// Gauge sets a gauge metric to a specific value
	// Use for point-in-time measurements (active jobs, open breakers, etc.)
	Gauge(name string, value float64, labels ...string)

	// Histogram records a value in a histogram distribution
	// Use for latency and cost distributions.
	Histogram(name string, value float64, labels ...string)
}

// Global registry - set by telemetry module when it initializes
var (
	registryMu            sync.RWMutex
	globalMetricsRegistry MetricsRegistry
)

// SetMetricsRegistry allows the telemetry module to register itself
func SetMetricsRegistry(registry MetricsRegistry) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalMetricsRegistry = registry
}

// GetGlobalMetricsRegistry returns the global metrics registry if available.
// Returns nil if the telemetry module has not registered one yet. This
// enables framework modules to emit metrics without circular dependencies.
//
// Usage pattern:
//
//	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
//	    registry.Counter("metric.name", labels...)
//	}
func GetGlobalMetricsRegistry() MetricsRegistry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalMetricsRegistry
}
