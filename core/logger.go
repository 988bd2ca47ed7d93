package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ProductionLogger provides layered observability for framework operations.
// It writes structured JSON (or human-readable text) lines and emits a
// low-cardinality operations metric for each event when telemetry is wired.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
}

// NewProductionLogger creates a logger from LoggingConfig
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       strings.ToLower(logging.Level) == "debug",
		serviceName: serviceName,
		component:   "framework",
		format:      logging.Format,
		output:      output,
	}
}

// WithComponent returns a logger that stamps every line with the component.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "INFO", msg, fields)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "ERROR", msg, fields)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent(nil, "WARN", msg, fields)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(nil, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "INFO", msg, fields)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "ERROR", msg, fields)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(ctx, "WARN", msg, fields)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent(ctx, "DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) logEvent(ctx context.Context, level, msg string, fields map[string]interface{}) {
	if !p.levelEnabled(level) {
		return
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}
		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n",
			timestamp, level, p.serviceName, msg, fieldStr.String())
	}

	p.emitOperationsMetric(ctx, level, fields)
}

func (p *ProductionLogger) levelEnabled(level string) bool {
	rank := map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}
	configured, ok := rank[p.level]
	if !ok {
		configured = 1
	}
	return rank[strings.ToLower(level)] >= configured
}

// emitOperationsMetric records one count per log event with only
// low-cardinality fields promoted to labels.
func (p *ProductionLogger) emitOperationsMetric(ctx context.Context, level string, fields map[string]interface{}) {
	registry := GetGlobalMetricsRegistry()
	if registry == nil {
		return
	}

	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", p.component,
	}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "provider", "phase", "agent":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		registry.EmitWithContext(ctx, "conductor.framework.operations", 1.0, labels...)
	} else {
		registry.Counter("conductor.framework.operations", labels...)
	}
}
