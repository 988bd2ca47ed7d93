// Package alerting records warning and critical events to a persistent
// JSONL file and, for critical events, forwards them to Slack when a
// webhook is configured. Alert delivery is best-effort and never fails
// the caller.
package alerting

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/openagency/conductor/core"
)

// Level is the alert severity.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is one persisted alert event.
type Alert struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
}

// System appends alerts to <dataRoot>/events/alerts.jsonl.
type System struct {
	path       string
	webhookURL string
	logger     core.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewSystem creates an alert system. webhookURL may be empty; Slack
// delivery is skipped when it is.
func NewSystem(dataRoot, webhookURL string, logger core.Logger) *System {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/alerting")
	}
	return &System{
		path:       filepath.Join(dataRoot, "events", "alerts.jsonl"),
		webhookURL: webhookURL,
		logger:     logger,
		now:        time.Now,
	}
}

// Log appends an alert. Critical alerts are additionally posted to Slack.
func (s *System) Log(level Level, component, message string, details map[string]interface{}) {
	alert := Alert{
		Timestamp: s.now().UTC(),
		Level:     level,
		Component: component,
		Message:   message,
		Details:   details,
	}
	if alert.Details == nil {
		alert.Details = map[string]interface{}{}
	}

	s.mu.Lock()
	if err := s.append(alert); err != nil {
		s.logger.Error("Failed to write alert", map[string]interface{}{
			"operation": "alert_write",
			"path":      s.path,
			"error":     err.Error(),
		})
	}
	s.mu.Unlock()

	fields := map[string]interface{}{
		"operation": "alert",
		"component": component,
		"alert":     message,
	}
	if level == LevelCritical {
		s.logger.Error("Critical alert", fields)
		s.notifySlack(alert)
	} else {
		s.logger.Warn("Warning alert", fields)
	}
}

// Warn satisfies costs.Warner.
func (s *System) Warn(component, message string, details map[string]interface{}) {
	s.Log(LevelWarning, component, message, details)
}

// Critical is shorthand for Log(LevelCritical, ...).
func (s *System) Critical(component, message string, details map[string]interface{}) {
	s.Log(LevelCritical, component, message, details)
}

// Recent returns the last limit alerts in file order.
func (s *System) Recent(limit int) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var alerts []Alert
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var a Alert
		if err := json.Unmarshal(line, &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}

	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	return alerts
}

func (s *System) append(alert Alert) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s *System) notifySlack(alert Alert) {
	if s.webhookURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: [%s] %s: %s", alert.Level, alert.Component, alert.Message),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		s.logger.Warn("Slack alert delivery failed", map[string]interface{}{
			"operation": "alert_slack",
			"error":     err.Error(),
		})
	}
}
