// Package costs is the single source of truth for cost tracking.
// Every provider call is recorded here as an append-only JSONL entry;
// aggregation scans the log. The ledger is the only component that
// computes cost from token counts so a call is never double-charged.
package costs

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openagency/conductor/core"
)

// Record is one append-only cost entry.
type Record struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Project   string                 `json:"project"`
	Agent     string                 `json:"agent"`
	Model     string                 `json:"model"`
	TokensIn  int                    `json:"tokens_in"`
	TokensOut int                    `json:"tokens_out"`
	Cost      float64                `json:"cost"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Metrics is the aggregated view of the ledger.
type Metrics struct {
	TotalCost    float64            `json:"total_cost"`
	EntriesCount int                `json:"entries_count"`
	ByAgent      map[string]float64 `json:"by_agent"`
	ByProject    map[string]float64 `json:"by_project"`
	TodayUSD     float64            `json:"today_usd"`
	MonthUSD     float64            `json:"month_usd"`
}

// Ledger appends cost records to a JSONL file and answers aggregate
// queries by scanning it. The writer is lock-protected; readers take
// snapshots through the same scan path and never block the writer for
// longer than one append.
type Ledger struct {
	path   string
	logger core.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewLedger creates a ledger writing to <dataRoot>/costs/costs.jsonl.
func NewLedger(dataRoot string, logger core.Logger) *Ledger {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/costs")
	}
	return &Ledger{
		path:   filepath.Join(dataRoot, "costs", "costs.jsonl"),
		logger: logger,
		now:    time.Now,
	}
}

// Record computes the cost for the call (unless an explicit cost is
// supplied), appends a JSONL line, and returns the cost in USD.
// Disk failures are logged and swallowed: cost recording must never
// crash the caller.
func (l *Ledger) Record(project, agent, model string, tokensIn, tokensOut int, explicitCost *float64) float64 {
	cost := Calculate(model, tokensIn, tokensOut)
	if explicitCost != nil {
		cost = round6(*explicitCost)
	}

	entry := Record{
		Timestamp: l.now().UTC(),
		Type:      "api_call",
		Project:   project,
		Agent:     agent,
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(entry); err != nil {
		l.logger.Error("Failed to append cost record", map[string]interface{}{
			"operation": "cost_record",
			"path":      l.path,
			"error":     err.Error(),
		})
	}

	return cost
}

func (l *Ledger) append(entry Record) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Metrics scans the log and returns totals grouped by agent, project, and
// time bucket. Unparseable lines are skipped.
func (l *Ledger) Metrics() Metrics {
	entries := l.scan()

	m := Metrics{
		ByAgent:   make(map[string]float64),
		ByProject: make(map[string]float64),
	}

	now := l.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	for _, e := range entries {
		m.TotalCost += e.Cost
		m.EntriesCount++
		m.ByAgent[e.Agent] += e.Cost
		m.ByProject[e.Project] += e.Cost
		if !e.Timestamp.Before(dayStart) {
			m.TodayUSD += e.Cost
		}
		if !e.Timestamp.Before(monthStart) {
			m.MonthUSD += e.Cost
		}
	}

	m.TotalCost = round6(m.TotalCost)
	m.TodayUSD = round6(m.TodayUSD)
	m.MonthUSD = round6(m.MonthUSD)
	for k, v := range m.ByAgent {
		m.ByAgent[k] = round6(v)
	}
	for k, v := range m.ByProject {
		m.ByProject[k] = round6(v)
	}
	return m
}

// Daily returns the project's spend since the start of the current UTC day.
func (l *Ledger) Daily(project string) float64 {
	now := l.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return l.spendSince(project, start)
}

// Monthly returns the project's spend since the start of the current
// calendar month (UTC).
func (l *Ledger) Monthly(project string) float64 {
	now := l.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return l.spendSince(project, start)
}

func (l *Ledger) spendSince(project string, start time.Time) float64 {
	var total float64
	for _, e := range l.scan() {
		if e.Project != project || e.Timestamp.Before(start) {
			continue
		}
		total += e.Cost
	}
	return round6(total)
}

func (l *Ledger) scan() []Record {
	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Record
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}
