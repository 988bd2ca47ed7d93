package costs

import (
	"fmt"

	"github.com/openagency/conductor/core"
)

// Quota holds the spend limits applied to a project.
type Quota struct {
	PerTaskUSD float64 `json:"per_task_usd" yaml:"per_task_usd"`
	DailyUSD   float64 `json:"daily_usd" yaml:"daily_usd"`
	MonthlyUSD float64 `json:"monthly_usd" yaml:"monthly_usd"`
}

// DefaultWarningThreshold is the fraction of a limit at which a warning
// is raised.
const DefaultWarningThreshold = 0.8

// Warner receives quota warnings. The alerting package satisfies this.
type Warner interface {
	Warn(component, message string, details map[string]interface{})
}

// QuotaManager approves or rejects projected spend against per-task,
// daily, and monthly limits, with optional per-project overrides.
type QuotaManager struct {
	ledger           *Ledger
	defaults         Quota
	perProject       map[string]Quota
	warningThreshold float64
	warner           Warner
	logger           core.Logger
}

// NewQuotaManager creates a quota manager backed by the given ledger.
// A zero limit disables that dimension.
func NewQuotaManager(ledger *Ledger, defaults Quota, logger core.Logger) *QuotaManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/costs")
	}
	return &QuotaManager{
		ledger:           ledger,
		defaults:         defaults,
		perProject:       make(map[string]Quota),
		warningThreshold: DefaultWarningThreshold,
		logger:           logger,
	}
}

// SetProjectQuota installs a per-project override.
func (q *QuotaManager) SetProjectQuota(project string, quota Quota) {
	q.perProject[project] = quota
}

// SetWarner installs the warning sink.
func (q *QuotaManager) SetWarner(w Warner) {
	q.warner = w
}

// QuotaFor returns the limits that apply to a project.
func (q *QuotaManager) QuotaFor(project string) Quota {
	if quota, ok := q.perProject[project]; ok {
		return quota
	}
	return q.defaults
}

// Check approves the request iff the projected total after this call stays
// within every configured limit. taskSpend is the job's accumulated cost
// so far; projected is the estimated cost of the next call.
func (q *QuotaManager) Check(project string, taskSpend, projected float64) (bool, string) {
	quota := q.QuotaFor(project)

	if quota.PerTaskUSD > 0 && taskSpend+projected > quota.PerTaskUSD {
		return false, fmt.Sprintf("per-task quota exceeded for %q: $%.4f + $%.4f > $%.2f",
			project, taskSpend, projected, quota.PerTaskUSD)
	}
	q.maybeWarn(project, "per-task", taskSpend+projected, quota.PerTaskUSD)

	if quota.DailyUSD > 0 {
		daily := q.ledger.Daily(project)
		if daily+projected > quota.DailyUSD {
			return false, fmt.Sprintf("daily quota exceeded for %q: $%.4f + $%.4f > $%.2f",
				project, daily, projected, quota.DailyUSD)
		}
		q.maybeWarn(project, "daily", daily+projected, quota.DailyUSD)
	}

	if quota.MonthlyUSD > 0 {
		monthly := q.ledger.Monthly(project)
		if monthly+projected > quota.MonthlyUSD {
			return false, fmt.Sprintf("monthly quota exceeded for %q: $%.4f + $%.4f > $%.2f",
				project, monthly, projected, quota.MonthlyUSD)
		}
		q.maybeWarn(project, "monthly", monthly+projected, quota.MonthlyUSD)
	}

	return true, ""
}

func (q *QuotaManager) maybeWarn(project, window string, spend, limit float64) {
	if limit <= 0 || spend < limit*q.warningThreshold {
		return
	}
	q.logger.Warn("Quota warning threshold crossed", map[string]interface{}{
		"operation": "quota_warning",
		"project":   project,
		"window":    window,
		"spend_usd": round6(spend),
		"limit_usd": limit,
	})
	if q.warner != nil {
		q.warner.Warn("quota", fmt.Sprintf("%s spend for %q at %.0f%% of limit", window, project, 100*spend/limit),
			map[string]interface{}{
				"project":   project,
				"window":    window,
				"spend_usd": round6(spend),
				"limit_usd": limit,
			})
	}
}
