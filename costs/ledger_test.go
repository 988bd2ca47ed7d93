package costs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateKnownModel(t *testing.T) {
	// 1M input at $0.8 + 1M output at $4.0
	cost := Calculate("claude-haiku-4-5-20251001", 1_000_000, 1_000_000)
	assert.Equal(t, 4.8, cost)
}

func TestCalculateUnknownModelUsesDefault(t *testing.T) {
	cost := Calculate("mystery-model-9000", 1_000_000, 0)
	assert.Equal(t, 3.0, cost)
}

func TestCalculateRoundsToSixDecimals(t *testing.T) {
	cost := Calculate("claude-haiku-4-5-20251001", 123, 456)
	// (123*0.8 + 456*4.0) / 1e6 = 0.0019224
	assert.Equal(t, 0.001922, cost)
}

func TestCalculateZeroTokens(t *testing.T) {
	assert.Equal(t, 0.0, Calculate("claude-haiku-4-5-20251001", 0, 0))
}

func TestLedgerRecordAndMetrics(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)

	cost := ledger.Record("barber-crm", "coder-simple", "claude-haiku-4-5-20251001", 1000, 500, nil)
	assert.Greater(t, cost, 0.0)

	ledger.Record("barber-crm", "coder-simple", "claude-haiku-4-5-20251001", 2000, 1000, nil)
	ledger.Record("delhi-palace", "data-agent", "gpt-4o-mini", 500, 200, nil)

	metrics := ledger.Metrics()
	assert.Equal(t, 3, metrics.EntriesCount)
	assert.Greater(t, metrics.TotalCost, 0.0)
	assert.Len(t, metrics.ByAgent, 2)
	assert.Len(t, metrics.ByProject, 2)
	assert.Greater(t, metrics.ByProject["barber-crm"], metrics.ByProject["delhi-palace"])
}

func TestLedgerExplicitCostWins(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)

	explicit := 0.123456
	cost := ledger.Record("proj", "agent", "claude-opus-4-6", 100, 100, &explicit)
	assert.Equal(t, explicit, cost)

	metrics := ledger.Metrics()
	assert.Equal(t, explicit, metrics.TotalCost)
}

func TestLedgerRecordRoundTrip(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)

	ledger.Record("proj", "coder-elite", "gpt-4o", 1234, 567, nil)

	entries := ledger.scan()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "proj", entry.Project)
	assert.Equal(t, "coder-elite", entry.Agent)
	assert.Equal(t, "gpt-4o", entry.Model)
	assert.Equal(t, 1234, entry.TokensIn)
	assert.Equal(t, 567, entry.TokensOut)
	assert.Equal(t, Calculate("gpt-4o", 1234, 567), entry.Cost)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestLedgerDailyAndMonthlyWindows(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)

	current := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return current }

	// Spend earlier in the month, but not today.
	current = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ledger.Record("proj", "agent", "gpt-4o", 1_000_000, 0, nil) // $2.50

	// Spend today.
	current = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	ledger.Record("proj", "agent", "gpt-4o", 1_000_000, 0, nil)

	recorded := ledger.scan()
	require.Len(t, recorded, 2)

	assert.Equal(t, 2.5, ledger.Daily("proj"))
	assert.Equal(t, 5.0, ledger.Monthly("proj"))
	assert.Equal(t, 0.0, ledger.Daily("other-project"))
}

func TestLedgerMissingFileIsEmpty(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)
	metrics := ledger.Metrics()
	assert.Equal(t, 0, metrics.EntriesCount)
	assert.Equal(t, 0.0, metrics.TotalCost)
}

func TestQuotaManagerApprovesWithinLimits(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)
	quotas := NewQuotaManager(ledger, Quota{PerTaskUSD: 5, DailyUSD: 50, MonthlyUSD: 1000}, nil)

	ok, reason := quotas.Check("proj", 1.0, 0.5)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestQuotaManagerRejectsPerTaskOverrun(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)
	quotas := NewQuotaManager(ledger, Quota{PerTaskUSD: 5}, nil)

	ok, reason := quotas.Check("proj", 4.9, 0.5)
	assert.False(t, ok)
	assert.Contains(t, reason, "per-task quota exceeded")
}

func TestQuotaManagerRejectsDailyOverrun(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)
	quotas := NewQuotaManager(ledger, Quota{DailyUSD: 4}, nil)

	// $4.50 spent today already.
	ledger.Record("proj", "agent", "unknown-model", 1_000_000, 100_000, nil)

	ok, reason := quotas.Check("proj", 0, 0.1)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily quota exceeded")
}

func TestQuotaManagerPerProjectOverride(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)
	quotas := NewQuotaManager(ledger, Quota{PerTaskUSD: 1}, nil)
	quotas.SetProjectQuota("vip", Quota{PerTaskUSD: 100})

	ok, _ := quotas.Check("vip", 50, 1)
	assert.True(t, ok)

	ok, _ = quotas.Check("regular", 50, 1)
	assert.False(t, ok)
}

type capturedWarning struct {
	component string
	message   string
}

type fakeWarner struct {
	warnings []capturedWarning
}

func (f *fakeWarner) Warn(component, message string, details map[string]interface{}) {
	f.warnings = append(f.warnings, capturedWarning{component, message})
}

func TestQuotaManagerWarnsAtThreshold(t *testing.T) {
	ledger := NewLedger(t.TempDir(), nil)
	quotas := NewQuotaManager(ledger, Quota{DailyUSD: 10}, nil)

	warner := &fakeWarner{}
	quotas.SetWarner(warner)

	// $9 of $10 spent: past the 80% warning threshold but under the limit.
	explicit := 9.0
	ledger.Record("proj", "agent", "gpt-4o", 0, 0, &explicit)

	ok, _ := quotas.Check("proj", 0, 0.1)
	assert.True(t, ok)
	require.NotEmpty(t, warner.warnings)
	assert.Equal(t, "quota", warner.warnings[0].component)
}
