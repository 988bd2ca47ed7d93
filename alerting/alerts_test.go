package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertLogAndRecent(t *testing.T) {
	system := NewSystem(t.TempDir(), "", nil)

	system.Log(LevelWarning, "runner", "first warning", map[string]interface{}{"k": "v"})
	system.Log(LevelCritical, "costs", "budget blown", nil)

	alerts := system.Recent(10)
	require.Len(t, alerts, 2)

	assert.Equal(t, LevelWarning, alerts[0].Level)
	assert.Equal(t, "runner", alerts[0].Component)
	assert.Equal(t, "first warning", alerts[0].Message)
	assert.Equal(t, "v", alerts[0].Details["k"])
	assert.False(t, alerts[0].Timestamp.IsZero())

	assert.Equal(t, LevelCritical, alerts[1].Level)
	assert.NotNil(t, alerts[1].Details, "nil details serialize as an empty map")
}

func TestAlertRecentLimit(t *testing.T) {
	system := NewSystem(t.TempDir(), "", nil)

	for i := 0; i < 10; i++ {
		system.Log(LevelWarning, "test", "message", map[string]interface{}{"i": i})
	}

	alerts := system.Recent(3)
	require.Len(t, alerts, 3)
	// The tail of the file: entries 7, 8, 9.
	assert.Equal(t, float64(7), alerts[0].Details["i"])
	assert.Equal(t, float64(9), alerts[2].Details["i"])
}

func TestAlertRecentEmpty(t *testing.T) {
	system := NewSystem(t.TempDir(), "", nil)
	assert.Nil(t, system.Recent(5))
}

func TestWarnSatisfiesQuotaWarner(t *testing.T) {
	system := NewSystem(t.TempDir(), "", nil)
	system.Warn("quota", "80% of daily limit", map[string]interface{}{"project": "demo"})

	alerts := system.Recent(1)
	require.Len(t, alerts, 1)
	assert.Equal(t, LevelWarning, alerts[0].Level)
	assert.Equal(t, "quota", alerts[0].Component)
}
