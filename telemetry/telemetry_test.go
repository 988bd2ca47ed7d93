package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagency/conductor/core"
)

func TestNewProviderRequiresServiceName(t *testing.T) {
	_, err := NewProvider("")
	assert.Error(t, err)
}

func TestProviderRegistersWithCore(t *testing.T) {
	provider, err := NewProvider("conductor-test")
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	assert.NotNil(t, core.GetGlobalMetricsRegistry())
}

func TestPackageHelpersDoNotPanic(t *testing.T) {
	provider, err := NewProvider("conductor-test")
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	Counter("conductor.test.counter", "k", "v")
	Histogram("conductor.test.histogram", 12.5, "k", "v")
	Gauge("conductor.test.gauge", 3)
}

func TestSpanLifecycle(t *testing.T) {
	provider, err := NewProvider("conductor-test")
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	ctx, span := provider.StartSpan(context.Background(), "test.operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.SetAttribute("string", "v")
	span.SetAttribute("int", 42)
	span.SetAttribute("float", 1.5)
	span.SetAttribute("bool", true)
	span.RecordError(assert.AnError)
	span.End()
}

func TestParseLabels(t *testing.T) {
	labels := parseLabels("a", "1", "b", "2")
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, labels)

	// An odd trailing key is dropped.
	labels = parseLabels("a", "1", "orphan")
	assert.Equal(t, map[string]string{"a": "1"}, labels)

	assert.Empty(t, parseLabels())
}
