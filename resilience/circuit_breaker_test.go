package resilience

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testClock gives tests control over breaker time.
type testClock struct {
	current time.Time
}

func (c *testClock) now() time.Time {
	return c.current
}

func (c *testClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *testClock) {
	t.Helper()
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
	})
	clock := &testClock{current: time.Unix(1700000000, 0)}
	cb.now = clock.now
	return cb, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(t)

	if !cb.IsAvailable("coder-simple") {
		t.Error("Expected new breaker to allow requests")
	}
	if state := cb.GetState("coder-simple"); state.State != StateClosed {
		t.Errorf("Expected closed, got %s", state.State)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, clock := newTestBreaker(t)
	testErr := errors.New("provider down")

	for i := 0; i < 4; i++ {
		cb.RecordFailure("coder-simple", testErr)
		clock.advance(time.Second)
		if !cb.IsAvailable("coder-simple") {
			t.Fatalf("Expected breaker closed after %d failures", i+1)
		}
	}

	cb.RecordFailure("coder-simple", testErr)
	if cb.IsAvailable("coder-simple") {
		t.Error("Expected breaker open after 5 failures within the window")
	}
	if state := cb.GetState("coder-simple"); state.State != StateOpen {
		t.Errorf("Expected open, got %s", state.State)
	}
}

func TestBreakerWindowResetsFailureCount(t *testing.T) {
	cb, clock := newTestBreaker(t)
	testErr := errors.New("provider down")

	for i := 0; i < 4; i++ {
		cb.RecordFailure("coder-simple", testErr)
	}

	// A failure past the window starts a fresh count.
	clock.advance(61 * time.Second)
	cb.RecordFailure("coder-simple", testErr)

	if !cb.IsAvailable("coder-simple") {
		t.Error("Expected breaker closed: failures outside the window reset the count")
	}
	if state := cb.GetState("coder-simple"); state.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got %d", state.FailureCount)
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(t)
	testErr := errors.New("provider down")

	for i := 0; i < 5; i++ {
		cb.RecordFailure("coder-simple", testErr)
	}
	if cb.IsAvailable("coder-simple") {
		t.Fatal("Expected breaker open")
	}

	// Before the half-open timeout, still refused.
	clock.advance(29 * time.Second)
	if cb.IsAvailable("coder-simple") {
		t.Error("Expected breaker still open before half-open timeout")
	}

	// Past the timeout, one trial request is allowed.
	clock.advance(2 * time.Second)
	if !cb.IsAvailable("coder-simple") {
		t.Error("Expected trial request allowed after half-open timeout")
	}
	if state := cb.GetState("coder-simple"); state.State != StateHalfOpen {
		t.Errorf("Expected half_open, got %s", state.State)
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(t)
	testErr := errors.New("provider down")

	for i := 0; i < 5; i++ {
		cb.RecordFailure("coder-simple", testErr)
	}
	clock.advance(31 * time.Second)
	if !cb.IsAvailable("coder-simple") {
		t.Fatal("Expected trial allowed")
	}

	cb.RecordSuccess("coder-simple")

	state := cb.GetState("coder-simple")
	if state.State != StateClosed {
		t.Errorf("Expected closed after trial success, got %s", state.State)
	}
	if state.FailureCount != 0 {
		t.Errorf("Expected failure count reset, got %d", state.FailureCount)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t)
	testErr := errors.New("provider down")

	for i := 0; i < 5; i++ {
		cb.RecordFailure("coder-simple", testErr)
	}
	clock.advance(31 * time.Second)
	if !cb.IsAvailable("coder-simple") {
		t.Fatal("Expected trial allowed")
	}

	cb.RecordFailure("coder-simple", testErr)

	if state := cb.GetState("coder-simple"); state.State != StateOpen {
		t.Errorf("Expected reopened after trial failure, got %s", state.State)
	}
	if cb.IsAvailable("coder-simple") {
		t.Error("Expected requests refused after reopening")
	}
}

func TestBreakerResetIsIdempotent(t *testing.T) {
	cb, _ := newTestBreaker(t)
	testErr := errors.New("provider down")

	for i := 0; i < 5; i++ {
		cb.RecordFailure("coder-simple", testErr)
	}

	cb.Reset("coder-simple")
	first := cb.GetState("coder-simple")
	cb.Reset("coder-simple")
	second := cb.GetState("coder-simple")

	if first.State != StateClosed || second.State != StateClosed {
		t.Error("Expected closed after reset")
	}
	if first.FailureCount != second.FailureCount || first.SuccessCount != second.SuccessCount {
		t.Error("Expected second reset to be a no-op")
	}
}

func TestBreakerIsolatesAgents(t *testing.T) {
	cb, _ := newTestBreaker(t)
	testErr := errors.New("provider down")

	for i := 0; i < 5; i++ {
		cb.RecordFailure("coder-simple", testErr)
	}

	if cb.IsAvailable("coder-simple") {
		t.Error("Expected coder-simple open")
	}
	if !cb.IsAvailable("data-agent") {
		t.Error("Expected data-agent unaffected")
	}
}

func TestBreakerPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "circuit_breakers.json")

	cb := NewCircuitBreaker(&CircuitBreakerConfig{StatePath: statePath})
	clock := &testClock{current: time.Unix(1700000000, 0)}
	cb.now = clock.now

	testErr := errors.New("provider down")
	for i := 0; i < 5; i++ {
		cb.RecordFailure("coder-simple", testErr)
	}
	cb.RecordSuccess("data-agent")

	if err := cb.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("Expected state file: %v", err)
	}

	restored := NewCircuitBreaker(&CircuitBreakerConfig{StatePath: statePath})
	restored.now = clock.now
	if err := restored.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	state := restored.GetState("coder-simple")
	if state.State != StateOpen {
		t.Errorf("Expected restored open state, got %s", state.State)
	}
	if state.FailureCount != 5 {
		t.Errorf("Expected restored failure count 5, got %d", state.FailureCount)
	}
	if restored.GetState("data-agent").SuccessCount != 1 {
		t.Error("Expected restored success count")
	}
}

func TestBreakerLoadMissingFileIsNotAnError(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		StatePath: filepath.Join(t.TempDir(), "missing.json"),
	})
	if err := cb.Load(); err != nil {
		t.Errorf("Expected nil for missing state file, got %v", err)
	}
}
