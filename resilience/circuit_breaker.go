// Package resilience provides the failure-handling primitives shared by
// the runner and the provider dispatcher: a per-agent circuit breaker
// with disk persistence and an error-class-aware retry executor.
package resilience

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/telemetry"
)

// CircuitState represents the state of one breaker
type CircuitState string

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = "closed"
	// StateOpen blocks all requests
	StateOpen CircuitState = "open"
	// StateHalfOpen allows a single trial request
	StateHalfOpen CircuitState = "half_open"
)

// BreakerState is the persisted per-agent record.
type BreakerState struct {
	AgentKey        string       `json:"agent_key"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime float64      `json:"last_failure_time,omitempty"`
	LastSuccessTime float64      `json:"last_success_time,omitempty"`
	LastCheckTime   float64      `json:"last_check_time"`
}

// CircuitBreakerConfig holds the breaker parameters.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens a breaker
	FailureThreshold int

	// FailureWindow bounds how long failures accumulate before the count resets
	FailureWindow time.Duration

	// HalfOpenTimeout is how long an open breaker waits before allowing a trial
	HalfOpenTimeout time.Duration

	// StatePath is where breaker states are persisted; empty disables persistence
	StatePath string

	// Logger for state transition events
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns the production defaults:
// open after 5 failures within 60s, trial after 30s.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker tracks per-agent failure patterns to prevent cascading
// failures. All state transitions are atomic under a single mutex; the
// operations are synchronous so they can be called from inside the
// dispatcher loop.
//
// Transitions:
//   - closed -> open:      FailureThreshold failures within FailureWindow
//   - open -> half_open:   HalfOpenTimeout elapsed since the breaker opened
//   - half_open -> closed: trial succeeded
//   - half_open -> open:   trial failed
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger core.Logger

	mu     sync.Mutex
	states map[string]*BreakerState
	now    func() time.Time
}

// NewCircuitBreaker creates a breaker manager.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = 60 * time.Second
	}
	if config.HalfOpenTimeout <= 0 {
		config.HalfOpenTimeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/resilience")
	}

	return &CircuitBreaker{
		config: config,
		logger: logger,
		states: make(map[string]*BreakerState),
		now:    time.Now,
	}
}

// IsAvailable reports whether the agent can be called. An open breaker
// past its half-open timeout transitions to half_open and allows one
// trial request.
func (cb *CircuitBreaker) IsAvailable(agentKey string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.getOrCreate(agentKey)

	switch state.State {
	case StateClosed:
		return true

	case StateOpen:
		if cb.nowUnix()-state.LastCheckTime > cb.config.HalfOpenTimeout.Seconds() {
			cb.transition(state, StateHalfOpen)
			state.LastCheckTime = cb.nowUnix()
			return true // allow one request to test recovery
		}
		return false

	default: // half_open: the single trial is in flight or permitted
		return true
	}
}

// RecordSuccess records a successful call. A half-open breaker closes;
// in every state the failure count resets, so only consecutive failures
// count toward the threshold.
func (cb *CircuitBreaker) RecordSuccess(agentKey string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.getOrCreate(agentKey)
	state.SuccessCount++
	state.LastSuccessTime = cb.nowUnix()

	if state.State == StateHalfOpen || state.State == StateOpen {
		cb.transition(state, StateClosed)
	}
	state.FailureCount = 0
}

// RecordFailure records a failed call. Failures older than the window
// reset the count; reaching the threshold opens the breaker. A failure
// during the half-open trial reopens it immediately.
func (cb *CircuitBreaker) RecordFailure(agentKey string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.getOrCreate(agentKey)
	now := cb.nowUnix()

	if state.LastFailureTime > 0 && now-state.LastFailureTime > cb.config.FailureWindow.Seconds() {
		state.FailureCount = 0 // new failure window
	}
	state.FailureCount++
	state.LastFailureTime = now

	if state.State == StateHalfOpen {
		cb.transition(state, StateOpen)
		state.LastCheckTime = now
		return
	}

	if state.FailureCount >= cb.config.FailureThreshold && state.State != StateOpen {
		cb.transition(state, StateOpen)
		state.LastCheckTime = now
		cb.logger.Error("Circuit breaker opened", map[string]interface{}{
			"operation":     "circuit_breaker_open",
			"agent":         agentKey,
			"failure_count": state.FailureCount,
			"window_s":      cb.config.FailureWindow.Seconds(),
			"error":         errString(err),
		})
	}
}

// Reset forces a breaker back to closed. Idempotent.
func (cb *CircuitBreaker) Reset(agentKey string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.getOrCreate(agentKey)
	if state.State != StateClosed {
		cb.transition(state, StateClosed)
	}
	state.FailureCount = 0
	state.SuccessCount = 0

	cb.logger.Info("Circuit breaker manually reset", map[string]interface{}{
		"operation": "circuit_breaker_reset",
		"agent":     agentKey,
	})
}

// GetState returns a copy of one breaker's state.
func (cb *CircuitBreaker) GetState(agentKey string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return *cb.getOrCreate(agentKey)
}

// GetAllStates returns copies of every tracked breaker state.
func (cb *CircuitBreaker) GetAllStates() map[string]BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[string]BreakerState, len(cb.states))
	for key, state := range cb.states {
		out[key] = *state
	}
	return out
}

// Save persists all breaker states to the configured path.
func (cb *CircuitBreaker) Save() error {
	if cb.config.StatePath == "" {
		return nil
	}

	cb.mu.Lock()
	data, err := json.MarshalIndent(cb.states, "", "  ")
	cb.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to serialize circuit breaker states: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cb.config.StatePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(cb.config.StatePath, data, 0o644)
}

// Load restores breaker states from disk. A missing file is not an error.
func (cb *CircuitBreaker) Load() error {
	if cb.config.StatePath == "" {
		return nil
	}

	data, err := os.ReadFile(cb.config.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var states map[string]*BreakerState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("failed to parse circuit breaker states: %w", err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	for key, state := range states {
		state.AgentKey = key
		if state.State == "" {
			state.State = StateClosed
		}
		cb.states[key] = state
	}

	cb.logger.Info("Circuit breaker states loaded", map[string]interface{}{
		"operation": "circuit_breaker_load",
		"count":     len(states),
		"path":      cb.config.StatePath,
	})
	return nil
}

func (cb *CircuitBreaker) getOrCreate(agentKey string) *BreakerState {
	state, ok := cb.states[agentKey]
	if !ok {
		state = &BreakerState{
			AgentKey:      agentKey,
			State:         StateClosed,
			LastCheckTime: cb.nowUnix(),
		}
		cb.states[agentKey] = state
	}
	return state
}

func (cb *CircuitBreaker) transition(state *BreakerState, to CircuitState) {
	from := state.State
	if from == to {
		return
	}
	state.State = to

	telemetry.Counter("conductor.breaker.transitions",
		"agent", state.AgentKey,
		"from", string(from),
		"to", string(to),
	)

	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"agent":     state.AgentKey,
		"from":      string(from),
		"to":        string(to),
	})
}

func (cb *CircuitBreaker) nowUnix() float64 {
	return float64(cb.now().UnixNano()) / float64(time.Second)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
