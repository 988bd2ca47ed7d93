package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Job-related errors
	ErrJobNotFound   = errors.New("job not found")
	ErrJobCancelled  = errors.New("job cancelled")
	ErrJobNotRunning = errors.New("job not running")

	// Budget errors
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrQuotaExceeded  = errors.New("quota exceeded")

	// Provider errors
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrProviderCoolingDown   = errors.New("provider cooling down")
	ErrMissingCredentials    = errors.New("missing provider credentials")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Operation errors
	ErrTimeout          = errors.New("operation timeout")
	ErrContextCanceled  = errors.New("context canceled")
	ErrConnectionFailed = errors.New("connection failed")
)

// OrchestratorError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestratorError struct {
	Op      string // Operation that failed (e.g., "dispatcher.Call")
	Kind    string // Error kind (e.g., "provider", "job", "config")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewOrchestratorError creates a new OrchestratorError
func NewOrchestratorError(op, kind string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrProviderCoolingDown)
}

// IsBudgetExceeded checks if an error represents an exhausted budget or quota.
// Budget failures terminate a pipeline and must never be retried.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrQuotaExceeded)
}

// IsCancelled checks if an error represents a cooperative cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrJobCancelled) ||
		errors.Is(err, ErrContextCanceled) ||
		errors.Is(err, context.Canceled)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
