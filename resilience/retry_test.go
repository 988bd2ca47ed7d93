package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openagency/conductor/core"
)

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		Jitter:        false,
		RateLimitWait: 2 * time.Millisecond,
	}
}

func TestRetrySuccessFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("500 internal server error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustion(t *testing.T) {
	attempts := 0
	underlying := errors.New("connection refused")

	err := Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		return underlying
	})

	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if attempts != 4 { // max_retries + 1
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if !errors.Is(err, underlying) {
		t.Errorf("Expected original error preserved, got %v", err)
	}
}

func TestRetryNeverRetriesAuthErrors(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		return errors.New("401 unauthorized")
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for auth error, got %d", attempts)
	}
}

func TestRetryNeverRetriesNotFound(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		return errors.New("404 not found")
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for not-found error, got %d", attempts)
	}
}

func TestRetryBudgetErrorsReturnImmediately(t *testing.T) {
	attempts := 0
	budgetErr := fmt.Errorf("job budget exceeded: %w", core.ErrBudgetExceeded)

	err := Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		return budgetErr
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt for budget error, got %d", attempts)
	}
	if !errors.Is(err, core.ErrBudgetExceeded) {
		t.Errorf("Expected budget sentinel preserved, got %v", err)
	}
}

func TestRetryCancellationReturnsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		return core.ErrJobCancelled
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt for cancellation, got %d", attempts)
	}
	if !errors.Is(err, core.ErrJobCancelled) {
		t.Errorf("Expected cancellation sentinel preserved, got %v", err)
	}
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastPolicy(), func() error {
		return errors.New("should not run")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  string
		want ErrorType
	}{
		{"429 Too Many Requests", ErrorRateLimit},
		{"rate limit hit, slow down", ErrorRateLimit},
		{"401 Unauthorized", ErrorAuth},
		{"403 forbidden for this key", ErrorAuth},
		{"502 bad gateway", ErrorServer},
		{"context deadline exceeded", ErrorTimeout},
		{"request timed out", ErrorTimeout},
		{"connection refused", ErrorConnection},
		{"404 Not Found", ErrorNotFound},
		{"400 validation failed", ErrorValidation},
		{"something strange happened", ErrorUnknown},
	}

	for _, tt := range tests {
		got := ClassifyError(errors.New(tt.err))
		if got != tt.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestExtractRetryAfter(t *testing.T) {
	tests := []struct {
		err  string
		want time.Duration
		ok   bool
	}{
		{"429 rate limited, Retry-After: 120", 120 * time.Second, true},
		{"throttled retry-after=60", 60 * time.Second, true},
		{`{"error": "slow down", "retry_after": 30}`, 30 * time.Second, true},
		{"429 with no hint", 0, false},
	}

	for _, tt := range tests {
		got, ok := ExtractRetryAfter(errors.New(tt.err))
		if ok != tt.ok || got != tt.want {
			t.Errorf("ExtractRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.err, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     false,
	}

	expected := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for attempt, want := range expected {
		got := backoffDelay(attempt, 0, policy)
		if got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestBackoffExplicitWaitOverrides(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     false,
	}

	got := backoffDelay(0, 45*time.Second, policy)
	if got != 45*time.Second {
		t.Errorf("Expected explicit wait 45s, got %v", got)
	}

	// Explicit waits are still capped at max delay.
	got = backoffDelay(0, 120*time.Second, policy)
	if got != 60*time.Second {
		t.Errorf("Expected capped wait 60s, got %v", got)
	}
}

func TestBackoffJitterStaysWithinTenPercent(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     true,
	}

	for i := 0; i < 100; i++ {
		got := backoffDelay(1, 0, policy)
		min := time.Duration(float64(2*time.Second) * 0.9)
		max := time.Duration(float64(2*time.Second) * 1.1)
		if got < min || got > max {
			t.Fatalf("Jittered delay %v outside [%v, %v]", got, min, max)
		}
	}
}
