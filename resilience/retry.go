package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openagency/conductor/core"
)

// ErrorType classifies failures for per-type retry policy.
type ErrorType string

const (
	ErrorRateLimit  ErrorType = "rate_limit"   // 429
	ErrorServer     ErrorType = "server_error" // 500-503
	ErrorAuth       ErrorType = "auth_error"   // 401/403
	ErrorTimeout    ErrorType = "timeout"
	ErrorConnection ErrorType = "connection_error"
	ErrorValidation ErrorType = "validation_error" // 400
	ErrorNotFound   ErrorType = "not_found"        // 404
	ErrorUnknown    ErrorType = "unknown"
)

// RetryPolicy configures the retry executor.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        bool
	RateLimitWait time.Duration // fallback when no Retry-After header is present
}

// DefaultRetryPolicy returns the production defaults: 3 retries with
// 2s-60s exponential backoff and jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      60 * time.Second,
		Jitter:        true,
		RateLimitWait: 60 * time.Second,
	}
}

// Validate checks the policy invariants.
func (p *RetryPolicy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive: %w", core.ErrInvalidConfiguration)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay must be >= base delay: %w", core.ErrInvalidConfiguration)
	}
	return nil
}

// Retry executes fn with exponential backoff. Auth and not-found errors
// are never retried; rate limits honor an explicit Retry-After value when
// one can be extracted from the error text.
func Retry(ctx context.Context, policy *RetryPolicy, fn func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Budget exhaustion and cooperative cancellation terminate
		// immediately and keep their sentinel identity.
		if core.IsBudgetExceeded(lastErr) || core.IsCancelled(lastErr) {
			return lastErr
		}

		errType := ClassifyError(lastErr)
		if !retryable(errType) {
			return lastErr
		}
		if attempt >= policy.MaxRetries {
			break
		}

		backoff := backoffDelay(attempt, explicitWait(lastErr, errType, policy), policy)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w",
		core.ErrMaxRetriesExceeded, policy.MaxRetries+1, lastErr)
}

func retryable(errType ErrorType) bool {
	switch errType {
	case ErrorAuth, ErrorNotFound:
		return false
	default:
		return true
	}
}

func explicitWait(err error, errType ErrorType, policy *RetryPolicy) time.Duration {
	if errType != ErrorRateLimit {
		return 0
	}
	if wait, ok := ExtractRetryAfter(err); ok {
		return wait
	}
	return policy.RateLimitWait
}

// backoffDelay computes min(maxDelay, baseDelay * 2^attempt) with ±10%
// uniform jitter. An explicit wait (rate-limit header) overrides the
// exponential schedule.
func backoffDelay(attempt int, explicit time.Duration, policy *RetryPolicy) time.Duration {
	var delay time.Duration
	if explicit > 0 {
		delay = explicit
	} else {
		delay = policy.BaseDelay * time.Duration(1<<uint(min(attempt, 30)))
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter {
		jitter := time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(delay))
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// ClassifyError maps an error to its retry category by inspecting the
// error text. Provider SDKs surface status codes in their messages, so
// substring matching covers every adapter without type coupling.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "429"),
		strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"):
		return ErrorRateLimit

	case strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"),
		strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "forbidden"):
		return ErrorAuth

	case strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "gateway"):
		return ErrorServer

	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "timed out"),
		strings.Contains(errStr, "deadline exceeded"):
		return ErrorTimeout

	case strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "refused"),
		strings.Contains(errStr, "reset"),
		strings.Contains(errStr, "no route"):
		return ErrorConnection

	case strings.Contains(errStr, "404"),
		strings.Contains(errStr, "not found"):
		return ErrorNotFound

	case strings.Contains(errStr, "400"),
		strings.Contains(errStr, "validation"),
		strings.Contains(errStr, "invalid"):
		return ErrorValidation
	}

	return ErrorUnknown
}

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[Rr]etry-[Aa]fter:\s*(\d+)`),
	regexp.MustCompile(`[Rr]etry-[Aa]fter=(\d+)`),
	regexp.MustCompile(`retry_after["']?\s*:\s*(\d+)`),
}

// ExtractRetryAfter pulls a Retry-After value (seconds) out of an error
// message when a provider surfaced one.
func ExtractRetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	errStr := err.Error()
	for _, pattern := range retryAfterPatterns {
		if m := pattern.FindStringSubmatch(errStr); m != nil {
			if secs, perr := strconv.Atoi(m[1]); perr == nil {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	return 0, false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
