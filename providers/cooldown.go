package providers

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openagency/conductor/core"
)

// FailureKind categorizes provider failures for cooldown purposes.
type FailureKind string

const (
	FailureBilling   FailureKind = "billing"    // 402 / credit exhausted — long cooldown
	FailureRateLimit FailureKind = "rate_limit" // 429 — short cooldown
	FailureOther     FailureKind = "other"      // anything else — brief pause
)

// Cooldown durations per failure kind.
var cooldownDurations = map[FailureKind]time.Duration{
	FailureBilling:   time.Hour, // credits unlikely to refill faster
	FailureRateLimit: time.Minute,
	FailureOther:     15 * time.Second,
}

type cooldownEntry struct {
	Kind  FailureKind
	Until time.Time
}

// CooldownStatus is a snapshot row for one provider in cooldown.
type CooldownStatus struct {
	Kind             FailureKind `json:"kind"`
	RemainingSeconds int         `json:"remaining"`
}

// CooldownTracker is a thread-safe, synchronous provider-level cooldown
// tracker. It records when a provider failed and prevents reuse until the
// appropriate cooldown window has elapsed. All operations are synchronous
// (one mutex, no blocking) because they are called from inside the
// dispatcher loop. Entries are lazily evicted when consulted past expiry.
//
// Distinct from resilience.CircuitBreaker, which operates on per-agent
// keys; this tracker is per-provider and in-memory by design.
type CooldownTracker struct {
	mu        sync.Mutex
	cooldowns map[string]cooldownEntry
	logger    core.Logger
	now       func() time.Time
}

// NewCooldownTracker creates an empty tracker.
func NewCooldownTracker(logger core.Logger) *CooldownTracker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/providers")
	}
	return &CooldownTracker{
		cooldowns: make(map[string]cooldownEntry),
		logger:    logger,
		now:       time.Now,
	}
}

// IsAvailable reports whether the provider may be called, with a reason
// string when it may not.
func (t *CooldownTracker) IsAvailable(provider string) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cooldowns[provider]
	if !ok {
		return true, "ok"
	}
	if !t.now().Before(entry.Until) {
		delete(t.cooldowns, provider)
		return true, "ok"
	}
	remaining := int(entry.Until.Sub(t.now()).Seconds())
	return false, fmt.Sprintf("cooling down (%s, %ds remaining)", entry.Kind, remaining)
}

// MarkFailure records a provider failure and starts the kind-specific
// cooldown.
func (t *CooldownTracker) MarkFailure(provider string, kind FailureKind) {
	duration, ok := cooldownDurations[kind]
	if !ok {
		kind = FailureOther
		duration = cooldownDurations[FailureOther]
	}

	t.mu.Lock()
	t.cooldowns[provider] = cooldownEntry{
		Kind:  kind,
		Until: t.now().Add(duration),
	}
	t.mu.Unlock()

	t.logger.Warn("Provider entered cooldown", map[string]interface{}{
		"operation":  "provider_cooldown",
		"provider":   provider,
		"kind":       string(kind),
		"duration_s": duration.Seconds(),
	})
}

// MarkSuccess clears any cooldown after a successful call.
func (t *CooldownTracker) MarkSuccess(provider string) {
	t.mu.Lock()
	delete(t.cooldowns, provider)
	t.mu.Unlock()
}

// Status returns a snapshot of all active cooldowns.
func (t *CooldownTracker) Status() map[string]CooldownStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := make(map[string]CooldownStatus, len(t.cooldowns))
	for provider, entry := range t.cooldowns {
		remaining := int(entry.Until.Sub(t.now()).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		status[provider] = CooldownStatus{Kind: entry.Kind, RemainingSeconds: remaining}
	}
	return status
}

// ClassifyFailure maps a provider error to its cooldown kind by
// inspecting the error text.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureOther
	}
	errStr := strings.ToLower(err.Error())

	for _, marker := range []string{"credit", "billing", "402", "balance", "payment", "insufficient"} {
		if strings.Contains(errStr, marker) {
			return FailureBilling
		}
	}
	for _, marker := range []string{"rate", "429", "too many", "throttl"} {
		if strings.Contains(errStr, marker) {
			return FailureRateLimit
		}
	}
	return FailureOther
}
