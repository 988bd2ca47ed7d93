package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/telemetry"
)

// Chain names. The tool_executor chain only holds providers with native
// structured tool-call support; text_reasoner is ordered cheapest-first.
const (
	ChainToolExecutor = "tool_executor"
	ChainTextReasoner = "text_reasoner"
)

// Candidate is one element of a fallback chain.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// DefaultChains returns the standard chain configuration.
func DefaultChains() map[string][]Candidate {
	return map[string][]Candidate{
		ChainToolExecutor: {
			{Provider: "anthropic", Model: "claude-haiku-4-5-20251001"},
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			{Provider: "openai", Model: "gpt-4o"},
		},
		ChainTextReasoner: {
			{Provider: "openai", Model: "gpt-4o-mini"},
			{Provider: "anthropic", Model: "claude-haiku-4-5-20251001"},
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
	}
}

// Dispatcher tries providers in chain order, consulting the cooldown
// tracker, and surfaces a normalized response. Providers whose
// credentials are missing at startup are treated as candidates that are
// permanently cooling down.
type Dispatcher struct {
	chains      map[string][]Candidate
	cooldowns   *CooldownTracker
	clients     map[string]Client
	unavailable map[string]string // provider -> reason
	callTimeout time.Duration
	logger      core.Logger
	telemetry   core.Telemetry
}

// DispatcherConfig holds dispatcher construction options.
type DispatcherConfig struct {
	Chains      map[string][]Candidate
	Cooldowns   *CooldownTracker
	CallTimeout time.Duration
	Logger      core.Logger
	Telemetry   core.Telemetry

	// Clients overrides registry-based construction for the named
	// providers. Used by tests and embedders with pre-built adapters.
	Clients map[string]Client
}

// DispatcherOption configures a dispatcher.
type DispatcherOption func(*DispatcherConfig)

// WithChains sets the fallback chain configuration.
func WithChains(chains map[string][]Candidate) DispatcherOption {
	return func(c *DispatcherConfig) { c.Chains = chains }
}

// WithCooldowns injects a shared cooldown tracker.
func WithCooldowns(t *CooldownTracker) DispatcherOption {
	return func(c *DispatcherConfig) { c.Cooldowns = t }
}

// WithCallTimeout sets the per-call wall-clock deadline.
func WithCallTimeout(d time.Duration) DispatcherOption {
	return func(c *DispatcherConfig) { c.CallTimeout = d }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger core.Logger) DispatcherOption {
	return func(c *DispatcherConfig) { c.Logger = logger }
}

// WithDispatcherTelemetry sets the telemetry provider for tracing.
func WithDispatcherTelemetry(t core.Telemetry) DispatcherOption {
	return func(c *DispatcherConfig) { c.Telemetry = t }
}

// WithClient injects a pre-built client for a provider.
func WithClient(name string, client Client) DispatcherOption {
	return func(c *DispatcherConfig) {
		if c.Clients == nil {
			c.Clients = make(map[string]Client)
		}
		c.Clients[name] = client
	}
}

// NewDispatcher builds a dispatcher for the configured chains.
//
// Configuration problems (unknown provider name in a chain) fail
// immediately. Missing credentials are runtime conditions: the candidate
// stays in the chain but is skipped with a recorded reason, so partial
// chains keep working.
func NewDispatcher(opts ...DispatcherOption) (*Dispatcher, error) {
	cfg := &DispatcherConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Chains == nil {
		cfg.Chains = DefaultChains()
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = NewCooldownTracker(cfg.Logger)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = core.DefaultProviderTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/providers")
	}

	d := &Dispatcher{
		chains:      cfg.Chains,
		cooldowns:   cfg.Cooldowns,
		clients:     make(map[string]Client),
		unavailable: make(map[string]string),
		callTimeout: cfg.CallTimeout,
		logger:      logger,
		telemetry:   cfg.Telemetry,
	}

	for name, client := range cfg.Clients {
		d.clients[name] = client
	}

	for chainName, candidates := range cfg.Chains {
		for _, candidate := range candidates {
			if _, ok := d.clients[candidate.Provider]; ok {
				continue
			}
			if _, ok := d.unavailable[candidate.Provider]; ok {
				continue
			}
			factory, ok := GetFactory(candidate.Provider)
			if !ok {
				return nil, fmt.Errorf("configuration error: unknown provider %q in chain %q", candidate.Provider, chainName)
			}
			if chainName == ChainToolExecutor && !factory.SupportsTools() {
				return nil, fmt.Errorf("configuration error: provider %q does not support tool use (chain %q)", candidate.Provider, chainName)
			}
			if _, available := factory.DetectEnvironment(); !available {
				d.unavailable[candidate.Provider] = "missing credentials"
				logger.Warn("Provider not available (will skip in chain)", map[string]interface{}{
					"operation": "dispatcher_init",
					"provider":  candidate.Provider,
					"note":      "this provider will be skipped during failover",
				})
				continue
			}
			client, err := factory.Create(&Config{Logger: cfg.Logger, Timeout: cfg.CallTimeout})
			if err != nil {
				d.unavailable[candidate.Provider] = err.Error()
				logger.Warn("Provider client creation failed (will skip in chain)", map[string]interface{}{
					"operation": "dispatcher_init",
					"provider":  candidate.Provider,
					"error":     err.Error(),
				})
				continue
			}
			d.clients[candidate.Provider] = client
		}
	}

	available := 0
	for range d.clients {
		available++
	}
	logger.Info("Provider dispatcher initialized", map[string]interface{}{
		"operation":           "dispatcher_init",
		"chains":              len(cfg.Chains),
		"available_providers": available,
		"unavailable":         len(d.unavailable),
	})

	return d, nil
}

// Cooldowns exposes the shared tracker for diagnostics.
func (d *Dispatcher) Cooldowns() *CooldownTracker {
	return d.cooldowns
}

// Call tries each candidate in the named chain until one succeeds.
// Cooling-down and credential-less candidates are skipped with a recorded
// reason. Each attempt runs under the per-call wall-clock timeout. When
// every candidate is exhausted the returned error lists each provider and
// its failure.
func (d *Dispatcher) Call(ctx context.Context, chainName string, req *Request) (*Response, error) {
	startTime := time.Now()

	var span core.Span = &core.NoOpSpan{}
	if d.telemetry != nil {
		ctx, span = d.telemetry.StartSpan(ctx, "providers.dispatch")
	}
	defer span.End()

	candidates, ok := d.chains[chainName]
	if !ok {
		candidates = d.chains[ChainTextReasoner]
	}
	span.SetAttribute("chain.name", chainName)
	span.SetAttribute("chain.candidates", len(candidates))

	hinted := applyCacheHints(req)

	var errs []string
	for i, candidate := range candidates {
		attemptStart := time.Now()

		if reason, bad := d.unavailable[candidate.Provider]; bad {
			errs = append(errs, fmt.Sprintf("%s/%s: %s", candidate.Provider, candidate.Model, reason))
			continue
		}
		if available, reason := d.cooldowns.IsAvailable(candidate.Provider); !available {
			errs = append(errs, fmt.Sprintf("%s/%s: %s", candidate.Provider, candidate.Model, reason))
			d.logger.DebugWithContext(ctx, "Skipping cooling-down provider", map[string]interface{}{
				"operation": "dispatcher_skip",
				"provider":  candidate.Provider,
				"reason":    reason,
			})
			continue
		}

		client := d.clients[candidate.Provider]
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		resp, err := client.Call(callCtx, candidate.Model, hinted)
		cancel()

		if err == nil {
			d.cooldowns.MarkSuccess(candidate.Provider)

			telemetry.Counter("conductor.chain.attempt",
				"chain", chainName,
				"provider", candidate.Provider,
				"status", "success",
			)
			if i > 0 {
				telemetry.Counter("conductor.chain.failover",
					"chain", chainName,
					"to_provider", candidate.Provider,
				)
				d.logger.InfoWithContext(ctx, "Chain failover succeeded", map[string]interface{}{
					"operation":           "dispatcher_failover",
					"chain":               chainName,
					"successful_provider": candidate.Provider,
					"failed_so_far":       errs,
					"total_duration_ms":   time.Since(startTime).Milliseconds(),
				})
			} else {
				d.logger.DebugWithContext(ctx, "Primary provider succeeded", map[string]interface{}{
					"operation":   "dispatcher_success",
					"chain":       chainName,
					"provider":    candidate.Provider,
					"duration_ms": time.Since(attemptStart).Milliseconds(),
				})
			}

			span.SetAttribute("chain.status", "success")
			span.SetAttribute("chain.provider", candidate.Provider)
			return resp, nil
		}

		kind := ClassifyFailure(err)
		d.cooldowns.MarkFailure(candidate.Provider, kind)

		telemetry.Counter("conductor.chain.attempt",
			"chain", chainName,
			"provider", candidate.Provider,
			"status", "failed",
		)

		errs = append(errs, fmt.Sprintf("%s/%s: %v", candidate.Provider, candidate.Model, err))
		d.logger.WarnWithContext(ctx, "Provider failed in chain, trying next", map[string]interface{}{
			"operation":   "dispatcher_provider_failed",
			"chain":       chainName,
			"provider":    candidate.Provider,
			"error_type":  string(kind),
			"error":       err.Error(),
			"remaining":   len(candidates) - i - 1,
			"duration_ms": time.Since(attemptStart).Milliseconds(),
		})
	}

	telemetry.Counter("conductor.chain.exhausted", "chain", chainName)
	span.SetAttribute("chain.status", "exhausted")
	span.RecordError(core.ErrAllProvidersExhausted)

	d.logger.ErrorWithContext(ctx, "All chain providers exhausted", map[string]interface{}{
		"operation": "dispatcher_exhausted",
		"chain":     chainName,
		"errors":    errs,
	})

	return nil, fmt.Errorf("chain %q: %s: %w",
		chainName, strings.Join(errs, "; "), core.ErrAllProvidersExhausted)
}

// ChainStatus describes one candidate's current availability.
type ChainStatus struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
	Reason    string `json:"reason"`
}

// Status returns current availability of all candidates across all chains.
func (d *Dispatcher) Status() map[string][]ChainStatus {
	status := make(map[string][]ChainStatus, len(d.chains))
	for chainName, candidates := range d.chains {
		rows := make([]ChainStatus, 0, len(candidates))
		for _, c := range candidates {
			if reason, bad := d.unavailable[c.Provider]; bad {
				rows = append(rows, ChainStatus{Provider: c.Provider, Model: c.Model, Available: false, Reason: reason})
				continue
			}
			available, reason := d.cooldowns.IsAvailable(c.Provider)
			rows = append(rows, ChainStatus{Provider: c.Provider, Model: c.Model, Available: available, Reason: reason})
		}
		status[chainName] = rows
	}
	return status
}

// applyCacheHints returns a shallow copy of the request with cache markers
// on the final block of the last user message and on the last tool
// definition. Adapters that support prompt-prefix caching honor the
// marker; others ignore it.
func applyCacheHints(req *Request) *Request {
	if req == nil {
		return nil
	}
	out := *req

	if len(req.Tools) > 0 {
		out.Tools = make([]ToolDefinition, len(req.Tools))
		copy(out.Tools, req.Tools)
		out.Tools[len(out.Tools)-1].CacheHint = true
	}

	if len(req.Messages) > 0 {
		out.Messages = make([]Message, len(req.Messages))
		copy(out.Messages, req.Messages)
		for i := len(out.Messages) - 1; i >= 0; i-- {
			if out.Messages[i].Role != "user" || len(out.Messages[i].Content) == 0 {
				continue
			}
			blocks := make([]ContentBlock, len(out.Messages[i].Content))
			copy(blocks, out.Messages[i].Content)
			blocks[len(blocks)-1].CacheHint = true
			out.Messages[i].Content = blocks
			break
		}
	}

	return &out
}
