package runner

import (
	"context"
	"fmt"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/costs"
	"github.com/openagency/conductor/providers"
	"github.com/openagency/conductor/resilience"
	"github.com/openagency/conductor/telemetry"
)

// MaxToolIterations is the safety cap on agent tool loops per call.
const MaxToolIterations = 30

const (
	toolRecordLimit = 2000 // tool result bytes kept in the call record
	toolLogLimit    = 500  // tool result bytes kept in the phase event log
)

// ToolCallRecord is one dispatched tool call kept for the result trace.
// Results are truncated here for the record only; the model always
// receives the full string.
type ToolCallRecord struct {
	Tool   string                 `json:"tool"`
	Input  map[string]interface{} `json:"input"`
	Result string                 `json:"result"`
}

// AgentResult is the outcome of one agent call, including every tool
// round-trip it made.
type AgentResult struct {
	Text       string
	Tokens     int
	ToolCalls  []ToolCallRecord
	CostUSD    float64
	CapReached bool
}

// CallOptions carries the identifiers threaded through an agent call.
type CallOptions struct {
	JobID        string
	Project      string
	Phase        Phase
	Conversation []providers.Message
	Tools        []providers.ToolDefinition
	MaxTokens    int
	System       string
}

// AgentCaller drives the LLM request/response cycle with tool dispatch:
// call the model, execute any requested tools, feed results back, repeat
// until the model stops requesting tools or the iteration cap is hit.
type AgentCaller struct {
	dispatcher *providers.Dispatcher
	executor   core.ToolExecutor
	ledger     *costs.Ledger
	breaker    *resilience.CircuitBreaker
	events     *phaseLog
	logger     core.Logger
}

// NewAgentCaller wires the tool-use loop. runsRoot is the jobs/runs
// directory where per-phase event logs are appended.
func NewAgentCaller(
	dispatcher *providers.Dispatcher,
	executor core.ToolExecutor,
	ledger *costs.Ledger,
	breaker *resilience.CircuitBreaker,
	runsRoot string,
	logger core.Logger,
) *AgentCaller {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/runner")
	}
	return &AgentCaller{
		dispatcher: dispatcher,
		executor:   executor,
		ledger:     ledger,
		breaker:    breaker,
		events:     newPhaseLog(runsRoot, nil),
		logger:     logger,
	}
}

// CallAgent performs one agent invocation for the given role. Without
// tools this is a single text_reasoner call; with tools it runs the
// iterative tool-use loop against the tool_executor chain.
//
// A tool that fails is reported back to the model as an error string, not
// an error; a provider failure propagates out.
func (c *AgentCaller) CallAgent(ctx context.Context, role, prompt string, opts CallOptions) (*AgentResult, error) {
	if c.breaker != nil && !c.breaker.IsAvailable(role) {
		return nil, fmt.Errorf("agent %q: %w", role, core.ErrCircuitBreakerOpen)
	}

	result, err := c.callAgent(ctx, role, prompt, opts)

	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure(role, err)
		} else {
			c.breaker.RecordSuccess(role)
		}
	}
	return result, err
}

func (c *AgentCaller) callAgent(ctx context.Context, role, prompt string, opts CallOptions) (*AgentResult, error) {
	messages := append([]providers.Message{}, opts.Conversation...)
	messages = append(messages, providers.UserMessage(prompt))

	if len(opts.Tools) == 0 {
		return c.textCall(ctx, role, messages, opts)
	}

	result := &AgentResult{}

	for iteration := 0; iteration < MaxToolIterations; iteration++ {
		resp, err := c.dispatcher.Call(ctx, providers.ChainToolExecutor, &providers.Request{
			Messages:  messages,
			Tools:     opts.Tools,
			MaxTokens: c.maxTokens(opts),
			System:    opts.System,
		})
		if err != nil {
			return nil, err
		}

		cost := c.ledger.Record(opts.Project, role, resp.Model,
			resp.Usage.InputTokens, resp.Usage.OutputTokens, nil)
		result.CostUSD += cost
		result.Tokens += resp.Usage.OutputTokens
		result.Text = resp.Text()

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			return result, nil
		}

		telemetry.Counter("conductor.tool.rounds", "phase", string(opts.Phase))

		toolResults := make([]providers.ContentBlock, 0, len(toolUses))
		for _, use := range toolUses {
			c.events.Append(opts.JobID, opts.Phase, map[string]interface{}{
				"event": "tool_call",
				"tool":  use.Name,
				"input": use.Input,
			})

			resultStr := c.executeTool(ctx, use.Name, use.Input)

			result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
				Tool:   use.Name,
				Input:  use.Input,
				Result: truncate(resultStr, toolRecordLimit),
			})

			c.events.Append(opts.JobID, opts.Phase, map[string]interface{}{
				"event":  "tool_result",
				"tool":   use.Name,
				"result": truncate(resultStr, toolLogLimit),
			})

			telemetry.Counter("conductor.tool.calls",
				"tool", use.Name,
				"phase", string(opts.Phase),
			)

			toolResults = append(toolResults, providers.ToolResultBlock(use.ID, resultStr, false))
		}

		// Feed the provider response back as a neutral assistant turn and
		// the tool results as the next user turn.
		messages = append(messages, providers.AssistantMessage(resp.Content...))
		messages = append(messages, providers.Message{Role: "user", Content: toolResults})
	}

	// Iteration cap reached; return what we have with a diagnostic marker.
	result.CapReached = true
	result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
		Tool:   "cap_reached",
		Result: fmt.Sprintf("tool loop stopped after %d iterations", MaxToolIterations),
	})
	c.logger.WarnWithContext(ctx, "Tool loop iteration cap reached", map[string]interface{}{
		"operation": "tool_loop_cap",
		"job_id":    opts.JobID,
		"phase":     string(opts.Phase),
		"agent":     role,
	})
	return result, nil
}

func (c *AgentCaller) textCall(ctx context.Context, role string, messages []providers.Message, opts CallOptions) (*AgentResult, error) {
	resp, err := c.dispatcher.Call(ctx, providers.ChainTextReasoner, &providers.Request{
		Messages:  messages,
		MaxTokens: c.maxTokens(opts),
		System:    opts.System,
	})
	if err != nil {
		return nil, err
	}

	cost := c.ledger.Record(opts.Project, role, resp.Model,
		resp.Usage.InputTokens, resp.Usage.OutputTokens, nil)

	return &AgentResult{
		Text:    resp.Text(),
		Tokens:  resp.Usage.OutputTokens,
		CostUSD: cost,
	}, nil
}

// executeTool invokes the external executor; a panic or error inside a
// tool becomes an error string for the model to react to.
func (c *AgentCaller) executeTool(ctx context.Context, name string, input map[string]interface{}) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("tool %s failed: %v", name, r)
		}
	}()

	if c.executor == nil {
		return fmt.Sprintf("tool %s unavailable: no executor configured", name)
	}
	return c.executor.ExecuteTool(ctx, name, input)
}

func (c *AgentCaller) maxTokens(opts CallOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return 8192
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
