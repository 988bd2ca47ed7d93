package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagency/conductor/core"
)

// fakeClient is an in-package test double for a provider adapter.
type fakeClient struct {
	name      string
	err       error
	response  *Response
	callCount int
	lastReq   *Request
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Call(ctx context.Context, model string, req *Request) (*Response, error) {
	f.callCount++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.response
	resp.Provider = f.name
	resp.Model = model
	return &resp, nil
}

func textResponse(text string) *Response {
	return &Response{
		Content:    []ContentBlock{TextBlock(text)},
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
		StopReason: "end_turn",
	}
}

func testChains() map[string][]Candidate {
	return map[string][]Candidate{
		ChainToolExecutor: {
			{Provider: "alpha", Model: "alpha-large"},
			{Provider: "beta", Model: "beta-large"},
		},
		ChainTextReasoner: {
			{Provider: "alpha", Model: "alpha-small"},
			{Provider: "beta", Model: "beta-small"},
		},
	}
}

func newTestDispatcher(t *testing.T, alpha, beta *fakeClient) (*Dispatcher, *time.Time) {
	t.Helper()

	cooldowns := NewCooldownTracker(nil)
	current := time.Unix(1700000000, 0)
	cooldowns.now = func() time.Time { return current }

	d, err := NewDispatcher(
		WithChains(testChains()),
		WithCooldowns(cooldowns),
		WithCallTimeout(5*time.Second),
		WithClient("alpha", alpha),
		WithClient("beta", beta),
	)
	require.NoError(t, err)
	return d, &current
}

func TestDispatcherPrimarySuccessSkipsFallback(t *testing.T) {
	alpha := &fakeClient{name: "alpha", response: textResponse("hi")}
	beta := &fakeClient{name: "beta", response: textResponse("fallback")}
	d, _ := newTestDispatcher(t, alpha, beta)

	resp, err := d.Call(context.Background(), ChainTextReasoner, &Request{
		Messages: []Message{UserMessage("hello")},
	})

	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Provider)
	assert.Equal(t, "alpha-small", resp.Model)
	assert.Equal(t, 1, alpha.callCount)
	assert.Equal(t, 0, beta.callCount, "a later candidate must never be called after success")
}

func TestDispatcherBillingFailover(t *testing.T) {
	alpha := &fakeClient{name: "alpha", err: errors.New("402 insufficient credit")}
	beta := &fakeClient{name: "beta", response: textResponse("fallback worked")}
	d, _ := newTestDispatcher(t, alpha, beta)

	resp, err := d.Call(context.Background(), ChainToolExecutor, &Request{
		Messages: []Message{UserMessage("do the thing")},
	})

	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)

	// Alpha is in a billing cooldown.
	status := d.Cooldowns().Status()
	require.Contains(t, status, "alpha")
	assert.Equal(t, FailureBilling, status["alpha"].Kind)

	// A second call within the hour skips alpha without calling it.
	alphaCallsBefore := alpha.callCount
	_, err = d.Call(context.Background(), ChainToolExecutor, &Request{
		Messages: []Message{UserMessage("again")},
	})
	require.NoError(t, err)
	assert.Equal(t, alphaCallsBefore, alpha.callCount)
}

func TestDispatcherCooldownExpiryRestoresProvider(t *testing.T) {
	alpha := &fakeClient{name: "alpha", err: errors.New("connection reset")}
	beta := &fakeClient{name: "beta", response: textResponse("fallback")}
	d, current := newTestDispatcher(t, alpha, beta)

	_, err := d.Call(context.Background(), ChainTextReasoner, &Request{
		Messages: []Message{UserMessage("x")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, alpha.callCount)

	// "other" cooldown is 15s; after expiry alpha is tried again.
	*current = current.Add(16 * time.Second)
	alpha.err = nil
	alpha.response = textResponse("recovered")

	resp, err := d.Call(context.Background(), ChainTextReasoner, &Request{
		Messages: []Message{UserMessage("y")},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Provider)
	assert.Equal(t, 2, alpha.callCount)
}

func TestDispatcherAllExhausted(t *testing.T) {
	alpha := &fakeClient{name: "alpha", err: errors.New("500 server error")}
	beta := &fakeClient{name: "beta", err: errors.New("429 rate limited")}
	d, _ := newTestDispatcher(t, alpha, beta)

	_, err := d.Call(context.Background(), ChainTextReasoner, &Request{
		Messages: []Message{UserMessage("x")},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAllProvidersExhausted))
	// The aggregate error names each provider and its failure.
	assert.Contains(t, err.Error(), "alpha/alpha-small")
	assert.Contains(t, err.Error(), "beta/beta-small")
	assert.Contains(t, err.Error(), "500 server error")
	assert.Contains(t, err.Error(), "429 rate limited")
}

func TestDispatcherUnknownChainFallsBackToTextReasoner(t *testing.T) {
	alpha := &fakeClient{name: "alpha", response: textResponse("ok")}
	beta := &fakeClient{name: "beta", response: textResponse("ok")}
	d, _ := newTestDispatcher(t, alpha, beta)

	resp, err := d.Call(context.Background(), "no-such-chain", &Request{
		Messages: []Message{UserMessage("x")},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha-small", resp.Model)
}

func TestDispatcherAppliesCacheHints(t *testing.T) {
	alpha := &fakeClient{name: "alpha", response: textResponse("ok")}
	beta := &fakeClient{name: "beta", response: textResponse("ok")}
	d, _ := newTestDispatcher(t, alpha, beta)

	req := &Request{
		Messages: []Message{
			UserMessage("first"),
			AssistantMessage(TextBlock("reply")),
			UserMessage("second"),
		},
		Tools: []ToolDefinition{
			{Name: "tool_a"},
			{Name: "tool_b"},
		},
	}

	_, err := d.Call(context.Background(), ChainToolExecutor, req)
	require.NoError(t, err)

	sent := alpha.lastReq
	require.NotNil(t, sent)

	// Last tool definition carries the cache marker; earlier ones do not.
	assert.False(t, sent.Tools[0].CacheHint)
	assert.True(t, sent.Tools[1].CacheHint)

	// Final block of the last user message carries the marker.
	last := sent.Messages[len(sent.Messages)-1]
	assert.True(t, last.Content[len(last.Content)-1].CacheHint)

	// The caller's request is untouched.
	assert.False(t, req.Tools[1].CacheHint)
	assert.False(t, req.Messages[2].Content[0].CacheHint)
}

func TestDispatcherUnknownProviderIsConfigError(t *testing.T) {
	beta := &fakeClient{name: "beta", response: textResponse("ok")}

	// "alpha" appears in the chain but is neither injected nor registered.
	_, err := NewDispatcher(
		WithChains(testChains()),
		WithClient("beta", beta),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestResponseHelpers(t *testing.T) {
	resp := &Response{
		Content: []ContentBlock{
			TextBlock("part one"),
			ToolUseBlock("tu_1", "file_write", map[string]interface{}{"path": "/tmp/x"}),
			TextBlock("part two"),
		},
	}

	assert.Equal(t, "part one\npart two", resp.Text())

	uses := resp.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "tu_1", uses[0].ID)
	assert.Equal(t, "file_write", uses[0].Name)
}
