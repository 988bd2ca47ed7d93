// Package mock provides a mock provider for testing the dispatcher and
// the tool-use loop without network calls.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/openagency/conductor/providers"
)

// Client implements providers.Client for tests. Responses are returned in
// order; an installed error is returned until cleared.
type Client struct {
	ProviderName string

	mu            sync.Mutex
	responses     []*providers.Response
	responseIndex int
	err           error
	callCount     int
	lastRequest   *providers.Request
	lastModel     string
}

// NewClient creates a mock client named "mock".
func NewClient() *Client {
	return &Client{ProviderName: "mock"}
}

// Name implements providers.Client.
func (c *Client) Name() string {
	if c.ProviderName == "" {
		return "mock"
	}
	return c.ProviderName
}

// Call returns the next queued response or the installed error.
func (c *Client) Call(ctx context.Context, model string, req *providers.Request) (*providers.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.callCount++
	c.lastRequest = req
	c.lastModel = model

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if c.err != nil {
		return nil, c.err
	}
	if c.responseIndex >= len(c.responses) {
		return nil, errors.New("no more mock responses")
	}

	resp := c.responses[c.responseIndex]
	c.responseIndex++

	out := *resp
	if out.Provider == "" {
		out.Provider = c.Name()
	}
	if out.Model == "" {
		out.Model = model
	}
	return &out, nil
}

// QueueText queues a plain-text response.
func (c *Client) QueueText(text string, inTokens, outTokens int) {
	c.QueueResponse(&providers.Response{
		Content:    []providers.ContentBlock{providers.TextBlock(text)},
		Usage:      providers.Usage{InputTokens: inTokens, OutputTokens: outTokens},
		StopReason: "end_turn",
	})
}

// QueueToolUse queues a response requesting one tool call.
func (c *Client) QueueToolUse(id, name string, input map[string]interface{}) {
	c.QueueResponse(&providers.Response{
		Content:    []providers.ContentBlock{providers.ToolUseBlock(id, name, input)},
		Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
		StopReason: "tool_use",
	})
}

// QueueResponse queues a full response.
func (c *Client) QueueResponse(resp *providers.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
}

// SetError installs an error returned by every subsequent call.
func (c *Client) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// CallCount returns the number of calls made.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount
}

// LastRequest returns the most recent request.
func (c *Client) LastRequest() *providers.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequest
}

// LastModel returns the model of the most recent call.
func (c *Client) LastModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastModel
}

// Reset clears queued responses, errors, and counters.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = nil
	c.responseIndex = 0
	c.err = nil
	c.callCount = 0
	c.lastRequest = nil
	c.lastModel = ""
}
