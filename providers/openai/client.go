// Package openai provides a providers.Client backed by the OpenAI Chat
// Completions API. It translates normalized requests into ChatCompletion
// calls using github.com/sashabaranov/go-openai and maps function-calling
// responses back into tool-use content blocks.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/providers"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client implements providers.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	logger core.Logger
}

// New builds a client from an injected chat client.
func New(chat ChatClient, logger core.Logger) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{chat: chat, logger: logger}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey string, logger core.Logger) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai: %w", core.ErrMissingCredentials)
	}
	return New(openai.NewClient(apiKey), logger)
}

// Name implements providers.Client.
func (c *Client) Name() string { return "openai" }

// Call renders a chat completion and normalizes the first choice.
func (c *Client) Call(ctx context.Context, model string, req *providers.Request) (*providers.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, encodeMessages(req.Messages)...)

	request := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Tools:     encodeTools(req.Tools),
	}

	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(model, response), nil
}

// encodeMessages flattens normalized turns into chat messages. Tool
// results become "tool" role messages keyed by tool_call_id; assistant
// tool-use blocks become assistant tool_calls.
func encodeMessages(msgs []providers.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		var textParts []string
		var toolCalls []openai.ToolCall
		var toolResults []openai.ChatCompletionMessage

		for _, block := range m.Content {
			switch block.Type {
			case providers.BlockText:
				if block.Text != "" {
					textParts = append(textParts, block.Text)
				}
			case providers.BlockToolUse:
				args, _ := json.Marshal(block.Input)
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   block.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.Name,
						Arguments: string(args),
					},
				})
			case providers.BlockToolResult:
				toolResults = append(toolResults, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.Content,
					ToolCallID: block.ToolUseID,
				})
			}
		}

		if len(textParts) > 0 || len(toolCalls) > 0 {
			role := openai.ChatMessageRoleUser
			if m.Role == "assistant" {
				role = openai.ChatMessageRoleAssistant
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      role,
				Content:   strings.Join(textParts, "\n"),
				ToolCalls: toolCalls,
			})
		}
		out = append(out, toolResults...)
	}
	return out
}

func encodeTools(defs []providers.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools
}

func translateResponse(model string, resp openai.ChatCompletionResponse) *providers.Response {
	out := &providers.Response{
		Provider: "openai",
		Model:    model,
		Usage: providers.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}

	for _, choice := range resp.Choices {
		msg := choice.Message
		if strings.TrimSpace(msg.Content) != "" {
			out.Content = append(out.Content, providers.TextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			out.Content = append(out.Content, providers.ToolUseBlock(
				call.ID,
				call.Function.Name,
				parseToolArguments(call.Function.Arguments),
			))
		}
		if out.StopReason == "" {
			out.StopReason = string(choice.FinishReason)
		}
	}
	return out
}

func parseToolArguments(raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return payload
}
