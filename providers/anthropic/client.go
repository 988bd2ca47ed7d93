// Package anthropic provides a providers.Client backed by the Anthropic
// Claude Messages API. It translates normalized requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool use, usage) back into content blocks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/providers"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. It is satisfied by *sdk.MessageService so tests can pass a
// mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements providers.Client on top of Anthropic Claude Messages.
type Client struct {
	msg    MessagesClient
	logger core.Logger
}

// New builds a client from an injected Messages client.
func New(msg MessagesClient, logger core.Logger) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{msg: msg, logger: logger}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, logger core.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", core.ErrMissingCredentials)
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, logger)
}

// Name implements providers.Client.
func (c *Client) Name() string { return "anthropic" }

// Call issues one Messages.New request and translates the response into
// normalized content blocks.
func (c *Client) Call(ctx context.Context, model string, req *providers.Request) (*providers.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  encodeMessages(req.Messages),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 4096
	}
	if req.System != "" {
		block := sdk.TextBlockParam{Text: req.System}
		block.CacheControl = sdk.NewCacheControlEphemeralParam()
		params.System = []sdk.TextBlockParam{block}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(model, msg), nil
}

func encodeMessages(msgs []providers.Message) []sdk.MessageParam {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, part := range m.Content {
			switch part.Type {
			case providers.BlockText:
				if part.Text == "" {
					continue
				}
				block := sdk.NewTextBlock(part.Text)
				if part.CacheHint && block.OfText != nil {
					block.OfText.CacheControl = sdk.NewCacheControlEphemeralParam()
				}
				blocks = append(blocks, block)
			case providers.BlockToolUse:
				blocks = append(blocks, sdk.NewToolUseBlock(part.ID, part.Input, part.Name))
			case providers.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(part.ToolUseID, part.Content, part.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == "assistant" {
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		}
	}
	return conversation
}

func encodeTools(defs []providers.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			if def.Description != "" {
				u.OfTool.Description = sdk.String(def.Description)
			}
			if def.CacheHint {
				u.OfTool.CacheControl = sdk.NewCacheControlEphemeralParam()
			}
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func toolInputSchema(schema map[string]interface{}) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(model string, msg *sdk.Message) *providers.Response {
	resp := &providers.Response{
		Provider:   "anthropic",
		Model:      model,
		StopReason: string(msg.StopReason),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if msg.Model != "" {
		resp.Model = string(msg.Model)
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				resp.Content = append(resp.Content, providers.TextBlock(block.Text))
			}
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			resp.Content = append(resp.Content, providers.ToolUseBlock(block.ID, block.Name, input))
		}
	}
	return resp
}
