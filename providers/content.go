// Package providers implements the multi-provider dispatch layer: a
// normalized request/response model, a registry of provider adapters, a
// per-provider cooldown tracker, and the ordered fallback dispatcher.
//
// Provider payloads are heterogeneous, so responses are represented as a
// list of tagged content blocks ({text} or {tool_use}); provider SDK
// objects never cross this package boundary.
package providers

import "strings"

// BlockType tags a content block variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is the tagged variant used for both request and response
// content. Exactly one variant's fields are populated per block.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text variant
	Text string `json:"text,omitempty"`

	// ToolUse variant
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// ToolResult variant
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// CacheHint marks this block for prompt-prefix caching on providers
	// that support it. Set by the dispatcher, consumed by adapters.
	CacheHint bool `json:"-"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool-use content block.
func ToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool-result content block keyed to a tool-use id.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"` // "user" | "assistant"
	Content []ContentBlock `json:"content"`
}

// UserMessage builds a user turn from plain text.
func UserMessage(text string) Message {
	return Message{Role: "user", Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage builds an assistant turn from content blocks.
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: "assistant", Content: blocks}
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`

	// CacheHint marks the definition for prompt caching; set by the
	// dispatcher on the final tool only.
	CacheHint bool `json:"-"`
}

// Request is the normalized provider request.
type Request struct {
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
	System    string
}

// Usage reports token counts for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the normalized provider response.
type Response struct {
	Content    []ContentBlock `json:"content"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Usage      Usage          `json:"usage"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// Text joins all text blocks in the response.
func (r *Response) Text() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == BlockText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool-use blocks in response order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}
