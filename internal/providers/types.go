// Package providers contains the streaming LLM clients. Every provider is
// normalized to the OpenAI-shaped chunk stream: incremental content plus
// index-addressed tool-call fragments. Non-OpenAI wire formats are
// translated once, at the provider boundary.
package providers

import (
	"context"
	"strings"
)

// Provider is a streaming chat-completion client.
type Provider interface {
	// Stream opens a streaming completion. A non-nil error means the
	// connection phase failed (retryable by the caller). Mid-stream
	// failures are delivered as a Chunk with Err set; the channel is
	// closed when the stream ends.
	Stream(ctx context.Context, req ChatRequest) (<-chan Chunk, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// DefaultModel returns the provider's default model name.
	DefaultModel() string
}

// ChatRequest contains the input for a Stream call.
type ChatRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Model    string           `json:"model,omitempty"`
	Options  map[string]any   `json:"options,omitempty"`
}

// Option keys.
const (
	OptMaxTokens   = "max_tokens"
	OptTemperature = "temperature"
)

// Message represents a conversation message.
type Message struct {
	Role       string            `json:"role"` // "system", "user", "assistant", "tool"
	Content    string            `json:"content"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"` // for role="tool" responses
	Name       string            `json:"name,omitempty"`         // tool name on role="tool"
	Metadata   map[string]string `json:"metadata,omitempty"`     // middleware tags, never sent on the wire
}

// ToolCall is a complete tool invocation. Arguments is the raw JSON string
// exactly as the model produced it; the engine owns parsing and repair.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallDelta is one streamed fragment of a tool call, addressed by the
// provider-assigned index. ID and Name arrive on the first fragment;
// Arguments accumulates across fragments.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Chunk is one piece of a streaming response.
type Chunk struct {
	Content      string          `json:"content,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Err          error           `json:"-"`
}

// ToolDefinition describes a tool available to the LLM, in the
// OpenAI-compatible function schema.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// IsContextLength reports whether an error is the provider telling us the
// prompt no longer fits, which the ContextOverflow middleware recovers
// from by summarizing history.
func IsContextLength(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long")
}
