package engine

import "github.com/nanoagent/nanoswarm/internal/providers"

// Event types emitted by Run.
const (
	EventToken      = "token"
	EventMessage    = "message"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventError      = "error"
	EventFinish     = "finish"
)

// Finish reasons.
const (
	FinishCompleted     = "completed"
	FinishMaxIterations = "max_iterations"
	FinishAborted       = "aborted"
)

// Event is one typed engine output. The same flat shape is serialized
// onto the TAP stream, so field names here are wire names.
type Event struct {
	Type string `json:"type"`

	// token
	Delta string `json:"delta,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// tool_call (also carried on message for assistant tool turns)
	ToolCalls []ToolCallEvent `json:"tool_calls,omitempty"`

	// tool_result
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// error
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// finish
	Reason string `json:"reason,omitempty"`
}

// ToolCallEvent mirrors the OpenAI tool-call wire shape.
type ToolCallEvent struct {
	ID       string            `json:"id"`
	Function EventToolFunction `json:"function"`
}

type EventToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func toolCallEvents(calls []providers.ToolCall) []ToolCallEvent {
	out := make([]ToolCallEvent, len(calls))
	for i, tc := range calls {
		out[i] = ToolCallEvent{
			ID:       tc.ID,
			Function: EventToolFunction{Name: tc.Name, Arguments: tc.Arguments},
		}
	}
	return out
}
