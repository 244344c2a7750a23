// Package engine runs the ReAct loop: stream assistant output through the
// middleware chain, accumulate tool calls, dispatch them with bounded
// parallelism and per-tool timeouts, and feed results back until the model
// finishes or the iteration budget runs out.
package engine

import (
	"context"
	"strings"

	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/tools"
)

// Session is the in-memory state for one engine run: the ordered message
// history plus a scratch map middlewares use to carry counters across
// iterations. It lives for one ReAct loop and is never persisted.
type Session struct {
	Messages []providers.Message
	Tools    *tools.Registry
	Model    string
	Depth    int
	Meta     map[string]any
}

func NewSession(system, user string, reg *tools.Registry, model string) *Session {
	return &Session{
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Tools: reg,
		Model: model,
		Meta:  map[string]any{},
	}
}

// MetaInt reads an integer counter from the scratch map.
func (s *Session) MetaInt(key string) int {
	v, _ := s.Meta[key].(int)
	return v
}

// systemSectionHeader marks the start of a middleware-managed block inside
// the system prompt.
func sectionMarker(header string) string { return "\n\n## " + header + "\n" }

// UpsertSystemSection splices a named section into the system message in
// place: same header, new body, stable position. Middlewares that refresh
// live state (swarm roster, notifications tail) use this instead of
// growing the prompt every iteration.
func (s *Session) UpsertSystemSection(header, body string) {
	if len(s.Messages) == 0 || s.Messages[0].Role != "system" {
		s.Messages = append([]providers.Message{{Role: "system"}}, s.Messages...)
	}
	sys := s.Messages[0].Content
	marker := sectionMarker(header)

	start := strings.Index(sys, marker)
	if start < 0 {
		s.Messages[0].Content = sys + marker + body
		return
	}
	// The section runs until the next "\n\n## " or end of prompt.
	rest := sys[start+len(marker):]
	end := strings.Index(rest, "\n\n## ")
	if end < 0 {
		s.Messages[0].Content = sys[:start] + marker + body
	} else {
		s.Messages[0].Content = sys[:start] + marker + body + rest[end:]
	}
}

// SystemSection returns the body of a named section, or "".
func (s *Session) SystemSection(header string) string {
	if len(s.Messages) == 0 || s.Messages[0].Role != "system" {
		return ""
	}
	sys := s.Messages[0].Content
	marker := sectionMarker(header)
	start := strings.Index(sys, marker)
	if start < 0 {
		return ""
	}
	rest := sys[start+len(marker):]
	if end := strings.Index(rest, "\n\n## "); end >= 0 {
		return rest[:end]
	}
	return rest
}

// LastAssistant returns the most recent assistant message, or nil.
func (s *Session) LastAssistant() *providers.Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "assistant" {
			return &s.Messages[i]
		}
	}
	return nil
}

// Handler produces the assistant chunk stream for the session's current
// history. The innermost handler is the provider call; middlewares wrap it.
type Handler func(ctx context.Context, s *Session) (<-chan providers.Chunk, error)

// Middleware wraps a Handler. Wrap runs once at chain build; the returned
// Handler runs every iteration.
type Middleware interface {
	Name() string
	Wrap(next Handler) Handler
}

// Chain composes middlewares so the first listed is outermost.
func Chain(final Handler, mws ...Middleware) Handler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i].Wrap(h)
	}
	return h
}
