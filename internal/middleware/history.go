package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/providers"
)

// ToolResultCache moves stale oversized tool results out of the prompt.
// A tool message bigger than Threshold that has sat through at least
// Turns assistant turns is written to a cache file and replaced in
// history by a head+tail preview plus the file path.
type ToolResultCache struct {
	Dir       string
	Threshold int
	Turns     int
}

func (m *ToolResultCache) Name() string { return "tool_result_cache" }

func (m *ToolResultCache) Wrap(next engine.Handler) engine.Handler {
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = 4_000
	}
	turns := m.Turns
	if turns <= 0 {
		turns = 5
	}
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		for i := range s.Messages {
			msg := &s.Messages[i]
			if msg.Role != "tool" || len(msg.Content) <= threshold {
				continue
			}
			if msg.Metadata["cached"] != "" {
				continue
			}
			if assistantTurnsSince(s, i) < turns {
				continue
			}
			path, err := m.evict(msg.Content)
			if err != nil {
				slog.Warn("tool result cache write failed", "error", err)
				continue
			}
			preview := msg.Content[:512] + "\n...\n" + msg.Content[len(msg.Content)-512:]
			msg.Content = fmt.Sprintf(
				"[large tool result moved to %s]\npreview:\n%s", path, preview)
			if msg.Metadata == nil {
				msg.Metadata = map[string]string{}
			}
			msg.Metadata["cached"] = path
		}
		return next(ctx, s)
	}
}

func (m *ToolResultCache) evict(content string) (string, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(content))
	path := filepath.Join(m.Dir, "tool_"+hex.EncodeToString(sum[:8])+".txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func assistantTurnsSince(s *engine.Session, idx int) int {
	n := 0
	for i := idx + 1; i < len(s.Messages); i++ {
		if s.Messages[i].Role == "assistant" {
			n++
		}
	}
	return n
}

// LoopBreaker notices the model calling the same tool with the same
// arguments K times in a row and tells it to change strategy.
type LoopBreaker struct {
	K int
}

func (m *LoopBreaker) Name() string { return "loop_breaker" }

const loopBreakerSection = "Loop Warning"

func (m *LoopBreaker) Wrap(next engine.Handler) engine.Handler {
	k := m.K
	if k <= 0 {
		k = 3
	}
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		if tc, looping := lastRepeatedCall(s, k); looping {
			slog.Warn("repeated identical tool call", "tool", tc.Name, "count", k)
			s.UpsertSystemSection(loopBreakerSection, fmt.Sprintf(
				"You have called %s with identical arguments %d times in a row. "+
					"The repetition is not making progress. Change strategy: use a different tool, "+
					"different arguments, or report what is blocking you.", tc.Name, k))
		}
		return next(ctx, s)
	}
}

// lastRepeatedCall reports whether the last k tool calls across assistant
// messages are byte-identical in (name, arguments).
func lastRepeatedCall(s *engine.Session, k int) (providers.ToolCall, bool) {
	var calls []providers.ToolCall
	for i := len(s.Messages) - 1; i >= 0 && len(calls) < k; i-- {
		msg := s.Messages[i]
		if msg.Role != "assistant" {
			continue
		}
		for j := len(msg.ToolCalls) - 1; j >= 0 && len(calls) < k; j-- {
			calls = append(calls, msg.ToolCalls[j])
		}
	}
	if len(calls) < k {
		return providers.ToolCall{}, false
	}
	first := calls[0]
	for _, tc := range calls[1:] {
		if tc.Name != first.Name || tc.Arguments != first.Arguments {
			return providers.ToolCall{}, false
		}
	}
	return first, true
}

// SemanticDriftGuard re-anchors long runs: from iteration D on, the
// original instruction is kept spliced into the system prompt.
type SemanticDriftGuard struct {
	D int
}

func (m *SemanticDriftGuard) Name() string { return "semantic_drift_guard" }

const driftSection = "Original Instruction"

func (m *SemanticDriftGuard) Wrap(next engine.Handler) engine.Handler {
	d := m.D
	if d <= 0 {
		d = 5
	}
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		if s.MetaInt("iteration") >= d {
			if original := firstUserMessage(s); original != "" {
				s.UpsertSystemSection(driftSection,
					"Reminder of the task you were originally given:\n"+original)
			}
		}
		return next(ctx, s)
	}
}

func firstUserMessage(s *engine.Session) string {
	for _, msg := range s.Messages {
		if msg.Role == "user" {
			return msg.Content
		}
	}
	return ""
}

// ExecutionBudget escalates once the assistant-turn count passes
// MaxIterations: every 5 further turns the termination demand is
// restated.
type ExecutionBudget struct {
	MaxIterations int
}

func (m *ExecutionBudget) Name() string { return "execution_budget" }

const budgetSection = "Execution Budget Exceeded"

func (m *ExecutionBudget) Wrap(next engine.Handler) engine.Handler {
	max := m.MaxIterations
	if max <= 0 {
		max = engine.DefaultMaxIterations
	}
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		turns := assistantTurnsSince(s, -1)
		if turns >= max && (turns-max)%5 == 0 {
			s.UpsertSystemSection(budgetSection, fmt.Sprintf(
				"You have used %d turns against a budget of %d. Stop expanding the work. "+
					"Summarize the current state and call finish NOW; if finishing is blocked, "+
					"record why and hand over.", turns, max))
		}
		return next(ctx, s)
	}
}

// InteractionRefinement rewrites a completed ask_user exchange into a
// clean assistant question / user answer pair, so later iterations read
// it as dialogue instead of tool plumbing.
type InteractionRefinement struct{}

func (m *InteractionRefinement) Name() string { return "interaction_refinement" }

func (m *InteractionRefinement) Wrap(next engine.Handler) engine.Handler {
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		refineAskUserExchange(s)
		return next(ctx, s)
	}
}

func refineAskUserExchange(s *engine.Session) {
	n := len(s.Messages)
	if n < 2 {
		return
	}
	toolMsg := s.Messages[n-1]
	asstMsg := s.Messages[n-2]
	if toolMsg.Role != "tool" || asstMsg.Role != "assistant" {
		return
	}
	if len(asstMsg.ToolCalls) != 1 || asstMsg.ToolCalls[0].Name != "ask_user" {
		return
	}
	if toolMsg.ToolCallID != asstMsg.ToolCalls[0].ID {
		return
	}

	question := ""
	if args, err := engine.ParseToolArgs(asstMsg.ToolCalls[0].Arguments); err == nil {
		question, _ = args["question"].(string)
	}
	if question == "" {
		question = asstMsg.Content
	}

	s.Messages[n-2] = providers.Message{Role: "assistant", Content: question}
	s.Messages[n-1] = providers.Message{
		Role:    "user",
		Content: toolMsg.Content,
		Metadata: map[string]string{
			"from_tool_call": "ask_user",
		},
	}
}
