package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/mailbox"
	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/tools"
	"github.com/nanoagent/nanoswarm/internal/tracing"
)

const (
	// DefaultMaxIterations bounds one Run.
	DefaultMaxIterations = 50
	// DefaultMaxParallel bounds the tool worker pool.
	DefaultMaxParallel = 5
	// streamRetries re-invokes the pipeline after a mid-stream read error.
	streamRetries = 2
)

// defaultToolTimeout applies to any tool without an override.
const defaultToolTimeout = 300 * time.Second

// toolTimeouts is the per-name override table.
var toolTimeouts = map[string]time.Duration{
	"web_search":  30 * time.Second,
	"web_reader":  45 * time.Second,
	"browser_use": 60 * time.Second,
}

// Config assembles one engine.
type Config struct {
	Provider    providers.Provider
	Handler     Handler // full middleware chain; nil means bare provider
	AgentName   string
	MaxParallel int

	// ParentAgent and Boxes route the max-iterations notification; Store
	// supplies the open-task summary for it. All three optional.
	ParentAgent string
	Boxes       *mailbox.Box
	Store       *blackboard.Store

	// Subagents resolves invoke_agent targets. Optional.
	Subagents func(name string) (*Engine, *Session, error)
}

// Engine drives the ReAct loop for one agent.
type Engine struct {
	cfg     Config
	handler Handler
}

func New(cfg Config) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	e := &Engine{cfg: cfg}
	e.handler = cfg.Handler
	if e.handler == nil {
		e.handler = e.Stream
	}
	return e
}

// Stream is the innermost handler: one provider call for the session's
// current history. Middleware chains terminate here.
func (e *Engine) Stream(ctx context.Context, s *Session) (<-chan providers.Chunk, error) {
	return e.cfg.Provider.Stream(ctx, providers.ChatRequest{
		Messages: s.Messages,
		Tools:    s.Tools.Defs(),
		Model:    s.Model,
		Options: map[string]interface{}{
			providers.OptMaxTokens: 8192,
		},
	})
}

// Run executes the loop, emitting events until finish, an unrecoverable
// error, context cancellation, or the iteration budget. The channel is
// closed when the run ends.
func (e *Engine) Run(ctx context.Context, sess *Session, maxIterations int) <-chan Event {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		e.run(ctx, sess, maxIterations, out)
	}()
	return out
}

func (e *Engine) run(ctx context.Context, sess *Session, maxIterations int, out chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// Terminal events bypass the cancellation select: the channel is
	// buffered and consumers drain it until close, and a cancelled run
	// must still surface its final finish/error.
	terminal := func(ev Event) {
		out <- ev
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		sess.Meta["iteration"] = iteration
		slog.Debug("engine iteration",
			"agent", e.cfg.AgentName, "iteration", iteration, "messages", len(sess.Messages))

		content, calls, err := e.streamOnce(ctx, sess, emit)
		if err != nil {
			if ctx.Err() != nil {
				terminal(Event{Type: EventFinish, Reason: FinishAborted})
				return
			}
			terminal(Event{Type: EventError, Message: err.Error(), Recoverable: false})
			return
		}

		// Plain text and no tool calls: final answer.
		if len(calls) == 0 {
			sess.Messages = append(sess.Messages, providers.Message{Role: "assistant", Content: content})
			emit(Event{Type: EventMessage, Role: "assistant", Content: content})
			terminal(Event{Type: EventFinish, Reason: FinishCompleted})
			return
		}

		assistantMsg := providers.Message{Role: "assistant", Content: content, ToolCalls: calls}
		sess.Messages = append(sess.Messages, assistantMsg)
		emit(Event{Type: EventMessage, Role: "assistant", Content: content, ToolCalls: toolCallEvents(calls)})
		emit(Event{Type: EventToolCall, ToolCalls: toolCallEvents(calls)})

		results := e.dispatch(ctx, sess, calls)

		finished := false
		for _, r := range results {
			sess.Messages = append(sess.Messages, providers.Message{
				Role:       "tool",
				Content:    r.content,
				ToolCallID: r.call.ID,
				Name:       r.call.Name,
			})
			emit(Event{
				Type:       EventToolResult,
				ToolCallID: r.call.ID,
				Name:       r.call.Name,
				Result:     r.content,
				IsError:    r.isError,
			})
			if r.call.Name == "finish" && !r.isError {
				finished = true
			}
		}
		if finished {
			terminal(Event{Type: EventFinish, Reason: FinishCompleted})
			return
		}
	}

	e.notifyMaxIterations(sess)
	terminal(Event{
		Type:        EventError,
		Code:        "max_iterations",
		Message:     fmt.Sprintf("stopped after %d iterations without finishing", maxIterations),
		Recoverable: true,
	})
	terminal(Event{Type: EventFinish, Reason: FinishMaxIterations})
}

// streamOnce invokes the pipeline and consumes one chunk stream,
// re-invoking it after mid-stream errors. The whole middleware chain
// applies on every retry.
func (e *Engine) streamOnce(ctx context.Context, sess *Session, emit func(Event) bool) (string, []providers.ToolCall, error) {
	var lastErr error
	for attempt := 0; attempt <= streamRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying stream",
				"agent", e.cfg.AgentName, "attempt", attempt, "error", lastErr)
		}

		ctx, span := tracing.StartLLMSpan(ctx, e.cfg.AgentName, sess.Model, len(sess.Messages))
		ch, err := e.handler(ctx, sess)
		if err != nil {
			span.End(err)
			return "", nil, err
		}

		var full strings.Builder
		acc := NewCallAccumulator()
		streamErr := error(nil)

		for chunk := range ch {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			if chunk.Content != "" {
				full.WriteString(chunk.Content)
				if !emit(Event{Type: EventToken, Delta: chunk.Content}) {
					span.End(ctx.Err())
					return "", nil, ctx.Err()
				}
			}
			for _, d := range chunk.ToolCalls {
				acc.Add(d)
			}
		}
		span.End(streamErr)

		if streamErr == nil {
			return full.String(), acc.Complete(), nil
		}
		lastErr = streamErr
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
	}
	return "", nil, fmt.Errorf("stream failed after %d retries: %w", streamRetries, lastErr)
}

// CallAccumulator reassembles streamed tool calls from their
// index-addressed fragments. Middlewares that buffer and rewrite calls
// use the same accumulation the engine does.
type CallAccumulator struct {
	byIndex map[int]*providers.ToolCall
	order   []int
}

func NewCallAccumulator() *CallAccumulator {
	return &CallAccumulator{byIndex: map[int]*providers.ToolCall{}}
}

func (a *CallAccumulator) Add(d providers.ToolCallDelta) {
	tc, ok := a.byIndex[d.Index]
	if !ok {
		tc = &providers.ToolCall{}
		a.byIndex[d.Index] = tc
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Name != "" {
		tc.Name += d.Name
	}
	tc.Arguments += d.Arguments
}

// Complete returns the reassembled calls in index order.
func (a *CallAccumulator) Complete() []providers.ToolCall {
	sort.Ints(a.order)
	out := make([]providers.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.byIndex[idx])
	}
	return out
}

type toolOutcome struct {
	idx     int
	call    providers.ToolCall
	content string
	isError bool
}

// dispatch executes one iteration's tool calls. IO-bound tools run
// serially (they share global network clients); the rest go through a
// worker pool. Results come back in original call order regardless of
// completion order.
func (e *Engine) dispatch(ctx context.Context, sess *Session, calls []providers.ToolCall) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))
	resultCh := make(chan toolOutcome, len(calls))

	var serial []int
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.MaxParallel)

	for i, tc := range calls {
		if tools.IOBound[tc.Name] {
			serial = append(serial, i)
			continue
		}
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			resultCh <- e.executeOne(ctx, sess, idx, tc)
		}(i, tc)
	}

	// The serial lane runs on this goroutine, in call order.
	for _, idx := range serial {
		resultCh <- e.executeOne(ctx, sess, idx, calls[idx])
	}

	go func() { wg.Wait(); close(resultCh) }()
	for r := range resultCh {
		outcomes[r.idx] = r
	}
	return outcomes
}

// executeOne parses arguments, applies the per-tool timeout, and runs the
// tool. A blocked finish is downgraded to a wait so the loop continues.
func (e *Engine) executeOne(ctx context.Context, sess *Session, idx int, tc providers.ToolCall) toolOutcome {
	args, err := ParseToolArgs(tc.Arguments)
	if err != nil {
		return toolOutcome{idx: idx, call: tc, content: err.Error(), isError: true}
	}

	timeout := defaultToolTimeout
	if t, ok := toolTimeouts[tc.Name]; ok {
		timeout = t
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	toolCtx, span := tracing.StartToolSpan(toolCtx, e.cfg.AgentName, tc.Name, tc.ID)
	start := time.Now()

	type res struct{ r *tools.Result }
	done := make(chan res, 1)
	go func() {
		done <- res{sess.Tools.Execute(toolCtx, tc.Name, args)}
	}()

	var result *tools.Result
	select {
	case r := <-done:
		result = r.r
	case <-toolCtx.Done():
		result = tools.ErrorResult(fmt.Sprintf(
			"tool %s timed out after %s", tc.Name, timeout))
	}
	span.End(result.Err)

	if result.IsError {
		slog.Warn("tool error", "agent", e.cfg.AgentName, "tool", tc.Name,
			"duration", time.Since(start), "error", truncateForError(result.ForLLM))
	} else {
		slog.Info("tool done", "agent", e.cfg.AgentName, "tool", tc.Name,
			"duration", time.Since(start))
	}

	// A finish whose pre-check failed becomes a short wait carrying the
	// diagnostic, so the model sees why and keeps going.
	if tc.Name == "finish" && result.IsError {
		waitArgs := map[string]interface{}{"duration": 5, "reason": result.ForLLM}
		if sess.Tools.Has("wait") {
			waited := sess.Tools.Execute(ctx, "wait", waitArgs)
			return toolOutcome{idx: idx, call: tc,
				content: fmt.Sprintf("Finish blocked: %s %s", result.ForLLM, waited.ForLLM),
				isError: true}
		}
		return toolOutcome{idx: idx, call: tc, content: "Finish blocked: " + result.ForLLM, isError: true}
	}

	return toolOutcome{idx: idx, call: tc, content: result.ForLLM, isError: result.IsError}
}

// InvokeAgent delegates a query to a named subagent and forwards its
// events. Depth is tracked on the subagent's session.
func (e *Engine) InvokeAgent(ctx context.Context, parent *Session, name, query string) (<-chan Event, error) {
	if e.cfg.Subagents == nil {
		return nil, fmt.Errorf("no subagents configured")
	}
	sub, subSess, err := e.cfg.Subagents(name)
	if err != nil {
		return nil, fmt.Errorf("subagent %s: %w", name, err)
	}
	subSess.Depth = parent.Depth + 1
	subSess.Messages = append(subSess.Messages, providers.Message{Role: "user", Content: query})
	return sub.Run(ctx, subSess, DefaultMaxIterations), nil
}

// notifyMaxIterations tells the parent agent that this run hit its
// budget, including any tasks still marked IN_PROGRESS.
func (e *Engine) notifyMaxIterations(sess *Session) {
	if e.cfg.Boxes == nil || e.cfg.ParentAgent == "" {
		return
	}
	content := fmt.Sprintf("%s stopped: max iterations reached.", e.cfg.AgentName)
	if e.cfg.Store != nil {
		if plan, _, err := e.cfg.Store.ReadPlan(); err == nil {
			var open []string
			for _, t := range plan.Tasks {
				if t.Status == blackboard.TaskInProgress {
					open = append(open, fmt.Sprintf("#%d %s", t.ID, t.Description))
				}
			}
			if len(open) > 0 {
				content += " Tasks still IN_PROGRESS: " + strings.Join(open, "; ")
			}
		}
	}
	err := e.cfg.Boxes.Send(e.cfg.ParentAgent, mailbox.Message{
		Role:    "user",
		Content: content,
		Metadata: map[string]string{
			"type": mailbox.TypeMaxIterationsReached,
			"from": e.cfg.AgentName,
		},
	})
	if err != nil {
		slog.Warn("max-iterations notification failed", "agent", e.cfg.AgentName, "error", err)
	}
}
