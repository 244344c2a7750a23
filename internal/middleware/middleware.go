// Package middleware implements the chain that wraps the engine's
// provider call. Each middleware is engine.Middleware: it may mutate the
// session before calling next, wrap the returned chunk stream to inspect
// or rewrite calls, swallow the stream and synthesize a new one, or retry
// next entirely.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/providers"
)

// Func adapts a plain function to engine.Middleware.
type Func struct {
	MWName string
	WrapFn func(next engine.Handler) engine.Handler
}

func (f Func) Name() string                             { return f.MWName }
func (f Func) Wrap(next engine.Handler) engine.Handler { return f.WrapFn(next) }

// syntheticCall builds a complete tool call with marshaled arguments and a
// fresh id. Guards use it to replace or inject calls; the result must
// survive engine dispatch, so arguments are always valid JSON.
func syntheticCall(name string, args map[string]interface{}) providers.ToolCall {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	return providers.ToolCall{
		ID:        "synth_" + uuid.NewString()[:8],
		Name:      name,
		Arguments: string(data),
	}
}

// waitCall synthesizes wait(duration=5, reason=...).
func waitCall(reason string) providers.ToolCall {
	return syntheticCall("wait", map[string]interface{}{
		"duration": 5,
		"reason":   reason,
	})
}

// callsToDeltas re-emits complete calls as one delta each, preserving
// index addressing for the engine's accumulator.
func callsToDeltas(calls []providers.ToolCall) []providers.ToolCallDelta {
	deltas := make([]providers.ToolCallDelta, len(calls))
	for i, tc := range calls {
		deltas[i] = providers.ToolCallDelta{
			Index:     i,
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		}
	}
	return deltas
}

// rewriteCalls consumes upstream, forwarding content immediately but
// buffering tool-call fragments until the stream closes; the reassembled
// calls then pass through rewrite (which may drop, replace, or — on an
// empty list — synthesize) and are re-emitted as complete deltas.
func rewriteCalls(ctx context.Context, upstream <-chan providers.Chunk, rewrite func([]providers.ToolCall) []providers.ToolCall) <-chan providers.Chunk {
	out := make(chan providers.Chunk, 16)
	go func() {
		defer close(out)
		emit := func(c providers.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		acc := engine.NewCallAccumulator()
		sawCalls := false
		for chunk := range upstream {
			if len(chunk.ToolCalls) > 0 {
				sawCalls = true
				for _, d := range chunk.ToolCalls {
					acc.Add(d)
				}
				chunk.ToolCalls = nil
			}
			// Content, usage, errors and finish markers pass through as
			// they arrive.
			if chunk.Content != "" || chunk.Thinking != "" || chunk.Err != nil ||
				chunk.Usage != nil || (chunk.FinishReason != "" && !sawCalls) {
				if !emit(chunk) {
					return
				}
			}
		}

		calls := rewrite(acc.Complete())
		if len(calls) == 0 {
			return
		}
		if !emit(providers.Chunk{ToolCalls: callsToDeltas(calls)}) {
			return
		}
		emit(providers.Chunk{FinishReason: "tool_calls"})
	}()
	return out
}

// describeCall renders a one-line human summary of a tool call.
func describeCall(agent string, tc providers.ToolCall) string {
	args, err := engine.ParseToolArgs(tc.Arguments)
	if err != nil {
		return fmt.Sprintf("%s called %s", agent, tc.Name)
	}
	switch tc.Name {
	case "update_task":
		id, _ := args["task_id"]
		if status, ok := args["status"].(string); ok {
			return fmt.Sprintf("%s set task %v to %s", agent, id, status)
		}
		return fmt.Sprintf("%s updated task %v", agent, id)
	case "create_index":
		return fmt.Sprintf("%s created index %v", agent, args["filename"])
	case "update_index":
		return fmt.Sprintf("%s rewrote index %v", agent, args["filename"])
	case "create_resource":
		return fmt.Sprintf("%s wrote resource %v", agent, args["path"])
	default:
		return fmt.Sprintf("%s called %s", agent, tc.Name)
	}
}
