package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/mailbox"
	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/registry"
)

const planBody = `---
name: central_plan
description: Master plan
usage_policy: Architect writes, workers update assigned tasks.
---

## Mission

` + "```json\n" + `{
  "mission_goal": "ship it",
  "status": "%s",
  "summary": "",
  "tasks": [
    {"id": 1, "type": "standard", "description": "research", "status": "IN_PROGRESS", "assignees": ["alice"], "dependencies": []},
    {"id": 2, "type": "standard", "description": "write", "status": "BLOCKED", "assignees": ["bob"], "dependencies": [1]}
  ]
}` + "\n```\n"

func testStore(t *testing.T) *blackboard.Store {
	t.Helper()
	s := blackboard.New(t.TempDir(), blackboard.Identity{Name: "Watchdog", Role: blackboard.RoleArchitect})
	if err := s.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return s
}

func seedPlan(t *testing.T, s *blackboard.Store, missionStatus string) {
	t.Helper()
	body := strings.Replace(planBody, "%s", missionStatus, 1)
	if err := s.CreateIndex(blackboard.PlanFile, body); err != nil {
		t.Fatal(err)
	}
}

// handlerOf replays a fixed chunk script as the downstream handler.
func handlerOf(chunks ...providers.Chunk) engine.Handler {
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		out := make(chan providers.Chunk, len(chunks))
		for _, c := range chunks {
			out <- c
		}
		close(out)
		return out, nil
	}
}

func callChunks(name, args string) []providers.Chunk {
	return []providers.Chunk{
		{ToolCalls: []providers.ToolCallDelta{{Index: 0, ID: "call_1", Name: name}}},
		{ToolCalls: []providers.ToolCallDelta{{Index: 0, Arguments: args[:len(args)/2]}}},
		{ToolCalls: []providers.ToolCallDelta{{Index: 0, Arguments: args[len(args)/2:]}}},
		{FinishReason: "tool_calls"},
	}
}

// drain collects the stream into reassembled calls plus concatenated text.
func drain(t *testing.T, ch <-chan providers.Chunk) ([]providers.ToolCall, string) {
	t.Helper()
	acc := engine.NewCallAccumulator()
	var text strings.Builder
	for chunk := range ch {
		text.WriteString(chunk.Content)
		for _, d := range chunk.ToolCalls {
			acc.Add(d)
		}
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
	}
	return acc.Complete(), text.String()
}

func runMW(t *testing.T, mw engine.Middleware, s *engine.Session, h engine.Handler) ([]providers.ToolCall, string) {
	t.Helper()
	ch, err := mw.Wrap(h)(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	return drain(t, ch)
}

func newSession() *engine.Session {
	return engine.NewSession("You are an agent.", "do the thing", nil, "test-model")
}

func TestRewriteCallsBuffersFragmentsAndPassesContent(t *testing.T) {
	chunks := append([]providers.Chunk{{Content: "thinking out loud"}},
		callChunks("update_task", `{"task_id": 1, "status": "DONE"}`)...)

	rewritten := false
	ch := rewriteCalls(context.Background(), handlerMustStream(t, handlerOf(chunks...)),
		func(calls []providers.ToolCall) []providers.ToolCall {
			rewritten = true
			if len(calls) != 1 {
				t.Fatalf("want 1 reassembled call, got %d", len(calls))
			}
			if calls[0].Arguments != `{"task_id": 1, "status": "DONE"}` {
				t.Fatalf("fragments not reassembled: %q", calls[0].Arguments)
			}
			return calls
		})

	calls, text := drain(t, ch)
	if !rewritten {
		t.Fatal("rewrite hook never ran")
	}
	if text != "thinking out loud" {
		t.Fatalf("content lost: %q", text)
	}
	if len(calls) != 1 || calls[0].Name != "update_task" {
		t.Fatalf("calls after rewrite: %+v", calls)
	}
}

func handlerMustStream(t *testing.T, h engine.Handler) <-chan providers.Chunk {
	t.Helper()
	ch, err := h(context.Background(), newSession())
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestSwarmAgentGuardSynthesizesWait(t *testing.T) {
	guard := &SwarmAgentGuard{}
	calls, _ := runMW(t, guard, newSession(),
		handlerOf(providers.Chunk{Content: "I think I'm done."}, providers.Chunk{FinishReason: "stop"}))
	if len(calls) != 1 || calls[0].Name != "wait" {
		t.Fatalf("want synthesized wait, got %+v", calls)
	}
	if !strings.Contains(calls[0].Arguments, "finish") {
		t.Fatalf("wait reason should mention finish: %s", calls[0].Arguments)
	}
}

func TestWatchdogGuardBlocksSpawnWithoutPlan(t *testing.T) {
	store := testStore(t)
	reg := registry.New(store.RegistryPath())
	guard := &WatchdogGuard{Store: store, Registry: reg, Agent: "Watchdog"}

	calls, _ := runMW(t, guard, newSession(),
		handlerOf(callChunks("spawn_swarm_agent", `{"agent_name": "alice", "role": "Researcher", "goal": "dig"}`)...))
	if len(calls) != 1 || calls[0].Name != "wait" {
		t.Fatalf("spawn without plan must become wait, got %+v", calls)
	}
	if !strings.Contains(calls[0].Arguments, "PLAN VIOLATION") {
		t.Fatalf("reason should point at the plan: %s", calls[0].Arguments)
	}
}

func TestWatchdogGuardRequiresPlanConfirmation(t *testing.T) {
	store := testStore(t)
	seedPlan(t, store, blackboard.MissionInProgress)
	reg := registry.New(store.RegistryPath())
	guard := &WatchdogGuard{Store: store, Registry: reg, Agent: "Watchdog"}

	// Plan exists but was never confirmed with the user.
	calls, _ := runMW(t, guard, newSession(),
		handlerOf(callChunks("spawn_swarm_agent", `{"agent_name": "alice", "role": "Researcher", "goal": "dig"}`)...))
	if len(calls) != 1 || calls[0].Name != "wait" ||
		!strings.Contains(calls[0].Arguments, "ask_user") {
		t.Fatalf("unconfirmed plan must block spawn, got %+v", calls)
	}

	// A refined ask_user exchange in history unblocks it.
	s := newSession()
	s.Messages = append(s.Messages, providers.Message{
		Role: "user", Content: "yes, go ahead",
		Metadata: map[string]string{"from_tool_call": "ask_user"},
	})
	calls, _ = runMW(t, guard, s,
		handlerOf(callChunks("spawn_swarm_agent", `{"agent_name": "alice", "role": "Researcher", "goal": "dig"}`)...))
	if len(calls) != 1 || calls[0].Name != "spawn_swarm_agent" {
		t.Fatalf("confirmed plan should pass spawn through, got %+v", calls)
	}
}

func TestWatchdogGuardBlocksFinishWhileInProgress(t *testing.T) {
	store := testStore(t)
	seedPlan(t, store, blackboard.MissionInProgress)
	reg := registry.New(store.RegistryPath())
	guard := &WatchdogGuard{Store: store, Registry: reg, Agent: "Watchdog"}

	calls, _ := runMW(t, guard, newSession(),
		handlerOf(callChunks("finish", `{"summary": "all done"}`)...))
	if len(calls) != 1 || calls[0].Name != "wait" {
		t.Fatalf("finish on IN_PROGRESS mission must become wait, got %+v", calls)
	}
}

func TestWatchdogGuardSynthesizesFinishWhenMissionDone(t *testing.T) {
	store := testStore(t)
	seedPlan(t, store, blackboard.MissionDone)
	reg := registry.New(store.RegistryPath())
	guard := &WatchdogGuard{Store: store, Registry: reg, Agent: "Watchdog"}

	calls, _ := runMW(t, guard, newSession(),
		handlerOf(providers.Chunk{Content: "mission accomplished"}, providers.Chunk{FinishReason: "stop"}))
	if len(calls) != 1 || calls[0].Name != "finish" {
		t.Fatalf("idle stream with DONE mission should synthesize finish, got %+v", calls)
	}
}

func TestWatchdogGuardEscalatesIdleStrikes(t *testing.T) {
	store := testStore(t)
	seedPlan(t, store, blackboard.MissionInProgress)
	reg := registry.New(store.RegistryPath())
	guard := &WatchdogGuard{Store: store, Registry: reg, Agent: "Watchdog", MaxStrikes: 2}

	s := newSession()
	s.Messages = append(s.Messages, providers.Message{
		Role: "user", Content: "yes",
		Metadata: map[string]string{"from_tool_call": "ask_user"},
	})

	idle := func() []providers.ToolCall {
		calls, _ := runMW(t, guard, s, handlerOf(providers.Chunk{FinishReason: "stop"}))
		return calls
	}
	first := idle()
	if len(first) != 1 || first[0].Name != "wait" {
		t.Fatalf("first idle turn: %+v", first)
	}
	second := idle()
	if !strings.Contains(second[0].Arguments, "RECOVERY REQUIRED") {
		t.Fatalf("strike %d should escalate: %s", guard.MaxStrikes, second[0].Arguments)
	}
}

func TestDependencyGuardRewritesEarlyClaim(t *testing.T) {
	store := testStore(t)
	seedPlan(t, store, blackboard.MissionInProgress)
	guard := &DependencyGuard{Store: store}

	// Task 2 depends on task 1 which is still IN_PROGRESS.
	calls, _ := runMW(t, guard, newSession(),
		handlerOf(callChunks("update_task", `{"task_id": 2, "status": "IN_PROGRESS"}`)...))
	if len(calls) != 1 || calls[0].Name != "wait" {
		t.Fatalf("premature claim must become wait, got %+v", calls)
	}
	if !strings.Contains(calls[0].Arguments, "dependency") {
		t.Fatalf("reason should name the dependency: %s", calls[0].Arguments)
	}
}

func TestDependencyGuardPassesValidUpdate(t *testing.T) {
	store := testStore(t)
	seedPlan(t, store, blackboard.MissionInProgress)
	guard := &DependencyGuard{Store: store}

	calls, _ := runMW(t, guard, newSession(),
		handlerOf(callChunks("update_task", `{"task_id": 1, "status": "DONE"}`)...))
	if len(calls) != 1 || calls[0].Name != "update_task" {
		t.Fatalf("valid update must pass through, got %+v", calls)
	}
}

func TestDependencyGuardRejectsMultiAssigneeStandardTask(t *testing.T) {
	store := testStore(t)
	seedPlan(t, store, blackboard.MissionInProgress)
	guard := &DependencyGuard{Store: store}

	calls, _ := runMW(t, guard, newSession(),
		handlerOf(callChunks("update_task", `{"task_id": 1, "assignees": ["alice", "bob"]}`)...))
	if len(calls) != 1 || calls[0].Name != "wait" {
		t.Fatalf("multi-assignee standard task must become wait, got %+v", calls)
	}
}

func TestLoopBreakerUpsertsWarning(t *testing.T) {
	s := newSession()
	for i := 0; i < 3; i++ {
		s.Messages = append(s.Messages, providers.Message{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: "c", Name: "read_index", Arguments: `{"filename": "central_plan.md"}`},
			},
		})
	}

	runMW(t, &LoopBreaker{}, s, handlerOf(providers.Chunk{FinishReason: "stop"}))
	if !strings.Contains(s.SystemSection(loopBreakerSection), "read_index") {
		t.Fatal("loop warning not spliced into the system prompt")
	}
}

func TestInteractionRefinementRewritesExchange(t *testing.T) {
	s := newSession()
	s.Messages = append(s.Messages,
		providers.Message{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "ask_user", Arguments: `{"question": "Proceed with the plan?"}`},
			},
		},
		providers.Message{Role: "tool", ToolCallID: "c1", Name: "ask_user", Content: "yes, proceed"},
	)

	runMW(t, &InteractionRefinement{}, s, handlerOf(providers.Chunk{FinishReason: "stop"}))

	n := len(s.Messages)
	if s.Messages[n-2].Role != "assistant" || s.Messages[n-2].Content != "Proceed with the plan?" {
		t.Fatalf("question not lifted: %+v", s.Messages[n-2])
	}
	last := s.Messages[n-1]
	if last.Role != "user" || last.Content != "yes, proceed" ||
		last.Metadata["from_tool_call"] != "ask_user" {
		t.Fatalf("answer not rewritten: %+v", last)
	}
}

func TestContextOverflowCondensesAndRetries(t *testing.T) {
	s := newSession()
	for i := 0; i < 30; i++ {
		s.Messages = append(s.Messages,
			providers.Message{Role: "assistant", Content: strings.Repeat("x", 200)},
			providers.Message{Role: "tool", Content: strings.Repeat("y", 200)},
		)
	}
	before := len(s.Messages)

	attempts := 0
	next := func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("prompt is too long: maximum context exceeded")
		}
		return handlerOf(providers.Chunk{Content: "ok"}, providers.Chunk{FinishReason: "stop"})(ctx, s)
	}

	ch, err := (&ContextOverflow{}).Wrap(next)(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, ch)
	if attempts != 2 {
		t.Fatalf("want exactly one retry, got %d attempts", attempts)
	}
	if len(s.Messages) >= before {
		t.Fatalf("history not condensed: %d -> %d", before, len(s.Messages))
	}
	if s.Messages[0].Role != "system" || s.Messages[1].Role != "user" {
		t.Fatal("head of history must survive condensation")
	}
}

func TestActivityLoggerNotifiesSignificantCalls(t *testing.T) {
	store := testStore(t)
	logger := &ActivityLogger{Store: store, Agent: "alice"}

	runMW(t, logger, newSession(),
		handlerOf(callChunks("update_task", `{"task_id": 1, "status": "DONE"}`)...))

	tail, err := store.TailNotifications(10, 4_000)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tail, "alice set task 1 to DONE") {
		t.Fatalf("notification missing: %q", tail)
	}
}

func TestParentProcessMonitorShutsDownOrphan(t *testing.T) {
	shut := false
	mon := &ParentProcessMonitor{
		ParentPID: 999_999,
		AgentName: "alice",
		Shutdown:  func() { shut = true },
		PIDExists: func(pid int) bool { return false },
	}

	_, err := mon.Wrap(handlerOf())(context.Background(), newSession())
	if err == nil {
		t.Fatal("orphaned worker must abort the call")
	}
	if !shut {
		t.Fatal("shutdown hook not invoked")
	}
}

func TestForArchitectOrdering(t *testing.T) {
	d := Deps{Store: testStore(t)}
	d.Registry = registry.New(d.Store.RegistryPath())
	mws := ForArchitect(d)

	if mws[0].Name() != "context_overflow" {
		t.Fatalf("recovery must be outermost, got %s", mws[0].Name())
	}
	last := mws[len(mws)-1]
	if last.Name() != "execution_budget" {
		t.Fatalf("budget must be innermost, got %s", last.Name())
	}
	var names []string
	for _, m := range mws {
		names = append(names, m.Name())
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "watchdog_guard") || strings.Contains(joined, "swarm_agent_guard") {
		t.Fatalf("architect chain wrong guards: %s", joined)
	}
}

func TestRequestMonitorResolvesPendingOnTurn(t *testing.T) {
	rm := mailbox.NewRequestManager(t.TempDir())
	rm.PollInterval = 20 * time.Millisecond
	rm.Timeout = 2 * time.Second

	done := make(chan string, 1)
	go func() {
		status, err := rm.Submit(context.Background(), "alice", "exec", "rm -rf build", "cleanup")
		if err != nil {
			t.Error(err)
		}
		done <- status
	}()

	// The request file must exist before the turn runs.
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, _ := rm.ListPending()
		if len(pending) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request file never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var confirmed mailbox.Request
	mon := &RequestMonitor{Requests: rm, Confirm: func(ctx context.Context, req mailbox.Request) bool {
		confirmed = req
		return true
	}}
	runMW(t, mon, newSession(),
		handlerOf(providers.Chunk{Content: "ok"}, providers.Chunk{FinishReason: "stop"}))

	select {
	case status := <-done:
		if status != mailbox.RequestApproved {
			t.Fatalf("submitter saw %s, want APPROVED", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("submitter never unblocked")
	}
	if confirmed.AgentName != "alice" || confirmed.Type != "exec" {
		t.Fatalf("confirm hook saw %+v", confirmed)
	}
}

func TestRequestMonitorWatcherAnswersBetweenTurns(t *testing.T) {
	rm := mailbox.NewRequestManager(t.TempDir())
	rm.PollInterval = 20 * time.Millisecond
	rm.Timeout = 2 * time.Second

	mon := &RequestMonitor{Requests: rm, Confirm: func(context.Context, mailbox.Request) bool { return true }}
	// A turn with nothing pending still starts the watcher.
	runMW(t, mon, newSession(), handlerOf(providers.Chunk{FinishReason: "stop"}))

	// No further turns: only the watcher can answer this.
	status, err := rm.Submit(context.Background(), "bob", "write_file", "notes.md", "scratch space")
	if err != nil {
		t.Fatal(err)
	}
	if status != mailbox.RequestApproved {
		t.Fatalf("watcher should have approved between turns, got %s", status)
	}
}
