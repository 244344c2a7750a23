package coordinator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/tap"
)

func TestArchitectRunRequiresCredential(t *testing.T) {
	arch := &Architect{
		Name:          "Watchdog",
		Role:          "Architect",
		Mission:       "do nothing",
		ModelKey:      "anthropic",
		Keys:          map[string]string{},
		BlackboardDir: filepath.Join(t.TempDir(), ".blackboard"),
		RootPath:      t.TempDir(),
	}
	err := arch.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("missing credential must fail early: %v", err)
	}
}

func TestWorkerRunRequiresCredential(t *testing.T) {
	w := &Worker{
		Name:          "alice",
		Role:          "Researcher",
		Goal:          "dig",
		BlackboardDir: filepath.Join(t.TempDir(), ".blackboard"),
		ModelKey:      "openai/gpt-4o",
		Keys:          map[string]string{},
	}
	err := w.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("missing credential must fail early: %v", err)
	}
}

// finishingProvider answers every turn with one finish call, so each
// turn costs exactly one provider call.
type finishingProvider struct{ calls atomic.Int32 }

func (p *finishingProvider) Name() string         { return "canned" }
func (p *finishingProvider) DefaultModel() string { return "test-model" }

func (p *finishingProvider) Stream(ctx context.Context, req providers.ChatRequest) (<-chan providers.Chunk, error) {
	n := p.calls.Add(1)
	out := make(chan providers.Chunk, 2)
	out <- providers.Chunk{ToolCalls: []providers.ToolCallDelta{{
		Index: 0, ID: fmt.Sprintf("c%d", n), Name: "finish",
		Arguments: `{"summary": "done"}`,
	}}}
	out <- providers.Chunk{FinishReason: "tool_calls"}
	close(out)
	return out, nil
}

func TestArchitectTAPRunsTurnPerUserMessage(t *testing.T) {
	coordIn, uiOut := io.Pipe()
	bridge := tap.NewBridge(coordIn, io.Discard)
	go bridge.Run(context.Background())

	p := &finishingProvider{}
	arch := &Architect{
		Name:          "Watchdog",
		Role:          "Architect",
		Mission:       "first mission",
		Provider:      p,
		BlackboardDir: filepath.Join(t.TempDir(), ".blackboard"),
		RootPath:      t.TempDir(),
		MaxIterations: 3,
		Bridge:        bridge,
	}

	go func() {
		uiOut.Write([]byte(`{"type": "user_message", "text": "follow-up one"}` + "\n"))
		uiOut.Write([]byte(`{"type": "user_message", "text": "follow-up two"}` + "\n"))
		// Disconnecting the UI ends the session.
		uiOut.Close()
	}()

	if err := arch.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := p.calls.Load(); got != 3 {
		t.Fatalf("want a turn per message (3 provider calls), got %d", got)
	}
}

func TestPromptsCarryIdentityAndProtocol(t *testing.T) {
	p := architectSystemPrompt("Watchdog", "Architect")
	for _, want := range []string{"Watchdog", "central_plan.md", "ask_user", "spawn_swarm_agent"} {
		if !strings.Contains(p, want) {
			t.Fatalf("architect prompt missing %q", want)
		}
	}
	wp := workerSystemPrompt("alice", "Researcher", "summarize the papers")
	for _, want := range []string{"alice", "summarize the papers", "IN_PROGRESS", "checksum"} {
		if !strings.Contains(wp, want) {
			t.Fatalf("worker prompt missing %q", want)
		}
	}
}
