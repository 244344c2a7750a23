package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/mailbox"
)

// Control-flow tools: wait, finish, ask_user, send_message. Guard
// middlewares synthesize wait calls, so its argument shape is load-bearing.

// --- wait ---

const maxWaitSeconds = 60

type WaitTool struct{}

func (t *WaitTool) Name() string { return "wait" }
func (t *WaitTool) Description() string {
	return "Pause for a number of seconds before the next step. Use while waiting for workers to make progress."
}
func (t *WaitTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"duration": map[string]interface{}{
				"type":        "integer",
				"description": "Seconds to wait (max 60)",
			},
			"reason": map[string]interface{}{"type": "string"},
		},
		"required": []string{"duration"},
	}
}

func (t *WaitTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	secs, ok := asInt(args["duration"])
	if !ok || secs < 0 {
		secs = 5
	}
	if secs > maxWaitSeconds {
		secs = maxWaitSeconds
	}
	reason, _ := args["reason"].(string)

	select {
	case <-time.After(time.Duration(secs) * time.Second):
	case <-ctx.Done():
		return ErrorResult("wait interrupted: " + ctx.Err().Error())
	}
	if reason != "" {
		return NewResult(fmt.Sprintf("Waited %ds (%s).", secs, reason))
	}
	return NewResult(fmt.Sprintf("Waited %ds.", secs))
}

// --- finish ---

type FinishTool struct{ env *Env }

func (t *FinishTool) Configure(env *Env) { t.env = env }
func (t *FinishTool) Name() string       { return "finish" }
func (t *FinishTool) Description() string {
	return "End the mission. Only call when every task in the shared plan is complete; incomplete tasks block finishing."
}
func (t *FinishTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "One-paragraph mission outcome",
			},
		},
		"required": []string{"summary"},
	}
}

// Execute runs the completion pre-check. A blocking error here is the
// signal the engine uses to downgrade the call to a wait.
func (t *FinishTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	summary, _ := args["summary"].(string)

	if t.env != nil && t.env.Store != nil && t.env.Store.Agent().IsArchitect() {
		if blocked := t.incompleteTasks(); blocked != "" {
			return ErrorResult("cannot finish, incomplete tasks remain: " + blocked)
		}
	}
	return NewResult("Mission finished. " + summary)
}

// incompleteTasks lists standard tasks that are not DONE. Standing tasks
// never complete and never block finishing.
func (t *FinishTool) incompleteTasks() string {
	plan, _, err := t.env.Store.ReadPlan()
	if err != nil {
		// No plan means nothing to block on.
		return ""
	}
	var blocked []string
	for _, task := range plan.Tasks {
		if task.Type == blackboard.TaskStanding {
			continue
		}
		if task.Status != blackboard.TaskDone {
			blocked = append(blocked, fmt.Sprintf("#%d [%s] %s", task.ID, task.Status, task.Description))
		}
	}
	return strings.Join(blocked, "; ")
}

// --- ask_user ---

type AskUserTool struct{ env *Env }

func (t *AskUserTool) Configure(env *Env) { t.env = env }
func (t *AskUserTool) Name() string       { return "ask_user" }
func (t *AskUserTool) Description() string {
	return "Ask the human operator a question and block for the answer. Use sparingly, for decisions only the user can make."
}
func (t *AskUserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{"type": "string"},
		},
		"required": []string{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	question, _ := args["question"].(string)
	if question == "" {
		return ErrorResult("question is required")
	}

	if t.env != nil && t.env.Input != nil {
		answer, err := t.env.Input(ctx, question)
		if err != nil {
			return ErrorResult("no answer from user: " + err.Error())
		}
		return NewResult(answer)
	}

	// No injected callback (direct terminal run): prompt inline.
	var answer string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(question).Value(&answer),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return ErrorResult("no answer from user: " + err.Error())
	}
	return NewResult(answer)
}

// --- send_message ---

type SendMessageTool struct{ env *Env }

func (t *SendMessageTool) Configure(env *Env) { t.env = env }
func (t *SendMessageTool) Name() string       { return "send_message" }
func (t *SendMessageTool) Description() string {
	return "Deliver a message to another agent's mailbox. The recipient sees it before its next LLM call."
}
func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"recipient": map[string]interface{}{"type": "string", "description": "Agent name"},
			"content":   map[string]interface{}{"type": "string"},
		},
		"required": []string{"recipient", "content"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	recipient, _ := args["recipient"].(string)
	content, _ := args["content"].(string)
	msg := mailbox.Message{
		Role:    "user",
		Content: content,
		Metadata: map[string]string{
			"from": t.env.AgentName,
		},
	}
	if err := t.env.Boxes.Send(recipient, msg); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Message delivered to %s.", recipient))
}

// --- spawn_swarm_agent ---

type SpawnSwarmAgentTool struct{ env *Env }

func (t *SpawnSwarmAgentTool) Configure(env *Env) { t.env = env }
func (t *SpawnSwarmAgentTool) Name() string       { return "spawn_swarm_agent" }
func (t *SpawnSwarmAgentTool) Description() string {
	return "Launch a worker agent as a separate process with a name, role and goal. Returns once the worker registers itself as alive."
}
func (t *SpawnSwarmAgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_name": map[string]interface{}{"type": "string"},
			"role":       map[string]interface{}{"type": "string"},
			"goal":       map[string]interface{}{"type": "string", "description": "The worker's mission statement"},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Model key override, e.g. anthropic/claude-sonnet-4-5",
			},
		},
		"required": []string{"agent_name", "role", "goal"},
	}
}

func (t *SpawnSwarmAgentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.env == nil || t.env.Spawn == nil {
		return ErrorResult("spawning is not available in this context")
	}
	name, _ := args["agent_name"].(string)
	role, _ := args["role"].(string)
	goal, _ := args["goal"].(string)
	model, _ := args["model"].(string)

	out, err := t.env.Spawn(ctx, SpawnSpec{
		Name:  name,
		Role:  role,
		Goal:  goal,
		Model: model,
	})
	if err != nil {
		return ErrorResult("spawn failed: " + err.Error())
	}
	return NewResult(out)
}

// --- invoke_agent ---

type InvokeAgentTool struct{ env *Env }

func (t *InvokeAgentTool) Configure(env *Env) { t.env = env }
func (t *InvokeAgentTool) Name() string       { return "invoke_agent" }
func (t *InvokeAgentTool) Description() string {
	return "Delegate a single query to a named in-process subagent and block for its answer. Lighter than spawning a worker; no separate process, no blackboard claim."
}
func (t *InvokeAgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":  map[string]interface{}{"type": "string", "description": "Subagent name"},
			"query": map[string]interface{}{"type": "string"},
		},
		"required": []string{"name", "query"},
	}
}

func (t *InvokeAgentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.env == nil || t.env.Invoke == nil {
		return ErrorResult("subagent delegation is not available in this context")
	}
	name, _ := args["name"].(string)
	query, _ := args["query"].(string)
	if name == "" || query == "" {
		return ErrorResult("name and query are required")
	}
	answer, err := t.env.Invoke(ctx, name, query)
	if err != nil {
		return ErrorResult("invoke_agent failed: " + err.Error())
	}
	return NewResult(answer)
}
