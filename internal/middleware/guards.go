package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/registry"
)

// ActivityLogger appends a one-line summary to notifications.md when the
// outbound stream carries a significant blackboard mutation. It logs the
// intent, before execution.
type ActivityLogger struct {
	Store *blackboard.Store
	Agent string
}

func (m *ActivityLogger) Name() string { return "activity_logger" }

var significantTools = map[string]bool{
	"update_task":     true,
	"create_index":    true,
	"create_resource": true,
	"update_index":    true,
}

func (m *ActivityLogger) Wrap(next engine.Handler) engine.Handler {
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		ch, err := next(ctx, s)
		if err != nil {
			return ch, err
		}
		return rewriteCalls(ctx, ch, func(calls []providers.ToolCall) []providers.ToolCall {
			for _, tc := range calls {
				if !significantTools[tc.Name] {
					continue
				}
				if nerr := m.Store.Notify(m.Agent, describeCall(m.Agent, tc)); nerr != nil {
					slog.Warn("activity notification failed", "tool", tc.Name, "error", nerr)
				}
			}
			return calls
		}), nil
	}
}

// DependencyGuard enforces plan discipline around update_task: it runs
// the auto-fix pass before each call and rewrites invalid claims
// (unsatisfied dependencies, multi-assignee standard tasks) into a wait
// carrying the violation, so the model learns instead of corrupting the
// plan.
type DependencyGuard struct {
	Store *blackboard.Store
}

func (m *DependencyGuard) Name() string { return "dependency_guard" }

func (m *DependencyGuard) Wrap(next engine.Handler) engine.Handler {
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		m.persistAutoFix()

		ch, err := next(ctx, s)
		if err != nil {
			return ch, err
		}
		return rewriteCalls(ctx, ch, func(calls []providers.ToolCall) []providers.ToolCall {
			for i, tc := range calls {
				if tc.Name != "update_task" {
					continue
				}
				if reason := m.violation(tc); reason != "" {
					slog.Warn("update_task rewritten to wait", "reason", reason)
					calls[i] = waitCall(reason)
				}
			}
			return calls
		}), nil
	}
}

// persistAutoFix writes auto-unblock results back under CAS; a conflict
// just means someone else got there first.
func (m *DependencyGuard) persistAutoFix() {
	idx, err := m.Store.ReadIndex(blackboard.PlanFile)
	if err != nil {
		return
	}
	plan, err := blackboard.ParsePlan(idx.Body)
	if err != nil {
		return
	}
	if !blackboard.AutoFix(plan) {
		return
	}
	body, err := blackboard.RenderPlanBody(idx.Body, plan)
	if err != nil {
		return
	}
	content, err := blackboard.RenderIndex(idx.Metadata, body)
	if err != nil {
		return
	}
	if err := m.Store.UpdateIndex(blackboard.PlanFile, content, idx.Checksum); err != nil {
		slog.Debug("auto-fix persist skipped", "error", err)
	}
}

func (m *DependencyGuard) violation(tc providers.ToolCall) string {
	args, err := engine.ParseToolArgs(tc.Arguments)
	if err != nil {
		return ""
	}
	plan, _, err := m.Store.ReadPlan()
	if err != nil {
		return ""
	}
	taskID, ok := asInt(args["task_id"])
	if !ok {
		return ""
	}

	if status, _ := args["status"].(string); status == blackboard.TaskInProgress {
		if ok, missing := blackboard.DepsSatisfied(plan, taskID); !ok {
			return fmt.Sprintf(
				"cannot start task %d: dependency %d is not DONE yet; wait for it", taskID, missing)
		}
	}
	if raw, ok := args["assignees"].([]interface{}); ok && len(raw) > 1 {
		if t := plan.FindTask(taskID); t != nil && t.Type == blackboard.TaskStandard {
			return fmt.Sprintf(
				"task %d is a standard task and takes exactly one assignee, not %d", taskID, len(raw))
		}
	}
	return ""
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// WatchdogGuard is the Architect's protocol enforcer. It rewrites calls
// that break the coordination protocol, alerts on dead workers holding
// open tasks, and synthesizes a next step when the model produced no tool
// call at all.
type WatchdogGuard struct {
	Store    *blackboard.Store
	Registry *registry.Registry
	// Agent is the Architect's own registry name, excluded from the
	// worker-liveness check.
	Agent string
	// MaxStrikes bounds consecutive idle end-of-stream rescues before the
	// synthesized wait escalates to a forced recovery instruction.
	MaxStrikes int
}

func (m *WatchdogGuard) Name() string { return "watchdog_guard" }

const (
	livenessSection = "Liveness Alert"
	strikesMetaKey  = "watchdog_strikes"
)

func (m *WatchdogGuard) Wrap(next engine.Handler) engine.Handler {
	maxStrikes := m.MaxStrikes
	if maxStrikes <= 0 {
		maxStrikes = 3
	}
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		m.alertDeadAssignees(s)

		ch, err := next(ctx, s)
		if err != nil {
			return ch, err
		}
		return rewriteCalls(ctx, ch, func(calls []providers.ToolCall) []providers.ToolCall {
			if len(calls) == 0 {
				return []providers.ToolCall{m.synthesize(s, maxStrikes)}
			}
			s.Meta[strikesMetaKey] = 0
			for i, tc := range calls {
				if reason := m.protocolViolation(s, tc); reason != "" {
					slog.Warn("protocol violation rewritten", "tool", tc.Name, "reason", reason)
					calls[i] = waitCall(reason)
				}
			}
			return calls
		}), nil
	}
}

// protocolViolation checks one call against the coordination protocol.
func (m *WatchdogGuard) protocolViolation(s *engine.Session, tc providers.ToolCall) string {
	switch tc.Name {
	case "spawn_swarm_agent", "write_file", "edit_file":
		if !m.planExists() {
			return "PLAN VIOLATION: create central_plan.md before " + tc.Name +
				": workers coordinate through the shared plan"
		}
		if !hasAskUserExchange(s) {
			return "PLAN VIOLATION: confirm the plan with the user (ask_user) before " + tc.Name
		}
	case "finish":
		if plan, _, err := m.Store.ReadPlan(); err == nil &&
			plan.Status == blackboard.MissionInProgress {
			return "PLAN VIOLATION: mission status is still IN_PROGRESS; " +
				"set it to DONE (with every task complete) before finishing"
		}
	}
	return ""
}

// synthesize picks the Architect's next step when the stream ended with
// no tool call: finish when the mission is done, ask_user while the plan
// is unverified, wait while workers run.
func (m *WatchdogGuard) synthesize(s *engine.Session, maxStrikes int) providers.ToolCall {
	plan, _, err := m.Store.ReadPlan()
	if err == nil && plan.Status == blackboard.MissionDone {
		return syntheticCall("finish", map[string]interface{}{
			"summary": "Mission marked DONE in the central plan.",
		})
	}
	if err == nil && !hasAskUserExchange(s) {
		return syntheticCall("ask_user", map[string]interface{}{
			"question": "I have drafted the plan in central_plan.md. Shall I proceed with it?",
		})
	}

	if m.anyWorkerAlive() {
		s.Meta[strikesMetaKey] = 0
		return waitCall("workers are still running; checking back shortly")
	}

	strikes := s.MetaInt(strikesMetaKey) + 1
	s.Meta[strikesMetaKey] = strikes
	if strikes >= maxStrikes {
		return waitCall(fmt.Sprintf(
			"no agent is running and no tool was called for %d consecutive turns. "+
				"RECOVERY REQUIRED: re-read central_plan.md, respawn workers for open tasks, "+
				"or mark the mission DONE and finish", strikes))
	}
	return waitCall("no tool was called; review the plan and take the next action")
}

func (m *WatchdogGuard) planExists() bool {
	_, _, err := m.Store.ReadPlan()
	return err == nil
}

func (m *WatchdogGuard) anyWorkerAlive() bool {
	agents, err := m.Registry.Snapshot()
	if err != nil {
		return false
	}
	for _, a := range agents {
		if a.Name == m.Agent {
			continue
		}
		if a.Status == registry.StatusRunning || a.Status == registry.StatusStarting ||
			a.Status == registry.StatusIdle {
			return true
		}
	}
	return false
}

// alertDeadAssignees splices a warning when a DEAD agent still holds
// non-DONE tasks.
func (m *WatchdogGuard) alertDeadAssignees(s *engine.Session) {
	plan, _, err := m.Store.ReadPlan()
	if err != nil {
		return
	}
	agents, err := m.Registry.Snapshot()
	if err != nil {
		return
	}
	dead := map[string]bool{}
	for _, a := range agents {
		if a.Status == registry.StatusDead {
			dead[a.Name] = true
		}
	}
	var alerts []string
	for _, t := range plan.Tasks {
		if t.Status == blackboard.TaskDone {
			continue
		}
		for _, assignee := range t.Assignees {
			if dead[assignee] {
				alerts = append(alerts, fmt.Sprintf(
					"task %d (%s) is assigned to %s, which is DEAD; reassign or respawn",
					t.ID, t.Status, assignee))
			}
		}
	}
	if len(alerts) > 0 {
		s.UpsertSystemSection(livenessSection, strings.Join(alerts, "\n"))
	}
}

// hasAskUserExchange reports whether the history contains a completed
// ask_user round, in either raw tool form or the refined dialogue form.
func hasAskUserExchange(s *engine.Session) bool {
	for _, msg := range s.Messages {
		if msg.Role == "tool" && msg.Name == "ask_user" {
			return true
		}
		if msg.Role == "user" && msg.Metadata["from_tool_call"] == "ask_user" {
			return true
		}
	}
	return false
}

// SwarmAgentGuard is the worker-side end-of-stream handler: a stream with
// no tool call gets a synthesized wait telling the worker to either work
// or finish.
type SwarmAgentGuard struct{}

func (m *SwarmAgentGuard) Name() string { return "swarm_agent_guard" }

func (m *SwarmAgentGuard) Wrap(next engine.Handler) engine.Handler {
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		ch, err := next(ctx, s)
		if err != nil {
			return ch, err
		}
		return rewriteCalls(ctx, ch, func(calls []providers.ToolCall) []providers.ToolCall {
			if len(calls) > 0 {
				return calls
			}
			return []providers.ToolCall{waitCall(
				"no tool was called; continue working on your goal, or call finish if it is complete")}
		}), nil
	}
}

// ParentProcessMonitor makes orphaned workers shut themselves down: if
// the parent PID is gone or the parent's registry row says DEAD, the
// worker deregisters and terminates.
type ParentProcessMonitor struct {
	ParentPID   int
	ParentAgent string
	Registry    *registry.Registry
	AgentName   string

	// Shutdown is swappable for tests; defaults to SIGTERM-self.
	Shutdown func()
	// PIDExists is swappable for tests; defaults to a gopsutil probe.
	PIDExists func(pid int) bool
}

func (m *ParentProcessMonitor) Name() string { return "parent_process_monitor" }

func (m *ParentProcessMonitor) Wrap(next engine.Handler) engine.Handler {
	pidExists := m.PIDExists
	if pidExists == nil {
		pidExists = func(pid int) bool {
			ok, err := process.PidExists(int32(pid))
			return err == nil && ok
		}
	}
	shutdown := m.Shutdown
	if shutdown == nil {
		shutdown = func() {
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		if reason := m.orphaned(pidExists); reason != "" {
			slog.Warn("parent gone, shutting down", "agent", m.AgentName, "reason", reason)
			if m.Registry != nil {
				_ = m.Registry.Deregister(m.AgentName, reason)
			}
			shutdown()
			return nil, fmt.Errorf("shutting down: %s", reason)
		}
		return next(ctx, s)
	}
}

func (m *ParentProcessMonitor) orphaned(pidExists func(int) bool) string {
	if m.ParentPID > 0 && !pidExists(m.ParentPID) {
		return fmt.Sprintf("parent PID %d no longer exists", m.ParentPID)
	}
	if m.ParentAgent != "" && m.Registry != nil {
		if info, err := m.Registry.Get(m.ParentAgent); err == nil &&
			info.Status == registry.StatusDead {
			return fmt.Sprintf("parent agent %s is DEAD", m.ParentAgent)
		}
	}
	return ""
}
