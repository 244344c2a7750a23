package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
)

const testPlan = `---
name: central_plan
description: Master plan
usage_policy: Architect writes, workers update assigned tasks.
---

## Mission

` + "```json\n" + `{
  "mission_goal": "ship it",
  "status": "IN_PROGRESS",
  "summary": "",
  "tasks": [
    {"id": 1, "type": "standard", "description": "research", "status": "IN_PROGRESS", "assignees": ["alice"], "dependencies": []},
    {"id": 2, "type": "standard", "description": "write", "status": "BLOCKED", "assignees": ["bob"], "dependencies": [1]}
  ]
}` + "\n```\n"

func boardEnv(t *testing.T, agent blackboard.Identity) *Env {
	t.Helper()
	store := blackboard.New(t.TempDir(), agent)
	if err := store.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return &Env{Store: store, AgentName: agent.Name, Role: agent.Role, RootPath: t.TempDir()}
}

func architectEnv(t *testing.T) *Env {
	return boardEnv(t, blackboard.Identity{Name: "Watchdog", Role: blackboard.RoleArchitect})
}

func TestUpdateTaskToolRoundTrip(t *testing.T) {
	env := boardEnv(t, blackboard.Identity{Name: "alice", Role: "Researcher"})
	if err := env.Store.CreateIndex(blackboard.PlanFile, testPlan); err != nil {
		t.Fatal(err)
	}

	read := &ReadIndexTool{}
	read.Configure(env)
	res := read.Execute(context.Background(), map[string]interface{}{"filename": blackboard.PlanFile})
	if res.IsError {
		t.Fatalf("read: %s", res.ForLLM)
	}
	checksum := strings.TrimPrefix(strings.SplitN(res.ForLLM, "\n", 2)[0], "checksum: ")

	upd := &UpdateTaskTool{}
	upd.Configure(env)
	res = upd.Execute(context.Background(), map[string]interface{}{
		"task_id":           float64(1), // JSON numbers arrive as float64
		"status":            "DONE",
		"result_summary":    "done it",
		"expected_checksum": checksum,
	})
	if res.IsError {
		t.Fatalf("update_task: %s", res.ForLLM)
	}

	plan, _, err := env.Store.ReadPlan()
	if err != nil {
		t.Fatal(err)
	}
	if got := plan.FindTask(1).Status; got != blackboard.TaskDone {
		t.Fatalf("task 1 status: %s", got)
	}
	// Task 2's dependency is now DONE, so the auto-fix pass unblocks it.
	if got := plan.FindTask(2).Status; got != blackboard.TaskPending {
		t.Fatalf("task 2 should auto-unblock, got %s", got)
	}
}

func TestUpdateTaskToolStaleChecksum(t *testing.T) {
	env := architectEnv(t)
	if err := env.Store.CreateIndex(blackboard.PlanFile, testPlan); err != nil {
		t.Fatal(err)
	}

	upd := &UpdateTaskTool{}
	upd.Configure(env)
	res := upd.Execute(context.Background(), map[string]interface{}{
		"task_id":           float64(1),
		"status":            "DONE",
		"expected_checksum": "deadbeef",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "conflict") {
		t.Fatalf("stale checksum must surface a conflict error: %+v", res)
	}
}

func TestCreateAndReadResourceTools(t *testing.T) {
	env := architectEnv(t)

	create := &CreateResourceTool{}
	create.Configure(env)
	res := create.Execute(context.Background(), map[string]interface{}{
		"path": "reports/summary.md", "content": "# Summary",
	})
	if res.IsError {
		t.Fatalf("create_resource: %s", res.ForLLM)
	}

	read := &ReadResourceTool{}
	read.Configure(env)
	res = read.Execute(context.Background(), map[string]interface{}{"path": "reports/summary.md"})
	if res.IsError || res.ForLLM != "# Summary" {
		t.Fatalf("read_resource: %+v", res)
	}

	res = read.Execute(context.Background(), map[string]interface{}{"path": "../registry.json"})
	if !res.IsError {
		t.Fatal("traversal out of resources/ must fail")
	}
}

func TestFinishToolBlocksOnIncompleteTasks(t *testing.T) {
	env := architectEnv(t)
	if err := env.Store.CreateIndex(blackboard.PlanFile, testPlan); err != nil {
		t.Fatal(err)
	}

	finish := &FinishTool{}
	finish.Configure(env)
	res := finish.Execute(context.Background(), map[string]interface{}{"summary": "all done"})
	if !res.IsError || !strings.Contains(res.ForLLM, "incomplete tasks") {
		t.Fatalf("finish with open tasks must block: %+v", res)
	}
}

func TestFinishToolPassesWithoutPlan(t *testing.T) {
	env := architectEnv(t)
	finish := &FinishTool{}
	finish.Configure(env)
	res := finish.Execute(context.Background(), map[string]interface{}{"summary": "nothing to do"})
	if res.IsError {
		t.Fatalf("finish without a plan must succeed: %s", res.ForLLM)
	}
}

func TestPaletteExclusions(t *testing.T) {
	env := architectEnv(t)
	reg := ArchitectRegistry(env, []string{"browser_use", "web_search"})
	if reg.Has("browser_use") || reg.Has("web_search") {
		t.Fatal("excluded tools still registered")
	}
	for _, name := range []string{"update_task", "spawn_swarm_agent", "invoke_agent", "finish", "wait", "ask_user"} {
		if !reg.Has(name) {
			t.Errorf("architect palette missing %s", name)
		}
	}

	worker := WorkerRegistry(env, nil)
	if worker.Has("ask_user") || worker.Has("spawn_swarm_agent") {
		t.Fatal("worker palette must not include ask_user or spawn_swarm_agent")
	}
	if !worker.Has("exec") || !worker.Has("write_file") {
		t.Fatal("worker palette missing workbench tools")
	}
}
