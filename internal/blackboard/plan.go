package blackboard

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PlanFile is the reserved index carrying the central task plan.
const PlanFile = "central_plan.md"

// Mission statuses.
const (
	MissionInProgress = "IN_PROGRESS"
	MissionDone       = "DONE"
)

// Task statuses.
const (
	TaskPending    = "PENDING"
	TaskInProgress = "IN_PROGRESS"
	TaskDone       = "DONE"
	TaskBlocked    = "BLOCKED"
)

// Task types.
const (
	TaskStandard = "standard"
	TaskStanding = "standing"
)

// Plan is the authoritative task graph embedded in central_plan.md.
type Plan struct {
	MissionGoal string `json:"mission_goal"`
	Status      string `json:"status"`
	Summary     string `json:"summary"`
	Tasks       []Task `json:"tasks"`
}

// Task is one node of the plan graph.
type Task struct {
	ID            int      `json:"id"`
	Type          string   `json:"type"`
	Description   string   `json:"description"`
	Status        string   `json:"status"`
	Assignees     []string `json:"assignees"`
	Dependencies  []int    `json:"dependencies"`
	ResultSummary string   `json:"result_summary,omitempty"`
	ArtifactLink  string   `json:"artifact_link,omitempty"`
}

// FindTask returns a pointer into p.Tasks, or nil.
func (p *Plan) FindTask(id int) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// InProgressTasks returns the ids and descriptions of tasks currently
// IN_PROGRESS, used by the engine's max-iterations notifier.
func (p *Plan) InProgressTasks() []Task {
	var out []Task
	for _, t := range p.Tasks {
		if t.Status == TaskInProgress {
			out = append(out, t)
		}
	}
	return out
}

// allowedTransitions is the per-task status transition table. DONE is
// terminal. The Architect may override.
var allowedTransitions = map[string][]string{
	TaskPending:    {TaskInProgress},
	TaskInProgress: {TaskDone, TaskPending},
	TaskBlocked:    {TaskPending},
	TaskDone:       {},
}

// ValidateTransition checks a single-task status change against the table.
func ValidateTransition(from, to string) error {
	if from == to {
		return nil
	}
	for _, t := range allowedTransitions[from] {
		if t == to {
			return nil
		}
	}
	return fmt.Errorf("status transition %s -> %s is not allowed (allowed from %s: %s)",
		from, to, from, strings.Join(allowedTransitions[from], ", "))
}

// ParsePlan extracts and decodes the single fenced ```json block from an
// index body.
func ParsePlan(body string) (*Plan, error) {
	raw, err := extractJSONFence(body)
	if err != nil {
		return nil, err
	}
	var p Plan
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("plan JSON is invalid: %w", err)
	}
	return &p, nil
}

func extractJSONFence(body string) (string, error) {
	start := strings.Index(body, "```json")
	if start < 0 {
		return "", fmt.Errorf("plan body has no ```json block")
	}
	rest := body[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", fmt.Errorf("plan ```json block is not closed")
	}
	if strings.Contains(rest[end+3:], "```json") {
		return "", fmt.Errorf("plan body must contain exactly one ```json block")
	}
	return strings.TrimSpace(rest[:end]), nil
}

// RenderPlanBody replaces the ```json block in body with the serialized
// plan, preserving surrounding markdown.
func RenderPlanBody(body string, p *Plan) (string, error) {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	start := strings.Index(body, "```json")
	if start < 0 {
		return body + "\n```json\n" + string(raw) + "\n```\n", nil
	}
	rest := body[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", fmt.Errorf("plan ```json block is not closed")
	}
	return body[:start] + "```json\n" + string(raw) + "\n" + rest[end:], nil
}

// ValidatePlan enforces the plan invariants: known dependency ids, no
// self-dependencies, no cycles, BLOCKED-not-PENDING for unsatisfied
// dependencies, and the single-assignee rule for standard tasks.
func ValidatePlan(p *Plan) error {
	switch p.Status {
	case MissionInProgress, MissionDone:
	case "":
		return fmt.Errorf("plan is missing mission status")
	default:
		return fmt.Errorf("unknown mission status %q", p.Status)
	}

	byID := make(map[int]*Task, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %d", t.ID)
		}
		byID[t.ID] = t

		switch t.Type {
		case TaskStandard, TaskStanding:
		default:
			return fmt.Errorf("task %d has unknown type %q", t.ID, t.Type)
		}
		switch t.Status {
		case TaskPending, TaskInProgress, TaskDone, TaskBlocked:
		default:
			return fmt.Errorf("task %d has unknown status %q", t.ID, t.Status)
		}
		if t.Type == TaskStandard && len(t.Assignees) > 1 {
			return fmt.Errorf("standard task %d has %d assignees (max 1)", t.ID, len(t.Assignees))
		}
	}

	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("task %d depends on itself", t.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %d depends on unknown task %d", t.ID, dep)
			}
		}
	}

	if cycle := findCycle(p, byID); len(cycle) > 0 {
		parts := make([]string, len(cycle))
		for i, id := range cycle {
			parts[i] = fmt.Sprintf("%d", id)
		}
		return fmt.Errorf("dependency cycle: %s", strings.Join(parts, " -> "))
	}

	for _, t := range p.Tasks {
		if t.Status != TaskPending {
			continue
		}
		for _, dep := range t.Dependencies {
			if byID[dep].Status != TaskDone {
				return fmt.Errorf("task %d is PENDING but dependency %d is %s (must be BLOCKED)",
					t.ID, dep, byID[dep].Status)
			}
		}
	}
	return nil
}

func findCycle(p *Plan, byID map[int]*Task) []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[int]int{}
	var stack []int

	var visit func(id int) []int
	visit = func(id int) []int {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case gray:
				// Slice the stack from the first occurrence of dep.
				for i, v := range stack {
					if v == dep {
						return append(append([]int{}, stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, t := range p.Tasks {
		if color[t.ID] == white {
			if c := visit(t.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// AutoFix runs the passive repair pass: any BLOCKED task whose dependencies
// are all DONE is promoted to PENDING, and any standard task with more than
// one assignee is truncated to the first. Returns whether the plan changed.
// The pass is monotone: it never demotes PENDING back to BLOCKED.
func AutoFix(p *Plan) bool {
	byID := make(map[int]*Task, len(p.Tasks))
	for i := range p.Tasks {
		byID[p.Tasks[i].ID] = &p.Tasks[i]
	}

	changed := false
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Status == TaskBlocked {
			ready := true
			for _, dep := range t.Dependencies {
				d, ok := byID[dep]
				if !ok || d.Status != TaskDone {
					ready = false
					break
				}
			}
			if ready {
				t.Status = TaskPending
				changed = true
			}
		}
		if t.Type == TaskStandard && len(t.Assignees) > 1 {
			t.Assignees = t.Assignees[:1]
			changed = true
		}
	}
	return changed
}

// DepsSatisfied reports whether every dependency of task id is DONE, and
// names the first unsatisfied one.
func DepsSatisfied(p *Plan, id int) (bool, int) {
	t := p.FindTask(id)
	if t == nil {
		return false, 0
	}
	for _, dep := range t.Dependencies {
		d := p.FindTask(dep)
		if d == nil || d.Status != TaskDone {
			return false, dep
		}
	}
	return true, 0
}
