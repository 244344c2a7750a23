package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
)

// The blackboard tool family. Each tool wraps one store operation and
// renders the outcome as text the model can act on; CAS conflicts and
// access denials come back as plain error strings, never as crashes.

// --- list_indices ---

type ListIndicesTool struct{ env *Env }

func (t *ListIndicesTool) Configure(env *Env) { t.env = env }
func (t *ListIndicesTool) Name() string       { return "list_indices" }
func (t *ListIndicesTool) Description() string {
	return "List all shared index files on the blackboard with their metadata (name, description, usage policy)."
}
func (t *ListIndicesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListIndicesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	entries, err := t.env.Store.ListIndices()
	if err != nil {
		return ErrorResult(err.Error())
	}
	if len(entries) == 0 {
		return NewResult("No indices exist yet.")
	}
	var b strings.Builder
	for _, e := range entries {
		meta, _ := json.Marshal(e.Metadata)
		fmt.Fprintf(&b, "- %s %s\n", e.Filename, meta)
	}
	return NewResult(b.String())
}

// --- read_index ---

type ReadIndexTool struct{ env *Env }

func (t *ReadIndexTool) Configure(env *Env) { t.env = env }
func (t *ReadIndexTool) Name() string       { return "read_index" }
func (t *ReadIndexTool) Description() string {
	return "Read one blackboard index file. Returns its metadata, body and checksum; pass the checksum back to update_index or update_task."
}
func (t *ReadIndexTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"filename": map[string]interface{}{
				"type":        "string",
				"description": "Index filename, e.g. central_plan.md",
			},
		},
		"required": []string{"filename"},
	}
}

func (t *ReadIndexTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	filename, _ := args["filename"].(string)
	idx, err := t.env.Store.ReadIndex(filename)
	if err != nil {
		return ErrorResult(err.Error())
	}
	meta, _ := json.Marshal(idx.Metadata)
	return NewResult(fmt.Sprintf("checksum: %s\nmetadata: %s\n\n%s", idx.Checksum, meta, idx.Body))
}

// --- append_to_index ---

type AppendToIndexTool struct{ env *Env }

func (t *AppendToIndexTool) Configure(env *Env) { t.env = env }
func (t *AppendToIndexTool) Name() string       { return "append_to_index" }
func (t *AppendToIndexTool) Description() string {
	return "Append content to the end of an index file. Use for logs and streams; no checksum needed."
}
func (t *AppendToIndexTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"filename": map[string]interface{}{"type": "string"},
			"content":  map[string]interface{}{"type": "string"},
		},
		"required": []string{"filename", "content"},
	}
}

func (t *AppendToIndexTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	filename, _ := args["filename"].(string)
	content, _ := args["content"].(string)
	if err := t.env.Store.AppendToIndex(filename, content); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Appended %d bytes to %s.", len(content), filename))
}

// --- update_index ---

type UpdateIndexTool struct{ env *Env }

func (t *UpdateIndexTool) Configure(env *Env) { t.env = env }
func (t *UpdateIndexTool) Name() string       { return "update_index" }
func (t *UpdateIndexTool) Description() string {
	return "Replace an index file's full content. Requires the checksum from the last read_index; fails on concurrent modification — re-read and retry."
}
func (t *UpdateIndexTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"filename":          map[string]interface{}{"type": "string"},
			"content":           map[string]interface{}{"type": "string", "description": "Full new file content including front-matter"},
			"expected_checksum": map[string]interface{}{"type": "string"},
		},
		"required": []string{"filename", "content", "expected_checksum"},
	}
}

func (t *UpdateIndexTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	filename, _ := args["filename"].(string)
	content, _ := args["content"].(string)
	checksum, _ := args["expected_checksum"].(string)
	if err := t.env.Store.UpdateIndex(filename, content, checksum); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Updated %s.", filename))
}

// --- create_index ---

type CreateIndexTool struct{ env *Env }

func (t *CreateIndexTool) Configure(env *Env) { t.env = env }
func (t *CreateIndexTool) Name() string       { return "create_index" }
func (t *CreateIndexTool) Description() string {
	return "Create a new index file on the blackboard. Content must start with YAML front-matter carrying name, description and usage_policy. Fails if the file already exists."
}
func (t *CreateIndexTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"filename": map[string]interface{}{"type": "string"},
			"content":  map[string]interface{}{"type": "string"},
		},
		"required": []string{"filename", "content"},
	}
}

func (t *CreateIndexTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	filename, _ := args["filename"].(string)
	content, _ := args["content"].(string)
	if err := t.env.Store.CreateIndex(filename, content); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Created %s.", filename))
}

// --- update_task ---

type UpdateTaskTool struct{ env *Env }

func (t *UpdateTaskTool) Configure(env *Env) { t.env = env }
func (t *UpdateTaskTool) Name() string       { return "update_task" }
func (t *UpdateTaskTool) Description() string {
	return "Patch one task in the shared plan: status transition, assignees, description, result summary or artifact link. " +
		"Requires the checksum from the last read of the plan. Claims (PENDING to IN_PROGRESS) require all dependencies DONE."
}
func (t *UpdateTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{"type": "integer"},
			"filename": map[string]interface{}{
				"type":        "string",
				"description": "Plan filename; defaults to central_plan.md",
			},
			"status": map[string]interface{}{
				"type": "string",
				"enum": []string{"PENDING", "IN_PROGRESS", "DONE", "BLOCKED"},
			},
			"assignees":         map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"description":       map[string]interface{}{"type": "string"},
			"result_summary":    map[string]interface{}{"type": "string"},
			"artifact_link":     map[string]interface{}{"type": "string"},
			"expected_checksum": map[string]interface{}{"type": "string"},
		},
		"required": []string{"task_id", "expected_checksum"},
	}
}

func (t *UpdateTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	taskID, ok := asInt(args["task_id"])
	if !ok {
		return ErrorResult("task_id must be an integer")
	}
	filename, _ := args["filename"].(string)
	if filename == "" {
		filename = blackboard.PlanFile
	}
	checksum, _ := args["expected_checksum"].(string)

	var upd blackboard.TaskUpdate
	if v, ok := args["status"].(string); ok {
		upd.Status = &v
	}
	if v, ok := args["assignees"].([]interface{}); ok {
		assignees := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				assignees = append(assignees, s)
			}
		}
		upd.Assignees = &assignees
	}
	if v, ok := args["description"].(string); ok {
		upd.Description = &v
	}
	if v, ok := args["result_summary"].(string); ok {
		upd.ResultSummary = &v
	}
	if v, ok := args["artifact_link"].(string); ok {
		upd.ArtifactLink = &v
	}

	if err := t.env.Store.UpdateTask(filename, taskID, upd, checksum); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Task %d updated in %s.", taskID, filename))
}

// --- create_resource ---

type CreateResourceTool struct{ env *Env }

func (t *CreateResourceTool) Configure(env *Env) { t.env = env }
func (t *CreateResourceTool) Name() string       { return "create_resource" }
func (t *CreateResourceTool) Description() string {
	return "Write an artifact under the blackboard resources/ directory and return its path, suitable for a task's artifact_link."
}
func (t *CreateResourceTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Relative path under resources/"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *CreateResourceTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	abs, err := t.env.Store.CreateResource(path, []byte(content))
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Resource written: %s", abs))
}

// --- read_resource ---

type ReadResourceTool struct{ env *Env }

func (t *ReadResourceTool) Configure(env *Env) { t.env = env }
func (t *ReadResourceTool) Name() string       { return "read_resource" }
func (t *ReadResourceTool) Description() string {
	return "Read an artifact from the blackboard resources/ directory."
}
func (t *ReadResourceTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadResourceTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	data, err := t.env.Store.ReadResource(path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(string(data))
}

// --- list_templates / read_template ---

type ListTemplatesTool struct{ env *Env }

func (t *ListTemplatesTool) Configure(env *Env) { t.env = env }
func (t *ListTemplatesTool) Name() string       { return "list_templates" }
func (t *ListTemplatesTool) Description() string {
	return "List the document templates available on the blackboard."
}
func (t *ListTemplatesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListTemplatesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	names, err := t.env.Store.ListTemplates()
	if err != nil {
		return ErrorResult(err.Error())
	}
	if len(names) == 0 {
		return NewResult("No templates available.")
	}
	return NewResult(strings.Join(names, "\n"))
}

type ReadTemplateTool struct{ env *Env }

func (t *ReadTemplateTool) Configure(env *Env) { t.env = env }
func (t *ReadTemplateTool) Name() string       { return "read_template" }
func (t *ReadTemplateTool) Description() string {
	return "Read one document template from the blackboard."
}
func (t *ReadTemplateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
		"required": []string{"name"},
	}
}

func (t *ReadTemplateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name, _ := args["name"].(string)
	content, err := t.env.Store.ReadTemplate(name)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(content)
}

// asInt accepts the numeric shapes JSON decoding produces.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
