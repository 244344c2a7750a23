package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nanoagent/nanoswarm/internal/mailbox"
)

// Filesystem tools resolve paths against the agent's sandbox root. Writes
// that land outside the sandbox are not refused outright: they go through
// the permission request flow and proceed only on explicit approval.

// resolvePath makes path absolute against root and reports whether it
// stays inside the sandbox. Traversal segments are rejected before
// resolution.
func resolvePath(path, root string) (abs string, inside bool, err error) {
	if strings.Contains(path, "..") {
		return "", false, fmt.Errorf("path must not contain '..': %s", path)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	abs = filepath.Clean(path)
	inside = abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
	return abs, inside, nil
}

// requestEscape blocks on operator approval for an out-of-sandbox write.
func requestEscape(ctx context.Context, env *Env, kind, target, reason string) *Result {
	if env.Requests == nil {
		return ErrorResult(fmt.Sprintf("%s outside the sandbox is not permitted: %s", kind, target))
	}
	status, err := env.Requests.Submit(ctx, env.AgentName, kind, target, reason)
	if err != nil {
		return ErrorResult("permission request failed: " + err.Error())
	}
	if status != mailbox.RequestApproved {
		return ErrorResult(fmt.Sprintf("permission %s for %s outside the sandbox: %s", status, kind, target))
	}
	return nil
}

// --- read_file ---

type ReadFileTool struct{ env *Env }

func (t *ReadFileTool) Configure(env *Env) { t.env = env }
func (t *ReadFileTool) Name() string       { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Paths resolve against the working directory; {{root_path}} and {{blackboard}} expand."
}
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	abs, _, err := resolvePath(path, t.env.RootPath)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	return NewResult(string(data))
}

// --- write_file ---

type WriteFileTool struct{ env *Env }

func (t *WriteFileTool) Configure(env *Env) { t.env = env }
func (t *WriteFileTool) Name() string       { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories. Writes outside the working directory require operator approval."
}
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	abs, inside, err := resolvePath(path, t.env.RootPath)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if !inside {
		if res := requestEscape(ctx, t.env, "file_write", abs, "write outside working directory"); res != nil {
			return res
		}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create directory: %v", err))
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s.", len(content), path))
}

// --- edit_file ---

type EditFileTool struct{ env *Env }

func (t *EditFileTool) Configure(env *Env) { t.env = env }
func (t *EditFileTool) Name() string       { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact text snippet in a file. old_text must appear exactly once."
}
func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":     map[string]interface{}{"type": "string"},
			"old_text": map[string]interface{}{"type": "string"},
			"new_text": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)

	abs, inside, err := resolvePath(path, t.env.RootPath)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if !inside {
		if res := requestEscape(ctx, t.env, "file_write", abs, "edit outside working directory"); res != nil {
			return res
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return ErrorResult(fmt.Sprintf("old_text not found in %s", path))
	case n > 1:
		return ErrorResult(fmt.Sprintf("old_text appears %d times in %s; make it unique", n, path))
	}
	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return NewResult(fmt.Sprintf("Edited %s.", path))
}

// --- list_files ---

type ListFilesTool struct{ env *Env }

func (t *ListFilesTool) Configure(env *Env) { t.env = env }
func (t *ListFilesTool) Name() string       { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List directory entries. Directories are suffixed with /."
}
func (t *ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Directory; defaults to the working directory"},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	abs, _, err := resolvePath(path, t.env.RootPath)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", path, err))
	}
	var b strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name + "\n")
	}
	if b.Len() == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(b.String())
}
