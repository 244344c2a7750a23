package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// Commands nobody gets to run, approval or not.
var execDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
}

// ExecTool runs shell commands inside the sandbox root. Commands that ask
// for a working directory outside it go through the permission flow.
type ExecTool struct {
	env     *Env
	timeout time.Duration
}

func NewExecTool() *ExecTool {
	return &ExecTool{timeout: 300 * time.Second}
}

func (t *ExecTool) Configure(env *Env) { t.env = env }
func (t *ExecTool) Name() string       { return "exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command in the working directory and return its combined output."
}
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	for _, pattern := range execDenyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches %s", pattern.String()))
		}
	}

	cwd := t.env.RootPath
	if wd, _ := args["working_dir"].(string); wd != "" {
		abs, inside, err := resolvePath(wd, t.env.RootPath)
		if err != nil {
			return ErrorResult(err.Error())
		}
		if !inside {
			if res := requestEscape(ctx, t.env, "exec", command+" (in "+abs+")", "run outside working directory"); res != nil {
				return res
			}
		}
		cwd = abs
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += "stderr:\n" + stderr.String()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", t.timeout, out))
		}
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, out))
	}
	if out == "" {
		out = "(no output)"
	}
	return NewResult(out)
}
