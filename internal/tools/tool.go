// Package tools holds the agent tool surface: the uniform tool contract,
// the registry that serializes tools into provider function schemas and
// validates arguments before dispatch, and the builtin tool set
// (blackboard operations, control flow, filesystem, shell, web).
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/mailbox"
	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/registry"
)

// Tool is the uniform contract every agent tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Configurable tools receive per-agent state before the first Execute.
type Configurable interface {
	Configure(env *Env)
}

// SpawnSpec describes a worker to launch.
type SpawnSpec struct {
	Name          string
	Role          string
	Goal          string
	Model         string
	ExcludeTools  []string
	MaxIterations int
}

// Env is the per-agent state injected into tools at registration time.
type Env struct {
	Store    *blackboard.Store
	Registry *registry.Registry
	Requests *mailbox.RequestManager

	AgentName string
	Role      string
	ModelKey  string
	Keys      map[string]string

	// RootPath is the sandbox root for filesystem and shell tools.
	RootPath string

	// Input blocks for a user answer (TAP rendezvous or terminal prompt).
	Input func(ctx context.Context, question string) (string, error)

	// Spawn launches a worker process and reports the outcome.
	Spawn func(ctx context.Context, spec SpawnSpec) (string, error)

	// Invoke delegates a query to an in-process subagent and returns its
	// final answer.
	Invoke func(ctx context.Context, name, query string) (string, error)

	// Boxes is the mailbox directory shared by all agents.
	Boxes *mailbox.Box
}

// ExpandPathVars substitutes the template variables tools accept in path
// arguments: {{root_path}} and {{blackboard}}.
func (e *Env) ExpandPathVars(s string) string {
	if e == nil {
		return s
	}
	s = strings.ReplaceAll(s, "{{root_path}}", e.RootPath)
	if e.Store != nil {
		s = strings.ReplaceAll(s, "{{blackboard}}", e.Store.Root())
	}
	return s
}

// Registry holds the tools available to one agent, in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
	env   *Env
}

func NewRegistry(env *Env) *Registry {
	return &Registry{tools: make(map[string]Tool), env: env}
}

// Register adds a tool, configuring it if it accepts the environment.
// Re-registering a name replaces the tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := t.(Configurable); ok {
		c.Configure(r.env)
	}
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Defs serializes the registry into provider function schemas, in
// registration order.
func (r *Registry) Defs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute validates args against the tool's schema, expands path template
// variables, runs the tool, and caps oversized output. Unknown names and
// schema violations come back as error results the model can react to.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf(
			"unknown tool %q; valid tools: %s", name, strings.Join(r.List(), ", ")))
	}

	if err := validateArgs(t.Parameters(), args); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}
	expandArgVars(r.env, args)

	res := t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	res.ForLLM = TruncateOutput(res.ForLLM)
	return res
}

// validateArgs checks args against the tool's JSON schema.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return err
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// expandArgVars rewrites template variables in top-level string args.
func expandArgVars(env *Env, args map[string]interface{}) {
	if env == nil {
		return
	}
	for k, v := range args {
		if s, ok := v.(string); ok && strings.Contains(s, "{{") {
			args[k] = env.ExpandPathVars(s)
		}
	}
}
