// Package coordinator composes the engine, middleware chains, tool
// palettes, and process plumbing into the two runnable agents: the
// Architect that plans and supervises, and the Worker that executes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/mailbox"
	"github.com/nanoagent/nanoswarm/internal/middleware"
	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/registry"
	"github.com/nanoagent/nanoswarm/internal/supervisor"
	"github.com/nanoagent/nanoswarm/internal/tap"
	"github.com/nanoagent/nanoswarm/internal/tools"
)

// ErrInterrupted reports a user-initiated stop; the CLI maps it to exit
// code 130.
var ErrInterrupted = errors.New("interrupted")

// Architect is the root coordinator process.
type Architect struct {
	Name    string
	Role    string
	Mission string

	ModelKey string
	Keys     map[string]string
	// KeysPath is forwarded to spawned workers.
	KeysPath string
	// Provider overrides ModelKey resolution when set.
	Provider providers.Provider

	BlackboardDir string
	RootPath      string
	KeepHistory   bool
	MaxIterations int
	MaxParallel   int

	// Bridge, when set, services ask_user and permission confirms over
	// TAP; nil means terminal prompts.
	Bridge *tap.Bridge
	// Events receives every engine event (the TAP writer, or a renderer).
	Events func(engine.Event)
}

// Run drives the mission to completion. It returns nil when the mission
// finished, ErrInterrupted on a user stop, and the failure otherwise.
func (a *Architect) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !a.KeepHistory {
		if err := os.RemoveAll(a.BlackboardDir); err != nil {
			return fmt.Errorf("reset blackboard: %w", err)
		}
	}
	store := blackboard.New(a.BlackboardDir, blackboard.Identity{Name: a.Name, Role: a.Role})
	if err := store.EnsureLayout(); err != nil {
		return err
	}

	reg := registry.New(store.RegistryPath())
	if err := reg.Register(a.Name, a.Role, os.Getpid()); err != nil {
		return err
	}
	defer reg.Deregister(a.Name, "normal exit")

	uninstall, interrupted := supervisor.OnTermination(a.Name, reg, cancel)
	defer uninstall()

	boxes := mailbox.NewBox(store.MailboxesDir())
	requests := mailbox.NewRequestManager(store.RequestsDir())

	provider, model := a.Provider, ""
	if provider == nil {
		var err error
		provider, model, err = providers.FromKey(a.ModelKey, a.Keys)
		if err != nil {
			return err
		}
	}

	sup := &supervisor.Supervisor{
		Store:       store,
		Registry:    reg,
		ParentAgent: a.Name,
		Model:       a.ModelKey,
		KeysPath:    a.KeysPath,
	}

	env := &tools.Env{
		Store:     store,
		Registry:  reg,
		Requests:  requests,
		AgentName: a.Name,
		Role:      a.Role,
		ModelKey:  a.ModelKey,
		Keys:      a.Keys,
		RootPath:  a.RootPath,
		Boxes:     boxes,
		Spawn: func(ctx context.Context, spec tools.SpawnSpec) (string, error) {
			pid, err := sup.Spawn(ctx, supervisor.Spec{
				Name:          spec.Name,
				Role:          spec.Role,
				Goal:          spec.Goal,
				Model:         spec.Model,
				ExcludeTools:  spec.ExcludeTools,
				MaxIterations: spec.MaxIterations,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("worker %s (%s) running with pid %d", spec.Name, spec.Role, pid), nil
		},
	}
	if a.Bridge != nil {
		env.Input = a.Bridge.Input
	}

	toolReg := tools.ArchitectRegistry(env, nil)

	deps := middleware.Deps{
		Store:         store,
		Registry:      reg,
		Boxes:         boxes,
		Requests:      requests,
		Agent:         a.Name,
		MaxIterations: a.MaxIterations,
		Confirm:       a.confirmFunc(),
	}

	engCfg := engine.Config{
		Provider:    provider,
		AgentName:   a.Name,
		Store:       store,
		MaxParallel: a.MaxParallel,
		Subagents:   a.subagentFactory(provider, model, store, env),
	}
	core := engine.New(engCfg)
	engCfg.Handler = engine.Chain(core.Stream, middleware.ForArchitect(deps)...)
	eng := engine.New(engCfg)

	sink, closeTrace := eventTrace(store, a.Name, a.Events)
	defer closeTrace()

	// The current turn's session, for invoke_agent depth tracking.
	var cur *engine.Session
	env.Invoke = func(ctx context.Context, name, query string) (string, error) {
		return delegate(ctx, eng, cur, name, query)
	}

	runTurn := func(text string) (string, error) {
		turnCtx, cancelTurn := context.WithCancel(ctx)
		defer cancelTurn()
		if a.Bridge != nil {
			// An abort line ends this turn, not the process.
			a.Bridge.SetOnAbort(cancelTurn)
		}
		sess := engine.NewSession(architectSystemPrompt(a.Name, a.Role), text, toolReg, model)
		cur = sess
		return a.consume(eng.Run(turnCtx, sess, a.MaxIterations), sink)
	}

	slog.Info("architect running", "name", a.Name, "model", a.ModelKey, "blackboard", store.Root())
	reason, runErr := runTurn(a.Mission)

	// With an attached UI the process outlives the mission turn: every
	// queued user_message starts a fresh turn, until the UI disconnects.
	for a.Bridge != nil && runErr == nil {
		select {
		case <-interrupted:
			return ErrInterrupted
		case <-ctx.Done():
			return ErrInterrupted
		case msg, ok := <-a.Bridge.UserMessages():
			if !ok {
				return nil
			}
			reason, runErr = runTurn(msg.Text)
		}
	}

	select {
	case <-interrupted:
		return ErrInterrupted
	default:
	}
	if runErr != nil {
		return runErr
	}
	if reason == engine.FinishAborted {
		return ErrInterrupted
	}
	return nil
}

// consume forwards events to the sink and extracts the terminal outcome.
func (a *Architect) consume(events <-chan engine.Event, sink func(engine.Event)) (string, error) {
	reason := ""
	var failure error
	for ev := range events {
		sink(ev)
		switch ev.Type {
		case engine.EventError:
			if !ev.Recoverable {
				failure = errors.New(ev.Message)
			}
		case engine.EventFinish:
			reason = ev.Reason
		}
	}
	return reason, failure
}

// subagentFactory builds in-process delegates for invoke_agent: a fresh
// engine on the same provider and blackboard, with the worker palette
// minus spawning and user prompts.
func (a *Architect) subagentFactory(provider providers.Provider, model string, store *blackboard.Store, env *tools.Env) func(string) (*engine.Engine, *engine.Session, error) {
	return func(name string) (*engine.Engine, *engine.Session, error) {
		subEnv := *env
		subEnv.AgentName = name
		subEnv.Role = "Subagent"
		subEnv.Spawn = nil
		subEnv.Invoke = nil
		subEnv.Input = nil
		subReg := tools.WorkerRegistry(&subEnv, nil)

		sub := engine.New(engine.Config{
			Provider:    provider,
			AgentName:   name,
			Store:       store,
			MaxParallel: a.MaxParallel,
		})
		sess := &engine.Session{
			Messages: []providers.Message{{Role: "system",
				Content: workerSystemPrompt(name, "Subagent", "Answer the delegated query and reply in plain text.")}},
			Tools: subReg,
			Model: model,
			Meta:  map[string]any{},
		}
		return sub, sess, nil
	}
}

// delegate runs one invoke_agent call to completion and returns the
// subagent's final answer.
func delegate(ctx context.Context, eng *engine.Engine, parent *engine.Session, name, query string) (string, error) {
	if parent == nil {
		parent = &engine.Session{Meta: map[string]any{}}
	}
	events, err := eng.InvokeAgent(ctx, parent, name, query)
	if err != nil {
		return "", err
	}
	answer := ""
	for ev := range events {
		switch ev.Type {
		case engine.EventMessage:
			if ev.Role == "assistant" && ev.Content != "" {
				answer = ev.Content
			}
		case engine.EventError:
			if !ev.Recoverable {
				return "", errors.New(ev.Message)
			}
		}
	}
	if answer == "" {
		return "subagent finished without an answer", nil
	}
	return answer, nil
}

// confirmFunc resolves permission requests: over TAP when attached, with
// a terminal prompt headless.
func (a *Architect) confirmFunc() func(ctx context.Context, req mailbox.Request) bool {
	if a.Bridge != nil {
		return func(ctx context.Context, req mailbox.Request) bool {
			msg := fmt.Sprintf("%s requests %s: %s (%s)", req.AgentName, req.Type, req.Content, req.Reason)
			return a.Bridge.Confirm(ctx, req.Type, msg)
		}
	}
	return func(ctx context.Context, req mailbox.Request) bool {
		approved := false
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s requests %s", req.AgentName, req.Type)).
				Description(fmt.Sprintf("%s\nreason: %s", req.Content, req.Reason)).
				Value(&approved),
		))
		if err := form.RunWithContext(ctx); err != nil {
			slog.Warn("confirm prompt failed, denying", "request", req.ID, "error", err)
			return false
		}
		return approved
	}
}
