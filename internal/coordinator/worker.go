package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/mailbox"
	"github.com/nanoagent/nanoswarm/internal/middleware"
	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/registry"
	"github.com/nanoagent/nanoswarm/internal/supervisor"
	"github.com/nanoagent/nanoswarm/internal/tools"
)

// Worker is one spawned swarm agent.
type Worker struct {
	Name string
	Role string
	Goal string

	BlackboardDir string
	ParentPID     int
	ParentAgent   string

	ModelKey string
	Keys     map[string]string

	ExcludeTools  []string
	MaxIterations int
	MaxParallel   int

	// Events receives engine events; workers usually leave this nil and
	// rely on the redirected log.
	Events func(engine.Event)
}

// Run executes the worker until finish or failure. Registering with the
// registry is the spawn handshake; it must happen before anything slow.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := blackboard.New(w.BlackboardDir, blackboard.Identity{Name: w.Name, Role: w.Role})
	if err := store.EnsureLayout(); err != nil {
		return err
	}

	reg := registry.New(store.RegistryPath())
	if err := reg.Register(w.Name, w.Role, os.Getpid()); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	defer reg.Deregister(w.Name, "finished")

	uninstall, _ := supervisor.OnTermination(w.Name, reg, cancel)
	defer uninstall()

	boxes := mailbox.NewBox(store.MailboxesDir())
	requests := mailbox.NewRequestManager(store.RequestsDir())

	provider, model, err := providers.FromKey(w.ModelKey, w.Keys)
	if err != nil {
		return err
	}

	env := &tools.Env{
		Store:     store,
		Registry:  reg,
		Requests:  requests,
		AgentName: w.Name,
		Role:      w.Role,
		ModelKey:  w.ModelKey,
		Keys:      w.Keys,
		RootPath:  workdir(),
		Boxes:     boxes,
	}
	toolReg := tools.WorkerRegistry(env, w.ExcludeTools)

	deps := middleware.Deps{
		Store:         store,
		Registry:      reg,
		Boxes:         boxes,
		Requests:      requests,
		Agent:         w.Name,
		MaxIterations: w.MaxIterations,
		ParentPID:     w.ParentPID,
		ParentAgent:   w.ParentAgent,
	}

	engCfg := engine.Config{
		Provider:    provider,
		AgentName:   w.Name,
		Store:       store,
		Boxes:       boxes,
		ParentAgent: w.ParentAgent,
		MaxParallel: w.MaxParallel,
	}
	core := engine.New(engCfg)
	engCfg.Handler = engine.Chain(core.Stream, middleware.ForWorker(deps)...)
	eng := engine.New(engCfg)

	sess := engine.NewSession(workerSystemPrompt(w.Name, w.Role, w.Goal), w.Goal, toolReg, model)

	sink, closeTrace := eventTrace(store, w.Name, w.Events)
	defer closeTrace()

	slog.Info("worker running",
		"name", w.Name, "role", w.Role, "parent", w.ParentAgent, "parent_pid", w.ParentPID)

	var failure error
	for ev := range eng.Run(ctx, sess, w.MaxIterations) {
		sink(ev)
		if ev.Type == engine.EventError && !ev.Recoverable {
			failure = errors.New(ev.Message)
		}
	}
	return failure
}

func workdir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
