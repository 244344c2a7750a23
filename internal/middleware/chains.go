package middleware

import (
	"context"
	"path/filepath"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/mailbox"
	"github.com/nanoagent/nanoswarm/internal/registry"
)

// Deps bundles everything the stock chains need.
type Deps struct {
	Store    *blackboard.Store
	Registry *registry.Registry
	Boxes    *mailbox.Box
	Requests *mailbox.RequestManager
	Agent    string

	// MaxIterations feeds the execution budget; zero means the engine
	// default.
	MaxIterations int

	// Confirm resolves permission requests (Architect only).
	Confirm func(ctx context.Context, req mailbox.Request) bool

	// ParentPID / ParentAgent wire the orphan check (workers only).
	ParentPID   int
	ParentAgent string
}

func (d Deps) cacheDir() string {
	return filepath.Join(d.Store.Root(), "cache")
}

// ForArchitect returns the Architect chain, outermost first, as
// engine.Chain expects. Recovery wraps everything; the protocol guard
// sits innermost so it sees exactly what the provider produced.
func ForArchitect(d Deps) []engine.Middleware {
	return []engine.Middleware{
		&ContextOverflow{},
		&ErrorRecovery{},
		&ToolResultCache{Dir: d.cacheDir()},
		&LoopBreaker{},
		&SemanticDriftGuard{},
		&InteractionRefinement{},
		&DependencyGuard{Store: d.Store},
		&RequestMonitor{Requests: d.Requests, Confirm: d.Confirm},
		&Mailbox{Boxes: d.Boxes, Agent: d.Agent},
		&SwarmState{Registry: d.Registry},
		&NotificationAwareness{Store: d.Store},
		&ActivityLogger{Store: d.Store, Agent: d.Agent},
		&WatchdogGuard{Store: d.Store, Registry: d.Registry, Agent: d.Agent},
		&ExecutionBudget{MaxIterations: d.MaxIterations},
	}
}

// ForWorker returns the worker chain. Workers get the orphan check
// outermost (a dead parent aborts the call before any other work) and the
// worker-side end-of-stream guard instead of the watchdog.
func ForWorker(d Deps) []engine.Middleware {
	return []engine.Middleware{
		&ParentProcessMonitor{
			ParentPID:   d.ParentPID,
			ParentAgent: d.ParentAgent,
			Registry:    d.Registry,
			AgentName:   d.Agent,
		},
		&ContextOverflow{},
		&ErrorRecovery{},
		&ToolResultCache{Dir: d.cacheDir()},
		&LoopBreaker{},
		&SemanticDriftGuard{},
		&InteractionRefinement{},
		&DependencyGuard{Store: d.Store},
		&Mailbox{Boxes: d.Boxes, Agent: d.Agent},
		&SwarmState{Registry: d.Registry},
		&NotificationAwareness{Store: d.Store},
		&ActivityLogger{Store: d.Store, Agent: d.Agent},
		&SwarmAgentGuard{},
		&ExecutionBudget{MaxIterations: d.MaxIterations},
	}
}
