package coordinator

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/tap"
)

// eventTrace appends every engine event as one JSON line to
// B/logs/{agent}.jsonl and forwards it to next. The returned closer
// flushes the file; tracing failures degrade to forwarding only.
func eventTrace(store *blackboard.Store, agent string, next func(engine.Event)) (func(engine.Event), func()) {
	forward := next
	if forward == nil {
		forward = func(engine.Event) {}
	}

	if err := os.MkdirAll(store.LogsDir(), 0o755); err != nil {
		slog.Warn("event trace disabled", "agent", agent, "error", err)
		return forward, func() {}
	}
	path := filepath.Join(store.LogsDir(), agent+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("event trace disabled", "agent", agent, "error", err)
		return forward, func() {}
	}

	w := tap.NewWriter(f)
	sink := func(ev engine.Event) {
		if err := w.WriteEvent(ev); err != nil {
			slog.Warn("event trace write failed", "agent", agent, "error", err)
		}
		forward(ev)
	}
	return sink, func() { f.Close() }
}
