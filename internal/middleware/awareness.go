package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/engine"
	"github.com/nanoagent/nanoswarm/internal/mailbox"
	"github.com/nanoagent/nanoswarm/internal/providers"
	"github.com/nanoagent/nanoswarm/internal/registry"
)

// SwarmState keeps a verified roster of swarm agents spliced into the
// system prompt. The section is replaced in place each call, so the
// prompt doesn't grow.
type SwarmState struct {
	Registry *registry.Registry
}

func (m *SwarmState) Name() string { return "swarm_state" }

const swarmSection = "Swarm Status"

func (m *SwarmState) Wrap(next engine.Handler) engine.Handler {
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		agents, err := m.Registry.VerifyAndSyncPIDs()
		if err != nil {
			slog.Warn("registry verification failed", "error", err)
			return next(ctx, s)
		}
		s.UpsertSystemSection(swarmSection, renderRoster(agents))
		return next(ctx, s)
	}
}

func renderRoster(agents []registry.VerifiedAgent) string {
	if len(agents) == 0 {
		return "No agents registered."
	}
	var b strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s (%s): %s", a.Name, a.Role, a.VerifiedStatus)
		if a.VerifiedStatus == registry.VerifiedDead && a.ExitReason != "" {
			fmt.Fprintf(&b, " (%s)", a.ExitReason)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// NotificationAwareness splices the tail of notifications.md into the
// system prompt, bounded by lines and characters, replaced in place.
type NotificationAwareness struct {
	Store    *blackboard.Store
	MaxLines int
	MaxChars int
}

func (m *NotificationAwareness) Name() string { return "notification_awareness" }

const notificationsSection = "Recent Notifications"

func (m *NotificationAwareness) Wrap(next engine.Handler) engine.Handler {
	maxLines := m.MaxLines
	if maxLines <= 0 {
		maxLines = 30
	}
	maxChars := m.MaxChars
	if maxChars <= 0 {
		maxChars = 4_000
	}
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		tail, err := m.Store.TailNotifications(maxLines, maxChars)
		if err != nil {
			slog.Warn("notifications tail failed", "error", err)
			return next(ctx, s)
		}
		if strings.TrimSpace(tail) != "" {
			s.UpsertSystemSection(notificationsSection, tail)
		}
		return next(ctx, s)
	}
}

// Mailbox drains the agent's unread mail into the session before each
// call: a fixed assistant self-reflection line, then one user message per
// letter tagged {source: "mailbox"}.
type Mailbox struct {
	Boxes *mailbox.Box
	Agent string
}

func (m *Mailbox) Name() string { return "mailbox" }

func (m *Mailbox) Wrap(next engine.Handler) engine.Handler {
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		unread, err := m.Boxes.DrainUnread(m.Agent)
		if err != nil {
			slog.Warn("mailbox drain failed", "agent", m.Agent, "error", err)
			return next(ctx, s)
		}
		if len(unread) > 0 {
			s.Messages = append(s.Messages, providers.Message{
				Role:    "assistant",
				Content: "Let me check my mailbox before continuing.",
			})
			for _, letter := range unread {
				meta := map[string]string{"source": mailbox.SourceMailbox}
				for k, v := range letter.Metadata {
					meta[k] = v
				}
				s.Messages = append(s.Messages, providers.Message{
					Role:     "user",
					Content:  letter.Content,
					Metadata: meta,
				})
			}
		}
		return next(ctx, s)
	}
}

// RequestMonitor (Architect only) services pending permission requests
// through a confirmation hook: the TAP bridge under a TUI, a console
// prompt headless. A background fsnotify watcher answers new requests as
// their files land; the per-turn poll catches anything the watcher
// missed.
type RequestMonitor struct {
	Requests *mailbox.RequestManager
	// Confirm returns the operator's verdict for one request.
	Confirm func(ctx context.Context, req mailbox.Request) bool

	watching atomic.Bool
	mu       sync.Mutex
	inflight map[string]bool
}

func (m *RequestMonitor) Name() string { return "request_monitor" }

func (m *RequestMonitor) Wrap(next engine.Handler) engine.Handler {
	return func(ctx context.Context, s *engine.Session) (<-chan providers.Chunk, error) {
		m.ensureWatcher(ctx)

		pending, err := m.Requests.ListPending()
		if err != nil {
			slog.Warn("pending request scan failed", "error", err)
			return next(ctx, s)
		}
		for _, req := range pending {
			m.service(ctx, req)
		}
		return next(ctx, s)
	}
}

// ensureWatcher starts the request-file watcher for the current run. It
// dies with the run's context and restarts on the next turn.
func (m *RequestMonitor) ensureWatcher(ctx context.Context) {
	if !m.watching.CompareAndSwap(false, true) {
		return
	}
	ids, err := m.Requests.Watch(ctx)
	if err != nil {
		m.watching.Store(false)
		slog.Warn("request watcher unavailable, polling only", "error", err)
		return
	}
	go func() {
		defer m.watching.Store(false)
		for id := range ids {
			req, err := m.Requests.Get(id)
			if err != nil || req.Status != mailbox.RequestPending {
				continue
			}
			m.service(ctx, *req)
		}
	}()
}

// service answers one request exactly once even when the watcher and the
// poll race on it.
func (m *RequestMonitor) service(ctx context.Context, req mailbox.Request) {
	if !m.begin(req.ID) {
		return
	}
	defer m.end(req.ID)

	// Re-read under the claim: the other path may have resolved it
	// before we got here.
	cur, err := m.Requests.Get(req.ID)
	if err != nil || cur.Status != mailbox.RequestPending {
		return
	}
	approved := false
	if m.Confirm != nil {
		approved = m.Confirm(ctx, req)
	}
	if err := m.Requests.Resolve(req.ID, approved); err != nil {
		slog.Warn("request resolution failed", "id", req.ID, "error", err)
	}
}

func (m *RequestMonitor) begin(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight == nil {
		m.inflight = map[string]bool{}
	}
	if m.inflight[id] {
		return false
	}
	m.inflight[id] = true
	return true
}

func (m *RequestMonitor) end(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}
