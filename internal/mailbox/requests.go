package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nanoagent/nanoswarm/internal/lockfile"
)

// Permission request statuses.
const (
	RequestPending  = "PENDING"
	RequestApproved = "APPROVED"
	RequestDenied   = "DENIED"
	RequestTimeout  = "TIMEOUT"
)

// Request is one outstanding permission request, stored as its own file so
// contention stays per-request.
type Request struct {
	ID           string     `json:"id"`
	AgentName    string     `json:"agent_name"`
	Type         string     `json:"type"`
	Content      string     `json:"content"`
	Reason       string     `json:"reason"`
	Status       string     `json:"status"`
	Timestamp    time.Time  `json:"timestamp"`
	ResponseTime *time.Time `json:"response_time,omitempty"`
}

// RequestManager creates requests on the worker side and resolves them on
// the approver side.
type RequestManager struct {
	dir          string
	lockTimeout  time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewRequestManager binds to the blackboard requests directory.
func NewRequestManager(dir string) *RequestManager {
	return &RequestManager{
		dir:          dir,
		lockTimeout:  lockfile.DefaultTimeout,
		PollInterval: time.Second,
		Timeout:      120 * time.Second,
	}
}

func (m *RequestManager) path(id string) string {
	return filepath.Join(m.dir, filepath.Base(id)+".json")
}

// Submit writes a new PENDING request file and blocks, polling, until an
// approver changes its status or the timeout elapses. Timeout is persisted
// as TIMEOUT and treated as deny.
func (m *RequestManager) Submit(ctx context.Context, agentName, reqType, content, reason string) (string, error) {
	req := Request{
		ID:        uuid.NewString(),
		AgentName: agentName,
		Type:      reqType,
		Content:   content,
		Reason:    reason,
		Status:    RequestPending,
		Timestamp: time.Now().UTC(),
	}
	if err := m.write(&req); err != nil {
		return "", err
	}

	deadline := time.Now().Add(m.Timeout)
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.setStatus(req.ID, RequestTimeout)
			return RequestTimeout, ctx.Err()
		case <-ticker.C:
			cur, err := m.Get(req.ID)
			if err != nil {
				return "", err
			}
			if cur.Status != RequestPending {
				return cur.Status, nil
			}
			if time.Now().After(deadline) {
				m.setStatus(req.ID, RequestTimeout)
				return RequestTimeout, nil
			}
		}
	}
}

// Get reads one request file.
func (m *RequestManager) Get(id string) (*Request, error) {
	path := m.path(id)
	var req Request
	err := lockfile.WithShared(path, m.lockTimeout, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("request %s: %w", id, err)
		}
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListPending scans the requests directory for PENDING entries in
// timestamp order.
func (m *RequestManager) ListPending() ([]Request, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		req, err := m.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if req.Status == RequestPending {
			out = append(out, *req)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Timestamp.Before(out[j-1].Timestamp); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// Resolve records the approver's answer.
func (m *RequestManager) Resolve(id string, approved bool) error {
	status := RequestDenied
	if approved {
		status = RequestApproved
	}
	return m.setStatus(id, status)
}

func (m *RequestManager) setStatus(id, status string) error {
	path := m.path(id)
	return lockfile.WithExclusive(path, m.lockTimeout, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("request %s: %w", id, err)
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if req.Status != RequestPending {
			return nil
		}
		now := time.Now().UTC()
		req.Status = status
		req.ResponseTime = &now
		return m.writeLocked(&req)
	})
}

// Watch emits request IDs as new request files appear, letting the
// architect's monitor react faster than its per-turn poll. The watcher is
// best-effort: callers must still call ListPending each turn.
func (m *RequestManager) Watch(ctx context.Context) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(m.dir); err != nil {
		w.Close()
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer w.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) || !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				id := strings.TrimSuffix(filepath.Base(ev.Name), ".json")
				select {
				case out <- id:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *RequestManager) write(req *Request) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	return lockfile.WithExclusive(m.path(req.ID), m.lockTimeout, func() error {
		return m.writeLocked(req)
	})
}

func (m *RequestManager) writeLocked(req *Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path(req.ID), data, 0o644)
}
