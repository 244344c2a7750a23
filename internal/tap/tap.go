// Package tap implements the coordinator side of the UI protocol: a
// newline-delimited JSON duplex over stdio. The coordinator writes engine
// events plus confirm_request/input_request lines to stdout; the UI
// answers on stdin with user_message, confirm_response, input_response,
// and abort.
package tap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanoagent/nanoswarm/internal/engine"
)

// Control message types (stdin).
const (
	TypeUserMessage     = "user_message"
	TypeConfirmResponse = "confirm_response"
	TypeInputResponse   = "input_response"
	TypeAbort           = "abort"
)

// Synthetic event types (stdout), alongside the engine event types.
const (
	TypeConfirmRequest = "confirm_request"
	TypeInputRequest   = "input_request"
)

// DefaultTimeout bounds a rendezvous wait; expiry is a deny.
const DefaultTimeout = 120 * time.Second

// Control is one inbound line from the UI.
type Control struct {
	Type string `json:"type"`

	// user_message
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`

	// confirm_response / input_response
	ID       string `json:"id,omitempty"`
	Approved bool   `json:"approved,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// request is one outbound prompt line.
type request struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message,omitempty"`
	Question string `json:"question,omitempty"`
}

// ErrAborted is returned from rendezvous waits woken by an abort.
var ErrAborted = errors.New("aborted by user")

// Writer serializes JSON lines onto one stream. All coordinator output
// funnels through a single Writer so concurrent emitters never interleave
// partial lines.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// WriteEvent emits one engine event line.
func (w *Writer) WriteEvent(ev engine.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(ev)
}

func (w *Writer) write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

// Bridge runs the stdin dispatcher and offers blocking prompt calls to
// the rest of the coordinator. One Bridge per process.
type Bridge struct {
	Out     *Writer
	Timeout time.Duration

	in io.Reader

	mu      sync.Mutex
	onAbort func()
	pending map[string]chan Control
	user    chan Control
}

func NewBridge(in io.Reader, out io.Writer) *Bridge {
	return &Bridge{
		Out:     NewWriter(out),
		Timeout: DefaultTimeout,
		in:      in,
		pending: make(map[string]chan Control),
		user:    make(chan Control, 16),
	}
}

// UserMessages is the main queue of turn-starting messages. The channel
// closes when Run returns, which is how the coordinator learns the UI
// disconnected.
func (b *Bridge) UserMessages() <-chan Control { return b.user }

// SetOnAbort installs the handler fired once per abort line, before
// pending rendezvous are woken. The coordinator re-points it at each
// turn's cancel.
func (b *Bridge) SetOnAbort(fn func()) {
	b.mu.Lock()
	b.onAbort = fn
	b.mu.Unlock()
}

func (b *Bridge) abortHandler() func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onAbort
}

// Run reads stdin until EOF or ctx cancellation, dispatching each line.
// Unparseable lines are logged and skipped; the UI is not trusted to be
// well-behaved.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.user)
	scanner := bufio.NewScanner(b.in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Control
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("malformed control line skipped", "error", err)
			continue
		}
		b.dispatch(ctx, msg)
	}
	return scanner.Err()
}

func (b *Bridge) dispatch(ctx context.Context, msg Control) {
	switch msg.Type {
	case TypeUserMessage:
		select {
		case b.user <- msg:
		case <-ctx.Done():
		}
	case TypeConfirmResponse, TypeInputResponse:
		b.mu.Lock()
		ch, ok := b.pending[msg.ID]
		if ok {
			delete(b.pending, msg.ID)
		}
		b.mu.Unlock()
		if !ok {
			slog.Warn("response for unknown request", "id", msg.ID, "type", msg.Type)
			return
		}
		ch <- msg
		close(ch)
	case TypeAbort:
		if fn := b.abortHandler(); fn != nil {
			fn()
		}
		b.wakeAll()
	default:
		slog.Warn("unknown control type skipped", "type", msg.Type)
	}
}

// wakeAll closes every pending rendezvous; waiters read the zero Control
// and treat it as abort.
func (b *Bridge) wakeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

func (b *Bridge) register() (string, chan Control) {
	id := uuid.NewString()
	ch := make(chan Control, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bridge) unregister(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Confirm emits a confirm_request and blocks for the verdict. Timeout and
// abort both deny.
func (b *Bridge) Confirm(ctx context.Context, kind, message string) bool {
	id, ch := b.register()
	if err := b.Out.write(request{Type: TypeConfirmRequest, ID: id, Kind: kind, Message: message}); err != nil {
		b.unregister(id)
		slog.Warn("confirm_request write failed", "error", err)
		return false
	}
	select {
	case resp, ok := <-ch:
		return ok && resp.Approved
	case <-time.After(b.timeout()):
		b.unregister(id)
		slog.Warn("confirm_request timed out, denying", "id", id)
		return false
	case <-ctx.Done():
		b.unregister(id)
		return false
	}
}

// Input emits an input_request and blocks for the answer.
func (b *Bridge) Input(ctx context.Context, question string) (string, error) {
	id, ch := b.register()
	if err := b.Out.write(request{Type: TypeInputRequest, ID: id, Question: question}); err != nil {
		b.unregister(id)
		return "", fmt.Errorf("input_request write: %w", err)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return "", ErrAborted
		}
		return resp.Text, nil
	case <-time.After(b.timeout()):
		b.unregister(id)
		return "", fmt.Errorf("input_request %s timed out after %s", id, b.timeout())
	case <-ctx.Done():
		b.unregister(id)
		return "", ctx.Err()
	}
}

func (b *Bridge) timeout() time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	return DefaultTimeout
}
