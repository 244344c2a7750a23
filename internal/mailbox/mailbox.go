// Package mailbox implements the two blackboard IPC surfaces: per-agent
// message queues (mailboxes/{agent}.json) and one-file-per-request
// permission requests (requests/{uuid}.json). Neither side talks to the
// other directly; everything goes through the shared directory under file
// locks.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nanoagent/nanoswarm/internal/lockfile"
)

// Message statuses.
const (
	StatusUnread = "unread"
	StatusRead   = "read"
)

// Well-known metadata and message types.
const (
	SourceMailbox            = "mailbox"
	TypeMaxIterationsReached = "max_iterations_reached"
)

// Message is one mailbox envelope.
type Message struct {
	Timestamp time.Time         `json:"timestamp"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Status    string            `json:"status"`
	ReadTime  *time.Time        `json:"read_time,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Box reads and writes the mailboxes directory.
type Box struct {
	dir         string
	lockTimeout time.Duration
}

// NewBox binds to the blackboard mailboxes directory.
func NewBox(dir string) *Box {
	return &Box{dir: dir, lockTimeout: lockfile.DefaultTimeout}
}

func (b *Box) path(agent string) string {
	return filepath.Join(b.dir, filepath.Base(agent)+".json")
}

// Send appends a message to an agent's mailbox under exclusive lock.
func (b *Box) Send(to string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = StatusUnread
	}
	path := b.path(to)
	return lockfile.WithExclusive(path, b.lockTimeout, func() error {
		msgs, err := b.load(path)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return b.save(path, msgs)
	})
}

// Peek returns the full ordered mailbox without marking anything read.
func (b *Box) Peek(agent string) ([]Message, error) {
	path := b.path(agent)
	var msgs []Message
	err := lockfile.WithShared(path, b.lockTimeout, func() error {
		var err error
		msgs, err = b.load(path)
		return err
	})
	return msgs, err
}

// DrainUnread returns every unread message and flips it to read in place,
// all inside one exclusive lock window.
func (b *Box) DrainUnread(agent string) ([]Message, error) {
	path := b.path(agent)
	var unread []Message
	err := lockfile.WithExclusive(path, b.lockTimeout, func() error {
		msgs, err := b.load(path)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		changed := false
		for i := range msgs {
			if msgs[i].Status != StatusUnread {
				continue
			}
			unread = append(unread, msgs[i])
			msgs[i].Status = StatusRead
			msgs[i].ReadTime = &now
			changed = true
		}
		if !changed {
			return nil
		}
		return b.save(path, msgs)
	})
	return unread, err
}

func (b *Box) load(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("mailbox: corrupt %s: %w", path, err)
	}
	return msgs, nil
}

func (b *Box) save(path string, msgs []Message) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
