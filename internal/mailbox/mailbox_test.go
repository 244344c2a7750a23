package mailbox

import (
	"context"
	"testing"
	"time"
)

func TestSendAndDrainUnread(t *testing.T) {
	box := NewBox(t.TempDir())

	if err := box.Send("alice", Message{Role: "user", Content: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := box.Send("alice", Message{Role: "user", Content: "second"}); err != nil {
		t.Fatal(err)
	}

	unread, err := box.DrainUnread("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 2 || unread[0].Content != "first" || unread[1].Content != "second" {
		t.Fatalf("drain order wrong: %+v", unread)
	}

	// Second drain is empty; messages stay in the box marked read.
	again, _ := box.DrainUnread("alice")
	if len(again) != 0 {
		t.Fatalf("want no unread on second drain, got %d", len(again))
	}
	all, _ := box.Peek("alice")
	if len(all) != 2 {
		t.Fatalf("messages must remain after drain, got %d", len(all))
	}
	for _, m := range all {
		if m.Status != StatusRead || m.ReadTime == nil {
			t.Errorf("message not flipped to read: %+v", m)
		}
	}
}

func TestPeekEmptyMailbox(t *testing.T) {
	box := NewBox(t.TempDir())
	msgs, err := box.Peek("nobody")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("empty mailbox: got %v, %v", msgs, err)
	}
}

func TestRequestApprovalRoundTrip(t *testing.T) {
	m := NewRequestManager(t.TempDir())
	m.PollInterval = 10 * time.Millisecond
	m.Timeout = 2 * time.Second

	// Approve from a second goroutine while Submit polls.
	go func() {
		for {
			pending, _ := m.ListPending()
			if len(pending) == 1 {
				if err := m.Resolve(pending[0].ID, true); err != nil {
					t.Error(err)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	status, err := m.Submit(context.Background(), "alice", "file_write", "/tmp/x", "outside sandbox")
	if err != nil {
		t.Fatal(err)
	}
	if status != RequestApproved {
		t.Fatalf("want APPROVED, got %s", status)
	}

	pending, _ := m.ListPending()
	if len(pending) != 0 {
		t.Fatalf("resolved request still listed: %+v", pending)
	}
}

func TestRequestTimeoutIsDeny(t *testing.T) {
	m := NewRequestManager(t.TempDir())
	m.PollInterval = 10 * time.Millisecond
	m.Timeout = 50 * time.Millisecond

	status, err := m.Submit(context.Background(), "alice", "file_write", "/etc/passwd", "no")
	if err != nil {
		t.Fatal(err)
	}
	if status != RequestTimeout {
		t.Fatalf("want TIMEOUT, got %s", status)
	}
}

func TestResolveDoesNotOverwriteFinalStatus(t *testing.T) {
	m := NewRequestManager(t.TempDir())
	m.PollInterval = 10 * time.Millisecond
	m.Timeout = time.Second

	go func() {
		for {
			pending, _ := m.ListPending()
			if len(pending) == 1 {
				_ = m.Resolve(pending[0].ID, false)
				// A late second answer must not flip DENIED.
				_ = m.Resolve(pending[0].ID, true)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	status, err := m.Submit(context.Background(), "bob", "exec", "rm -rf /", "dangerous")
	if err != nil {
		t.Fatal(err)
	}
	if status != RequestDenied {
		t.Fatalf("want DENIED to stick, got %s", status)
	}
}
