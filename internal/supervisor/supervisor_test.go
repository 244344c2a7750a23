package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/registry"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	store := blackboard.New(t.TempDir(), blackboard.Identity{Name: "Watchdog", Role: blackboard.RoleArchitect})
	if err := store.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return &Supervisor{
		Store:       store,
		Registry:    registry.New(store.RegistryPath()),
		ParentAgent: "Watchdog",
		Model:       "test/model",
		// A real child would re-invoke our binary; the tests stand in a
		// process that ignores the worker flags and just lives a while.
		ExePath: "/bin/sleep",
		Poll:    20 * time.Millisecond,
		Timeout: 500 * time.Millisecond,
	}
}

func TestSpawnHandshakeTimeoutMarksDead(t *testing.T) {
	sup := testSupervisor(t)

	// The stand-in child never calls register_agent, so the handshake
	// must expire and the row must flip to DEAD.
	_, err := sup.Spawn(context.Background(), Spec{Name: "alice", Role: "Researcher", Goal: "dig"})
	if err == nil {
		t.Fatal("handshake should have timed out")
	}
	info, gerr := sup.Registry.Get("alice")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if info.Status != registry.StatusDead || info.ExitReason != "handshake timeout" {
		t.Fatalf("row after timeout: %+v", info)
	}
}

func TestSpawnSucceedsOnceChildRegisters(t *testing.T) {
	sup := testSupervisor(t)
	sup.Timeout = 2 * time.Second

	// Simulate the child's register_agent call arriving mid-handshake.
	go func() {
		time.Sleep(100 * time.Millisecond)
		if err := sup.Registry.Register("bob", "Writer", 12345); err != nil {
			t.Error(err)
		}
	}()

	pid, err := sup.Spawn(context.Background(), Spec{Name: "bob", Role: "Writer", Goal: "write"})
	if err != nil {
		t.Fatal(err)
	}
	if pid <= 0 {
		t.Fatalf("pid: %d", pid)
	}
	info, err := sup.Registry.Get("bob")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != registry.StatusRunning {
		t.Fatalf("status after handshake: %s", info.Status)
	}
	if info.SpawnTime == nil {
		t.Fatal("spawn_time from the STARTING row must survive register_agent")
	}
}

func TestSpawnWritesWorkerLog(t *testing.T) {
	sup := testSupervisor(t)
	sup.Timeout = 100 * time.Millisecond

	sup.Spawn(context.Background(), Spec{Name: "carol", Role: "Reviewer", Goal: "review"})

	// The log file is created in append mode even when the handshake
	// later fails.
	if _, err := sup.Registry.Get("carol"); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(sup.Store.LogsDir(), "carol.log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("worker log missing: %v", err)
	}
}
