package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "registry.json"))
}

func TestRegisterPreservesSpawnTime(t *testing.T) {
	r := testRegistry(t)

	if err := r.RegisterSpawned("alice", "Researcher", 4242); err != nil {
		t.Fatal(err)
	}
	spawned, err := r.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if spawned.Status != StatusStarting || spawned.SpawnTime == nil {
		t.Fatalf("spawned row wrong: %+v", spawned)
	}

	if err := r.Register("alice", "Researcher", 4242); err != nil {
		t.Fatal(err)
	}
	running, _ := r.Get("alice")
	if running.Status != StatusRunning {
		t.Errorf("want RUNNING, got %s", running.Status)
	}
	if running.StartTime == nil {
		t.Error("start_time must be stamped")
	}
	if running.SpawnTime == nil || !running.SpawnTime.Equal(*spawned.SpawnTime) {
		t.Error("spawn_time written by the spawner must survive register")
	}
}

func TestDeregisterIdempotent(t *testing.T) {
	r := testRegistry(t)
	if err := r.Register("alice", "Researcher", os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister("alice", "finished"); err != nil {
		t.Fatal(err)
	}
	first, _ := r.Get("alice")

	time.Sleep(5 * time.Millisecond)
	if err := r.Deregister("alice", "again"); err != nil {
		t.Fatal(err)
	}
	second, _ := r.Get("alice")

	if second.Status != StatusDead {
		t.Errorf("want DEAD, got %s", second.Status)
	}
	if second.ExitReason != "finished" || !second.ExitTime.Equal(*first.ExitTime) {
		t.Errorf("second deregister must not overwrite the first exit record: %+v", second)
	}

	// Deregistering an unknown agent is a no-op, not an error.
	if err := r.Deregister("ghost", "x"); err != nil {
		t.Fatal(err)
	}
}

func TestGetUnknownAgent(t *testing.T) {
	r := testRegistry(t)
	if _, err := r.Get("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestVerifyAndSyncPIDs(t *testing.T) {
	r := testRegistry(t)
	alive := map[int]bool{100: true}
	r.pidExists = func(pid int) bool { return alive[pid] }

	if err := r.Register("alive", "Worker", 100); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("vanished", "Worker", 200); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterSpawned("booting", "Worker", 300); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("gone", "Worker", 400); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister("gone", "finished"); err != nil {
		t.Fatal(err)
	}

	report, err := r.VerifyAndSyncPIDs()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, v := range report {
		got[v.Name] = v.VerifiedStatus
	}
	want := map[string]string{
		"alive":    VerifiedAlive,
		"vanished": VerifiedDead,
		"booting":  VerifiedStarting, // inside the 30s grace window
		"gone":     VerifiedDead,
	}
	for name, status := range want {
		if got[name] != status {
			t.Errorf("%s: want %s, got %s", name, status, got[name])
		}
	}

	// The vanished agent is persisted as DEAD with reason.
	v, _ := r.Get("vanished")
	if v.Status != StatusDead || v.ExitReason != "PID not found" || v.ExitTime == nil {
		t.Errorf("vanished row: %+v", v)
	}

	// A DEAD row stays DEAD even if the PID comes back.
	alive[400] = true
	report, _ = r.VerifyAndSyncPIDs()
	for _, va := range report {
		if va.Name == "gone" && va.VerifiedStatus != VerifiedDead {
			t.Errorf("deregistered agent must stay DEAD, got %s", va.VerifiedStatus)
		}
	}
}

func TestStartingGraceExpires(t *testing.T) {
	r := testRegistry(t)
	r.pidExists = func(int) bool { return false }

	if err := r.RegisterSpawned("slow", "Worker", 500); err != nil {
		t.Fatal(err)
	}
	// Age the spawn_time past the grace window.
	old := time.Now().UTC().Add(-StartingGrace - time.Second)
	if err := r.Update("slow", func(a *AgentInfo) { a.SpawnTime = &old }); err != nil {
		t.Fatal(err)
	}

	report, _ := r.VerifyAndSyncPIDs()
	if len(report) != 1 || report[0].VerifiedStatus != VerifiedDead {
		t.Fatalf("stale STARTING entry must be probed and marked DEAD: %+v", report)
	}
}
