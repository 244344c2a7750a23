// Package supervisor spawns and reaps worker processes. A worker is this
// same binary re-invoked with the worker subcommand, detached into its
// own process group, with stdout/stderr appended to a per-agent log on
// the blackboard.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nanoagent/nanoswarm/internal/blackboard"
	"github.com/nanoagent/nanoswarm/internal/registry"
)

const (
	// HandshakePoll is how often the spawner re-reads the registry while
	// waiting for the child to flip itself to RUNNING.
	HandshakePoll = 500 * time.Millisecond
	// HandshakeTimeout bounds the whole wait.
	HandshakeTimeout = 15 * time.Second
)

// Spec describes one worker to spawn.
type Spec struct {
	Name          string
	Role          string
	Goal          string
	Model         string
	ExcludeTools  []string
	MaxIterations int
}

// Supervisor spawns workers against one blackboard.
type Supervisor struct {
	Store       *blackboard.Store
	Registry    *registry.Registry
	ParentAgent string
	// Model is the default model key, used when a Spec doesn't override.
	Model string
	// KeysPath is forwarded so children read the same credentials file.
	KeysPath string

	// ExePath overrides the spawned binary; empty means os.Executable().
	ExePath string
	Poll    time.Duration
	Timeout time.Duration
}

// Spawn launches a worker and blocks until it registers itself RUNNING or
// the handshake times out. On timeout the child is killed and its row
// marked DEAD.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (int, error) {
	exe := s.ExePath
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
	}

	if err := os.MkdirAll(s.Store.LogsDir(), 0o755); err != nil {
		return 0, err
	}
	logPath := filepath.Join(s.Store.LogsDir(), spec.Name+".log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()

	model := spec.Model
	if model == "" {
		model = s.Model
	}
	args := []string{
		"worker",
		"--name", spec.Name,
		"--role", spec.Role,
		"--goal", spec.Goal,
		"--blackboard", s.Store.Root(),
		"--parent-pid", strconv.Itoa(os.Getpid()),
		"--parent-agent-name", s.ParentAgent,
		"--model", model,
	}
	if len(spec.ExcludeTools) > 0 {
		args = append(args, "--exclude-tools", strings.Join(spec.ExcludeTools, ","))
	}
	if spec.MaxIterations > 0 {
		args = append(args, "--max-iterations", strconv.Itoa(spec.MaxIterations))
	}
	if s.KeysPath != "" {
		args = append(args, "--keys", s.KeysPath)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group, so killing the worker reaps its grandchildren
	// (browser helpers, shells) without touching us.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	go cmd.Wait() // reap

	if err := s.Registry.RegisterSpawned(spec.Name, spec.Role, pid); err != nil {
		killGroup(pid)
		return 0, fmt.Errorf("register spawned worker: %w", err)
	}
	slog.Info("worker spawned", "name", spec.Name, "role", spec.Role, "pid", pid, "log", logPath)

	if err := s.awaitHandshake(ctx, spec.Name); err != nil {
		killGroup(pid)
		_ = s.Registry.Update(spec.Name, func(info *registry.AgentInfo) {
			info.Status = registry.StatusDead
			info.ExitReason = "handshake timeout"
			now := time.Now().UTC()
			info.ExitTime = &now
		})
		return 0, err
	}
	return pid, nil
}

func (s *Supervisor) awaitHandshake(ctx context.Context, name string) error {
	poll := s.Poll
	if poll <= 0 {
		poll = HandshakePoll
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = HandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		info, err := s.Registry.Get(name)
		if err == nil && info.Status == registry.StatusRunning {
			return nil
		}
		if err == nil && info.Status == registry.StatusDead {
			return fmt.Errorf("worker %s died during startup: %s", name, info.ExitReason)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worker %s did not register within %s", name, timeout)
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// killGroup terminates a worker's whole process group, falling back to
// the single PID when the group kill fails.
func killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// OnTermination installs the process's SIGTERM/SIGINT handler: deregister
// from the registry, kill our own process group to reap grandchildren,
// then hand control back through cancel. Returns an uninstall func and a
// channel that reports the signal, for exit-code selection.
func OnTermination(agent string, reg *registry.Registry, cancel context.CancelFunc) (func(), <-chan os.Signal) {
	sigs := make(chan os.Signal, 1)
	got := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		slog.Info("termination signal", "agent", agent, "signal", sig)
		if reg != nil {
			_ = reg.Deregister(agent, "signal: "+sig.String())
		}
		reapOwnGroup()
		got <- sig
		cancel()
	}()
	return func() { signal.Stop(sigs); close(sigs) }, got
}

// reapOwnGroup SIGTERMs everything in our process group except ourselves.
func reapOwnGroup() {
	pgid, err := syscall.Getpgid(os.Getpid())
	if err != nil || pgid != os.Getpid() {
		// Not a group leader; nothing we own to reap.
		return
	}
	// Ignore the signal ourselves while flooding the group.
	signal.Ignore(syscall.SIGTERM)
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
}
