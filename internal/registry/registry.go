// Package registry tracks the liveness of every agent process in one
// coordinator tree through a single registry.json on the blackboard. All
// mutations funnel through a read-modify-write under an exclusive file
// lock, so registrations from concurrently starting workers never clobber
// each other.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/nanoagent/nanoswarm/internal/lockfile"
)

// Agent statuses.
const (
	StatusStarting = "STARTING"
	StatusRunning  = "RUNNING"
	StatusIdle     = "IDLE"
	StatusDead     = "DEAD"
)

// Transient verification results reported by VerifyAndSyncPIDs.
const (
	VerifiedAlive    = "ALIVE"
	VerifiedDead     = "DEAD"
	VerifiedStarting = "STARTING"
)

// StartingGrace is how long a STARTING entry is trusted before its PID is
// probed. Covers slow process startup between spawn and register.
const StartingGrace = 30 * time.Second

// ErrNotFound is returned when an agent has no registry row.
var ErrNotFound = errors.New("agent not registered")

// AgentInfo is one registry row.
type AgentInfo struct {
	PID        int        `json:"pid"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	SpawnTime  *time.Time `json:"spawn_time,omitempty"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
}

// VerifiedAgent is a registry row annotated with the transient result of a
// PID probe.
type VerifiedAgent struct {
	Name string
	AgentInfo
	VerifiedStatus string
}

// Registry persists the agent map at path (registry.json on the
// blackboard).
type Registry struct {
	path        string
	lockTimeout time.Duration
	// pidExists is swappable for tests.
	pidExists func(pid int) bool
}

// New binds a registry to its JSON file.
func New(path string) *Registry {
	return &Registry{
		path:        path,
		lockTimeout: lockfile.DefaultTimeout,
		pidExists:   defaultPIDExists,
	}
}

func defaultPIDExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// readModifyWrite is the single mutation path: exclusive lock, decode,
// mutate, atomic rewrite.
func (r *Registry) readModifyWrite(fn func(agents map[string]*AgentInfo) error) error {
	return lockfile.WithExclusive(r.path, r.lockTimeout, func() error {
		agents, err := r.load()
		if err != nil {
			return err
		}
		if err := fn(agents); err != nil {
			return err
		}
		data, err := json.MarshalIndent(agents, "", "  ")
		if err != nil {
			return fmt.Errorf("registry: marshal: %w", err)
		}
		return os.WriteFile(r.path, data, 0o644)
	})
}

func (r *Registry) load() (map[string]*AgentInfo, error) {
	agents := map[string]*AgentInfo{}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return agents, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read: %w", err)
	}
	if len(data) == 0 {
		return agents, nil
	}
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("registry: corrupt registry.json: %w", err)
	}
	return agents, nil
}

// Register marks an agent RUNNING under its own PID. A spawn_time written
// earlier by the spawner is preserved.
func (r *Registry) Register(name, role string, pid int) error {
	now := time.Now().UTC()
	return r.readModifyWrite(func(agents map[string]*AgentInfo) error {
		prev := agents[name]
		info := &AgentInfo{
			PID:       pid,
			Role:      role,
			Status:    StatusRunning,
			StartTime: &now,
		}
		if prev != nil && prev.SpawnTime != nil {
			info.SpawnTime = prev.SpawnTime
		}
		agents[name] = info
		return nil
	})
}

// RegisterSpawned writes the STARTING row the supervisor creates before the
// child has announced itself.
func (r *Registry) RegisterSpawned(name, role string, pid int) error {
	now := time.Now().UTC()
	return r.readModifyWrite(func(agents map[string]*AgentInfo) error {
		agents[name] = &AgentInfo{
			PID:       pid,
			Role:      role,
			Status:    StatusStarting,
			SpawnTime: &now,
		}
		return nil
	})
}

// Deregister marks an agent DEAD. Idempotent: a second call leaves the
// first exit record in place.
func (r *Registry) Deregister(name, reason string) error {
	now := time.Now().UTC()
	return r.readModifyWrite(func(agents map[string]*AgentInfo) error {
		info, ok := agents[name]
		if !ok {
			return nil
		}
		if info.Status == StatusDead {
			return nil
		}
		info.Status = StatusDead
		info.ExitTime = &now
		info.ExitReason = reason
		return nil
	})
}

// Update applies an arbitrary patch to one row.
func (r *Registry) Update(name string, patch func(*AgentInfo)) error {
	return r.readModifyWrite(func(agents map[string]*AgentInfo) error {
		info, ok := agents[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		patch(info)
		return nil
	})
}

// Get returns a copy of one row.
func (r *Registry) Get(name string) (AgentInfo, error) {
	var out AgentInfo
	err := lockfile.WithShared(r.path, r.lockTimeout, func() error {
		agents, err := r.load()
		if err != nil {
			return err
		}
		info, ok := agents[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		out = *info
		return nil
	})
	return out, err
}

// Snapshot returns all rows sorted by name.
func (r *Registry) Snapshot() ([]VerifiedAgent, error) {
	var out []VerifiedAgent
	err := lockfile.WithShared(r.path, r.lockTimeout, func() error {
		agents, err := r.load()
		if err != nil {
			return err
		}
		for name, info := range agents {
			out = append(out, VerifiedAgent{Name: name, AgentInfo: *info})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// VerifyAndSyncPIDs probes every non-DEAD entry and persists DEAD markers
// for vanished processes. STARTING entries younger than the grace period
// are left alone. Already-DEAD rows are never resurrected, regardless of
// what the PID probe says.
func (r *Registry) VerifyAndSyncPIDs() ([]VerifiedAgent, error) {
	now := time.Now().UTC()
	var out []VerifiedAgent
	err := r.readModifyWrite(func(agents map[string]*AgentInfo) error {
		out = out[:0]
		for name, info := range agents {
			v := VerifiedAgent{Name: name, AgentInfo: *info}
			switch {
			case info.Status == StatusDead:
				v.VerifiedStatus = VerifiedDead
			case info.Status == StatusStarting &&
				info.SpawnTime != nil && now.Sub(*info.SpawnTime) < StartingGrace:
				v.VerifiedStatus = VerifiedStarting
			case r.pidExists(info.PID):
				v.VerifiedStatus = VerifiedAlive
			default:
				info.Status = StatusDead
				info.ExitReason = "PID not found"
				if info.ExitTime == nil {
					info.ExitTime = &now
				}
				v.AgentInfo = *info
				v.VerifiedStatus = VerifiedDead
			}
			out = append(out, v)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}
