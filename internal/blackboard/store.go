// Package blackboard implements the shared file-system coordination medium:
// indexed markdown artifacts under global_indices/, arbitrary resources,
// the central task plan with compare-and-swap updates, and the append-only
// notification stream. All cross-process invariants are enforced per-file
// under advisory locks.
package blackboard

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nanoagent/nanoswarm/internal/lockfile"
)

var (
	// ErrCASConflict means the caller's checksum is stale; re-read and retry.
	ErrCASConflict = errors.New("checksum conflict")
	// ErrAccessDenied means a non-Architect tried to modify a task it is
	// not assigned to.
	ErrAccessDenied = errors.New("access denied")
	// ErrExists is returned by create operations when the target exists.
	ErrExists = errors.New("already exists")
	// ErrNotFound is returned when an index, template, or task is missing.
	ErrNotFound = errors.New("not found")
)

// RoleArchitect identifies the coordinator role that may override plan
// protections.
const RoleArchitect = "Architect"

// NotificationsFile is the append-only event stream index.
const NotificationsFile = "notifications.md"

// Identity names the calling agent for access control decisions.
type Identity struct {
	Name string
	Role string
}

// IsArchitect reports whether the caller holds coordinator privileges.
func (id Identity) IsArchitect() bool { return id.Role == RoleArchitect }

// Store is the single object bound to one blackboard root directory.
type Store struct {
	root        string
	agent       Identity
	lockTimeout time.Duration
}

// New binds a store to the blackboard root on behalf of one agent.
func New(root string, agent Identity) *Store {
	return &Store{root: root, agent: agent, lockTimeout: lockfile.DefaultTimeout}
}

// WithIdentity returns a store sharing the same root acting as a different
// agent. Used when tools are configured per-agent.
func (s *Store) WithIdentity(agent Identity) *Store {
	return &Store{root: s.root, agent: agent, lockTimeout: s.lockTimeout}
}

func (s *Store) Root() string          { return s.root }
func (s *Store) Agent() Identity       { return s.agent }
func (s *Store) IndicesDir() string    { return filepath.Join(s.root, "global_indices") }
func (s *Store) ResourcesDir() string  { return filepath.Join(s.root, "resources") }
func (s *Store) TemplatesDir() string  { return filepath.Join(s.root, "templates") }
func (s *Store) MailboxesDir() string  { return filepath.Join(s.root, "mailboxes") }
func (s *Store) RequestsDir() string   { return filepath.Join(s.root, "requests") }
func (s *Store) LogsDir() string       { return filepath.Join(s.root, "logs") }
func (s *Store) RegistryPath() string  { return filepath.Join(s.root, "registry.json") }
func (s *Store) IndexPath(name string) string {
	return filepath.Join(s.IndicesDir(), filepath.Base(name))
}

// EnsureLayout creates the blackboard directory tree and seeds the
// notifications index. Existing files are preserved.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{
		s.IndicesDir(), s.ResourcesDir(), s.TemplatesDir(),
		s.MailboxesDir(), s.RequestsDir(), s.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("blackboard layout: %w", err)
		}
	}
	notif := s.IndexPath(NotificationsFile)
	if _, err := os.Stat(notif); errors.Is(err, os.ErrNotExist) {
		content, _ := RenderIndex(map[string]any{
			"name":         "notifications",
			"description":  "Append-only stream of significant swarm events.",
			"usage_policy": "Append one line per event. Never edit or delete prior lines.",
		}, "")
		if err := os.WriteFile(notif, []byte(content), 0o644); err != nil {
			return fmt.Errorf("seed notifications: %w", err)
		}
	}
	return nil
}

// Checksum is the content hash used for CAS: hex sha256 of the on-disk
// bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IndexEntry is one row of ListIndices.
type IndexEntry struct {
	Filename string
	Metadata map[string]any
}

// Index is the result of ReadIndex.
type Index struct {
	Filename string
	Metadata map[string]any
	Body     string
	Checksum string
}

// ListIndices scans global_indices/ and returns each file's front-matter.
// Files with unparseable front-matter are reported with an error marker
// instead of being silently dropped.
func (s *Store) ListIndices() ([]IndexEntry, error) {
	entries, err := os.ReadDir(s.IndicesDir())
	if err != nil {
		return nil, fmt.Errorf("list indices: %w", err)
	}
	var out []IndexEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.IndicesDir(), e.Name()))
		if err != nil {
			continue
		}
		meta, _, err := SplitFrontMatter(string(data))
		if err != nil {
			meta = map[string]any{"error": err.Error()}
		}
		out = append(out, IndexEntry{Filename: e.Name(), Metadata: meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// ReadIndex returns one index under a shared lock.
func (s *Store) ReadIndex(filename string) (*Index, error) {
	path := s.IndexPath(filename)
	var idx *Index
	err := lockfile.WithShared(path, s.lockTimeout, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("index %s: %w", filename, ErrNotFound)
			}
			return fmt.Errorf("read index %s: %w", filename, err)
		}
		meta, body, err := SplitFrontMatter(string(data))
		if err != nil {
			return fmt.Errorf("index %s: %w", filename, err)
		}
		idx = &Index{
			Filename: filepath.Base(filename),
			Metadata: meta,
			Body:     body,
			Checksum: Checksum(data),
		}
		return nil
	})
	return idx, err
}

// ReadPlan reads and parses central_plan.md, applying the auto-fix pass
// in-memory (the on-disk file is not modified; UpdateTask persists fixes).
func (s *Store) ReadPlan() (*Plan, string, error) {
	idx, err := s.ReadIndex(PlanFile)
	if err != nil {
		return nil, "", err
	}
	plan, err := ParsePlan(idx.Body)
	if err != nil {
		return nil, "", err
	}
	AutoFix(plan)
	return plan, idx.Checksum, nil
}

// AppendToIndex appends content under an exclusive lock. No CAS: append is
// commutative for the notification stream and similar logs.
func (s *Store) AppendToIndex(filename, content string) error {
	path := s.IndexPath(filename)
	return lockfile.WithExclusive(path, s.lockTimeout, func() error {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("index %s: %w", filename, ErrNotFound)
			}
			return err
		}
		defer f.Close()
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		_, err = f.WriteString(content)
		return err
	})
}

// UpdateIndex replaces the full content of an index under CAS. The new
// content must carry valid front-matter; central_plan.md additionally runs
// plan validation.
func (s *Store) UpdateIndex(filename, content, expectedChecksum string) error {
	meta, body, err := SplitFrontMatter(content)
	if err != nil {
		return fmt.Errorf("index %s: %w", filename, err)
	}
	if err := ValidateFrontMatter(meta); err != nil {
		return fmt.Errorf("index %s: %w", filename, err)
	}
	if filepath.Base(filename) == PlanFile {
		plan, err := ParsePlan(body)
		if err != nil {
			return fmt.Errorf("index %s: %w", filename, err)
		}
		if err := ValidatePlan(plan); err != nil {
			return fmt.Errorf("plan invariant violation: %w", err)
		}
	}

	path := s.IndexPath(filename)
	return lockfile.WithExclusive(path, s.lockTimeout, func() error {
		current, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("index %s: %w", filename, ErrNotFound)
			}
			return err
		}
		if Checksum(current) != expectedChecksum {
			return fmt.Errorf("index %s was modified concurrently: %w (re-read and retry)",
				filename, ErrCASConflict)
		}
		return atomicWrite(path, []byte(content))
	})
}

// CreateIndex writes a new index file, failing if it already exists.
func (s *Store) CreateIndex(filename, content string) error {
	meta, body, err := SplitFrontMatter(content)
	if err != nil {
		return fmt.Errorf("index %s: %w", filename, err)
	}
	if err := ValidateFrontMatter(meta); err != nil {
		return fmt.Errorf("index %s: %w", filename, err)
	}
	if filepath.Base(filename) == PlanFile {
		plan, err := ParsePlan(body)
		if err != nil {
			return fmt.Errorf("index %s: %w", filename, err)
		}
		if err := ValidatePlan(plan); err != nil {
			return fmt.Errorf("plan invariant violation: %w", err)
		}
	}

	path := s.IndexPath(filename)
	return lockfile.WithExclusive(path, s.lockTimeout, func() error {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("index %s: %w", filename, ErrExists)
		}
		return atomicWrite(path, []byte(content))
	})
}

// TaskUpdate carries the mutable fields of an UpdateTask call. Nil pointers
// leave the field untouched.
type TaskUpdate struct {
	Status        *string
	Assignees     *[]string
	Description   *string
	ResultSummary *string
	ArtifactLink  *string
}

// UpdateTask applies a single-task patch to the plan embedded in filename
// (normally central_plan.md) under CAS. Inside the same exclusive lock
// window it first runs the auto-unblock + single-assignee pass, then checks
// the caller's edit: status transitions per the transition table,
// dependency satisfaction on claims, the single-assignee rule, and
// assignment-based access for non-Architect callers. On any failure the
// on-disk plan is left byte-identical.
func (s *Store) UpdateTask(filename string, taskID int, upd TaskUpdate, expectedChecksum string) error {
	if filename == "" {
		filename = PlanFile
	}
	path := s.IndexPath(filename)
	return lockfile.WithExclusive(path, s.lockTimeout, func() error {
		current, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("index %s: %w", filename, ErrNotFound)
			}
			return err
		}
		if Checksum(current) != expectedChecksum {
			return fmt.Errorf("plan was modified concurrently: %w (re-read and retry)", ErrCASConflict)
		}
		meta, body, err := SplitFrontMatter(string(current))
		if err != nil {
			return fmt.Errorf("index %s: %w", filename, err)
		}
		plan, err := ParsePlan(body)
		if err != nil {
			return fmt.Errorf("index %s: %w", filename, err)
		}

		// Passive auto-fix before judging the caller's edit.
		AutoFix(plan)

		task := plan.FindTask(taskID)
		if task == nil {
			return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
		}

		architect := s.agent.IsArchitect()
		if !architect && !s.mayEdit(task) {
			return fmt.Errorf("agent %s is not assigned to task %d: %w",
				s.agent.Name, taskID, ErrAccessDenied)
		}

		if upd.Status != nil && *upd.Status != task.Status {
			if !architect {
				if err := ValidateTransition(task.Status, *upd.Status); err != nil {
					return err
				}
				if *upd.Status == TaskInProgress {
					if ok, dep := DepsSatisfied(plan, taskID); !ok {
						return fmt.Errorf("cannot claim task %d: dependency %d is not DONE", taskID, dep)
					}
				}
			}
			task.Status = *upd.Status
		}
		if upd.Assignees != nil {
			if task.Type == TaskStandard && len(*upd.Assignees) > 1 && !architect {
				return fmt.Errorf("standard task %d allows a single assignee", taskID)
			}
			task.Assignees = *upd.Assignees
		}
		if upd.Description != nil {
			task.Description = *upd.Description
		}
		if upd.ResultSummary != nil {
			task.ResultSummary = *upd.ResultSummary
		}
		if upd.ArtifactLink != nil {
			task.ArtifactLink = *upd.ArtifactLink
		}

		if filepath.Base(filename) == PlanFile {
			if err := ValidatePlan(plan); err != nil {
				return fmt.Errorf("plan invariant violation: %w", err)
			}
		}

		newBody, err := RenderPlanBody(body, plan)
		if err != nil {
			return err
		}
		content, err := RenderIndex(meta, newBody)
		if err != nil {
			return err
		}
		return atomicWrite(path, []byte(content))
	})
}

// mayEdit: a worker may touch a task it is assigned to, or claim one with
// no assignee yet.
func (s *Store) mayEdit(t *Task) bool {
	if len(t.Assignees) == 0 {
		return true
	}
	for _, a := range t.Assignees {
		if a == s.agent.Name {
			return true
		}
	}
	return false
}

// CreateResource writes an artifact under resources/. Paths are confined to
// the resources directory.
func (s *Store) CreateResource(relPath string, data []byte) (string, error) {
	path, err := s.resourcePath(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := lockfile.WithExclusive(path, s.lockTimeout, func() error {
		return atomicWrite(path, data)
	}); err != nil {
		return "", err
	}
	return path, nil
}

// ReadResource reads an artifact from resources/.
func (s *Store) ReadResource(relPath string) ([]byte, error) {
	path, err := s.resourcePath(relPath)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = lockfile.WithShared(path, s.lockTimeout, func() error {
		var rerr error
		data, rerr = os.ReadFile(path)
		if errors.Is(rerr, os.ErrNotExist) {
			return fmt.Errorf("resource %s: %w", relPath, ErrNotFound)
		}
		return rerr
	})
	return data, err
}

func (s *Store) resourcePath(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("resource path %q escapes resources directory: %w", relPath, ErrAccessDenied)
	}
	return filepath.Join(s.ResourcesDir(), clean), nil
}

// ListTemplates returns the static template names.
func (s *Store) ListTemplates() ([]string, error) {
	entries, err := os.ReadDir(s.TemplatesDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadTemplate returns one static template body.
func (s *Store) ReadTemplate(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.TemplatesDir(), filepath.Base(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("template %s: %w", name, ErrNotFound)
		}
		return "", err
	}
	return string(data), nil
}

// atomicWrite replaces path via a temp file + rename in the same directory
// so readers never observe a torn write.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
