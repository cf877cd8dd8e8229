package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ralphdev/ralphd/internal/tasks"
)

// ErrWorkspaceMissing is returned when a project's workspace has not been
// materialized yet.
var ErrWorkspaceMissing = errors.New("workspace missing")

// ProjectInfo is the project header embedded in tasks.json so the agent can
// read the briefs without touching state.json.
type ProjectInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ProductBrief  string `json:"productBrief,omitempty"`
	SolutionBrief string `json:"solutionBrief,omitempty"`
}

// TasksFile is the on-disk contract shared between the engine and the agent.
type TasksFile struct {
	Project ProjectInfo  `json:"project"`
	Tasks   []tasks.Task `json:"tasks"`
}

// LoopLogEntry is one line of the append-only loop log.
type LoopLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Iteration int       `json:"iteration"`
	TaskID    string    `json:"taskId,omitempty"`
	Action    string    `json:"action"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type logsFile struct {
	Entries []LoopLogEntry `json:"entries"`
}

// Store owns per-project workspaces under a base directory. Layout:
// <base>/<projectId>/<repoName>/.ralph/{tasks.json,logs.json,.gitignore}.
// tasks.json has two writers (engine and agent); every write goes through
// an atomic rename so readers never observe a torn file.
type Store struct {
	base string

	mu sync.Mutex
	// pending buffers tasks created before a project's workspace exists.
	// They become persistent at initialization time.
	pending map[string][]tasks.Task
}

// NewStore creates a Store rooted at workspacesPath.
func NewStore(workspacesPath string) *Store {
	return &Store{
		base:    workspacesPath,
		pending: make(map[string][]tasks.Task),
	}
}

// Base returns the workspaces root directory.
func (s *Store) Base() string { return s.base }

// ProjectDir returns <base>/<projectId>.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.base, projectID)
}

// CheckoutDir returns the repository checkout directory for a project.
func (s *Store) CheckoutDir(projectID, repoName string) string {
	return filepath.Join(s.base, projectID, repoName)
}

// RalphDir returns the coordination directory inside the checkout.
func (s *Store) RalphDir(projectID, repoName string) string {
	return filepath.Join(s.CheckoutDir(projectID, repoName), ".ralph")
}

// ResolveCheckout finds the checkout directory for a project by scanning its
// project dir for the single repository subdirectory. Returns
// ErrWorkspaceMissing when nothing is materialized.
func (s *Store) ResolveCheckout(projectID string) (string, error) {
	entries, err := os.ReadDir(s.ProjectDir(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("project %s: %w", projectID, ErrWorkspaceMissing)
		}
		return "", fmt.Errorf("scanning project dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(s.ProjectDir(projectID), e.Name()), nil
		}
	}
	return "", fmt.Errorf("project %s: %w", projectID, ErrWorkspaceMissing)
}

// Initialize materializes the .ralph folder inside the checkout: a
// .gitignore containing `*` (so coordination files are never committed), and
// empty tasks.json / logs.json seeded only when absent. Idempotent. Any
// tasks buffered before the workspace existed are flushed into tasks.json.
func (s *Store) Initialize(projectID, repoName string, info ProjectInfo) error {
	dir := s.RalphDir(projectID, repoName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .ralph dir: %w", err)
	}

	gitignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		if err := os.WriteFile(gitignore, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("writing .ralph/.gitignore: %w", err)
		}
	}

	tasksPath := filepath.Join(dir, "tasks.json")
	if _, err := os.Stat(tasksPath); os.IsNotExist(err) {
		if err := s.writeTasksFile(tasksPath, TasksFile{Project: info, Tasks: []tasks.Task{}}); err != nil {
			return err
		}
	}

	logsPath := filepath.Join(dir, "logs.json")
	if _, err := os.Stat(logsPath); os.IsNotExist(err) {
		if err := writeJSONAtomic(logsPath, logsFile{Entries: []LoopLogEntry{}}); err != nil {
			return fmt.Errorf("seeding logs.json: %w", err)
		}
	}

	return s.flushPending(projectID)
}

// ReadTasks loads tasks.json for a project.
func (s *Store) ReadTasks(projectID string) (TasksFile, error) {
	path, err := s.tasksPath(projectID)
	if err != nil {
		return TasksFile{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TasksFile{}, fmt.Errorf("project %s tasks.json: %w", projectID, ErrWorkspaceMissing)
		}
		return TasksFile{}, fmt.Errorf("reading tasks.json: %w", err)
	}
	var tf TasksFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return TasksFile{}, fmt.Errorf("parsing tasks.json: %w", err)
	}
	return tf, nil
}

// WriteTasks persists tasks.json atomically, creating .ralph/ if missing.
func (s *Store) WriteTasks(projectID string, tf TasksFile) error {
	checkout, err := s.ResolveCheckout(projectID)
	if err != nil {
		return err
	}
	dir := filepath.Join(checkout, ".ralph")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .ralph dir: %w", err)
	}
	return s.writeTasksFile(filepath.Join(dir, "tasks.json"), tf)
}

// MutateTasks applies fn to the current tasks file and writes the result
// back atomically. The engine re-reads before every mutation so agent edits
// between iterations survive.
func (s *Store) MutateTasks(projectID string, fn func(*TasksFile) error) (TasksFile, error) {
	tf, err := s.ReadTasks(projectID)
	if err != nil {
		return TasksFile{}, err
	}
	if err := fn(&tf); err != nil {
		return TasksFile{}, err
	}
	if err := s.WriteTasks(projectID, tf); err != nil {
		return TasksFile{}, err
	}
	return tf, nil
}

// AddTask appends a task. When the workspace is not materialized yet the
// task is buffered in memory and flushed at initialization.
func (s *Store) AddTask(projectID string, t tasks.Task) error {
	_, err := s.MutateTasks(projectID, func(tf *TasksFile) error {
		tf.Tasks = append(tf.Tasks, t)
		return nil
	})
	if errors.Is(err, ErrWorkspaceMissing) {
		s.mu.Lock()
		s.pending[projectID] = append(s.pending[projectID], t)
		s.mu.Unlock()
		return nil
	}
	return err
}

// PendingCount reports buffered tasks awaiting a workspace (for tests and
// diagnostics).
func (s *Store) PendingCount(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[projectID])
}

// AppendLog appends an entry to logs.json.
func (s *Store) AppendLog(projectID string, entry LoopLogEntry) error {
	path, err := s.logsPath(projectID)
	if err != nil {
		return err
	}
	var lf logsFile
	if data, err := os.ReadFile(path); err == nil {
		// Best effort: a corrupt log file is restarted rather than fatal.
		_ = json.Unmarshal(data, &lf)
	}
	lf.Entries = append(lf.Entries, entry)
	if err := writeJSONAtomic(path, lf); err != nil {
		return fmt.Errorf("appending loop log: %w", err)
	}
	return nil
}

// ReadLogs returns all loop log entries for a project.
func (s *Store) ReadLogs(projectID string) ([]LoopLogEntry, error) {
	path, err := s.logsPath(projectID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading logs.json: %w", err)
	}
	var lf logsFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing logs.json: %w", err)
	}
	return lf.Entries, nil
}

// ClearLogs truncates the loop log.
func (s *Store) ClearLogs(projectID string) error {
	path, err := s.logsPath(projectID)
	if err != nil {
		return err
	}
	return writeJSONAtomic(path, logsFile{Entries: []LoopLogEntry{}})
}

// Remove deletes a project's workspace directory. Used on successful
// completion or explicit delete; otherwise workspaces survive restarts.
func (s *Store) Remove(projectID string) error {
	if err := os.RemoveAll(s.ProjectDir(projectID)); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}

func (s *Store) tasksPath(projectID string) (string, error) {
	checkout, err := s.ResolveCheckout(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(checkout, ".ralph", "tasks.json"), nil
}

func (s *Store) logsPath(projectID string) (string, error) {
	checkout, err := s.ResolveCheckout(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(checkout, ".ralph", "logs.json"), nil
}

func (s *Store) flushPending(projectID string) error {
	s.mu.Lock()
	buffered := s.pending[projectID]
	delete(s.pending, projectID)
	s.mu.Unlock()

	if len(buffered) == 0 {
		return nil
	}
	_, err := s.MutateTasks(projectID, func(tf *TasksFile) error {
		tf.Tasks = append(tf.Tasks, buffered...)
		return nil
	})
	return err
}

func (s *Store) writeTasksFile(path string, tf TasksFile) error {
	if tf.Tasks == nil {
		tf.Tasks = []tasks.Task{}
	}
	if err := writeJSONAtomic(path, tf); err != nil {
		return fmt.Errorf("writing tasks.json: %w", err)
	}
	return nil
}

// writeJSONAtomic marshals v and replaces path in a single rename so
// concurrent readers see either the old or the new content.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	return renameio.WriteFile(path, data, 0o644)
}
