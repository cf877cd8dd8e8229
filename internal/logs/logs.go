package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Store resolves and enumerates agent log files under
// <root>/<projectId>/<taskId>-<timestamp>.log.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the logs root directory.
func (s *Store) Root() string { return s.root }

// FilePath builds the log path for a fresh run of a task. The timestamp
// keeps retries apart; colons are stripped for filesystem portability.
func (s *Store) FilePath(projectID, taskID string, at time.Time) string {
	stamp := strings.ReplaceAll(at.UTC().Format(time.RFC3339), ":", "-")
	return filepath.Join(s.root, projectID, fmt.Sprintf("%s-%s.log", taskID, stamp))
}

// Entry describes one stored log file.
type Entry struct {
	TaskID     string    `json:"taskId"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// List returns the project's log files, newest first. taskID narrows to one
// task (its verify logs included) when non-empty.
func (s *Store) List(projectID, taskID string) ([]Entry, error) {
	pattern := "*.log"
	if taskID != "" {
		pattern = taskID + "*.log"
	}
	dir := filepath.Join(s.root, projectID)

	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("globbing logs: %w", err)
	}

	var entries []Entry
	for _, m := range matches {
		full := filepath.Join(dir, m)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			TaskID:     taskIDFromName(m),
			Path:       full,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModifiedAt.After(entries[j].ModifiedAt)
	})
	return entries, nil
}

// Read returns the content of a log file previously returned by List. The
// path must stay inside the store root.
func (s *Store) Read(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("log path %s outside store", path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("reading log: %w", err)
	}
	return string(data), nil
}

// Latest returns the newest log entry for a task, or ok=false.
func (s *Store) Latest(projectID, taskID string) (Entry, bool, error) {
	entries, err := s.List(projectID, taskID)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

// taskIDFromName strips the trailing "-<timestamp>.log" from a file name.
// Timestamps are RFC3339 with dashes for colons, so the task id is
// everything before the final date-shaped suffix.
func taskIDFromName(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), ".log")
	// The stamp is 20 runes: 2006-01-02T15-04-05Z.
	if len(base) > 21 {
		candidate := base[len(base)-20:]
		if _, err := time.Parse("2006-01-02T15-04-05Z", candidate); err == nil {
			return strings.TrimSuffix(base[:len(base)-20], "-")
		}
	}
	return base
}
