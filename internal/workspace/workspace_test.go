package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ralphdev/ralphd/internal/tasks"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func mkCheckout(t *testing.T, s *Store, projectID, repoName string) {
	t.Helper()
	if err := os.MkdirAll(s.CheckoutDir(projectID, repoName), 0o755); err != nil {
		t.Fatalf("creating checkout dir: %v", err)
	}
}

func TestInitializeSeedsCoordinationFiles(t *testing.T) {
	s := testStore(t)
	mkCheckout(t, s, "p1", "demo")

	info := ProjectInfo{ID: "p1", Name: "Demo", ProductBrief: "a brief"}
	if err := s.Initialize("p1", "demo", info); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	gi, err := os.ReadFile(filepath.Join(s.RalphDir("p1", "demo"), ".gitignore"))
	if err != nil {
		t.Fatalf("reading .gitignore: %v", err)
	}
	if string(gi) != "*\n" {
		t.Errorf(".gitignore = %q, want %q", string(gi), "*\n")
	}

	tf, err := s.ReadTasks("p1")
	if err != nil {
		t.Fatalf("ReadTasks: %v", err)
	}
	if tf.Project.Name != "Demo" || tf.Project.ProductBrief != "a brief" {
		t.Errorf("project info not seeded: %+v", tf.Project)
	}
	if len(tf.Tasks) != 0 {
		t.Errorf("expected empty task list, got %d", len(tf.Tasks))
	}

	entries, err := s.ReadLogs("p1")
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty log, got %d entries", len(entries))
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	s := testStore(t)
	mkCheckout(t, s, "p1", "demo")
	if err := s.Initialize("p1", "demo", ProjectInfo{ID: "p1", Name: "Demo"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := s.AddTask("p1", tasks.Task{ID: "t1", Title: "do the thing", Status: tasks.StatusBacklog}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	// Re-initializing must not wipe existing tasks.
	if err := s.Initialize("p1", "demo", ProjectInfo{ID: "p1", Name: "Demo"}); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	tf, err := s.ReadTasks("p1")
	if err != nil {
		t.Fatalf("ReadTasks: %v", err)
	}
	if len(tf.Tasks) != 1 || tf.Tasks[0].ID != "t1" {
		t.Errorf("tasks after re-init = %+v, want the original task", tf.Tasks)
	}
}

func TestAddTaskBuffersUntilWorkspaceExists(t *testing.T) {
	s := testStore(t)

	if err := s.AddTask("p1", tasks.Task{ID: "t1", Title: "early", Status: tasks.StatusBacklog}); err != nil {
		t.Fatalf("AddTask before workspace: %v", err)
	}
	if got := s.PendingCount("p1"); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}
	if _, err := s.ReadTasks("p1"); !errors.Is(err, ErrWorkspaceMissing) {
		t.Fatalf("ReadTasks err = %v, want ErrWorkspaceMissing", err)
	}

	mkCheckout(t, s, "p1", "demo")
	if err := s.Initialize("p1", "demo", ProjectInfo{ID: "p1", Name: "Demo"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if got := s.PendingCount("p1"); got != 0 {
		t.Errorf("PendingCount after init = %d, want 0", got)
	}
	tf, err := s.ReadTasks("p1")
	if err != nil {
		t.Fatalf("ReadTasks: %v", err)
	}
	if len(tf.Tasks) != 1 || tf.Tasks[0].Title != "early" {
		t.Errorf("buffered task not flushed: %+v", tf.Tasks)
	}
}

func TestMutateTasksRoundTrip(t *testing.T) {
	s := testStore(t)
	mkCheckout(t, s, "p1", "demo")
	if err := s.Initialize("p1", "demo", ProjectInfo{ID: "p1"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.AddTask("p1", tasks.Task{ID: "t1", Status: tasks.StatusBacklog}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	now := time.Now().UTC()
	_, err := s.MutateTasks("p1", func(tf *TasksFile) error {
		tf.Tasks[0].Start(now)
		return nil
	})
	if err != nil {
		t.Fatalf("MutateTasks: %v", err)
	}

	tf, err := s.ReadTasks("p1")
	if err != nil {
		t.Fatalf("ReadTasks: %v", err)
	}
	if tf.Tasks[0].Status != tasks.StatusInProgress {
		t.Errorf("status = %q, want in_progress", tf.Tasks[0].Status)
	}
	if tf.Tasks[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", tf.Tasks[0].Attempts)
	}
}

func TestMutateTasksPropagatesCallbackError(t *testing.T) {
	s := testStore(t)
	mkCheckout(t, s, "p1", "demo")
	if err := s.Initialize("p1", "demo", ProjectInfo{ID: "p1"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sentinel := errors.New("boom")
	if _, err := s.MutateTasks("p1", func(*TasksFile) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
}

func TestAppendAndReadLogs(t *testing.T) {
	s := testStore(t)
	mkCheckout(t, s, "p1", "demo")
	if err := s.Initialize("p1", "demo", ProjectInfo{ID: "p1"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	for i := 1; i <= 3; i++ {
		entry := LoopLogEntry{
			Timestamp: time.Now().UTC(),
			Iteration: i,
			Action:    "status_change",
			From:      "backlog",
			To:        "in_progress",
		}
		if err := s.AppendLog("p1", entry); err != nil {
			t.Fatalf("AppendLog %d: %v", i, err)
		}
	}

	entries, err := s.ReadLogs("p1")
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[2].Iteration != 3 {
		t.Errorf("entries out of order: %+v", entries)
	}

	if err := s.ClearLogs("p1"); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	entries, err = s.ReadLogs("p1")
	if err != nil {
		t.Fatalf("ReadLogs after clear: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("log not cleared: %d entries", len(entries))
	}
}

func TestAppendLogRecoversFromCorruptFile(t *testing.T) {
	s := testStore(t)
	mkCheckout(t, s, "p1", "demo")
	if err := s.Initialize("p1", "demo", ProjectInfo{ID: "p1"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	logsPath := filepath.Join(s.RalphDir("p1", "demo"), "logs.json")
	if err := os.WriteFile(logsPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupting logs.json: %v", err)
	}

	if err := s.AppendLog("p1", LoopLogEntry{Iteration: 1, Action: "loop_start"}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	entries, err := s.ReadLogs("p1")
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(entries))
	}
}

func TestResolveCheckout(t *testing.T) {
	s := testStore(t)

	if _, err := s.ResolveCheckout("p1"); !errors.Is(err, ErrWorkspaceMissing) {
		t.Fatalf("err = %v, want ErrWorkspaceMissing", err)
	}

	mkCheckout(t, s, "p1", "my-repo")
	dir, err := s.ResolveCheckout("p1")
	if err != nil {
		t.Fatalf("ResolveCheckout: %v", err)
	}
	if !strings.HasSuffix(dir, filepath.Join("p1", "my-repo")) {
		t.Errorf("dir = %q, want suffix p1/my-repo", dir)
	}
}

func TestRemoveDeletesWorkspace(t *testing.T) {
	s := testStore(t)
	mkCheckout(t, s, "p1", "demo")
	if err := s.Initialize("p1", "demo", ProjectInfo{ID: "p1"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := s.Remove("p1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(s.ProjectDir("p1")); !os.IsNotExist(err) {
		t.Errorf("project dir still exists after Remove")
	}
}
