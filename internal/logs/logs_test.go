package logs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFilePathLayout(t *testing.T) {
	s := NewStore("/var/ralphd/logs")
	at := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)

	path := s.FilePath("p1", "t1", at)
	want := filepath.Join("/var/ralphd/logs", "p1", "t1-2026-08-26T10-30-00Z.log")
	if path != want {
		t.Errorf("FilePath = %q, want %q", path, want)
	}
	if strings.ContainsRune(filepath.Base(path), ':') {
		t.Error("file name contains a colon")
	}
}

func TestListAndLatest(t *testing.T) {
	s := NewStore(t.TempDir())

	write := func(project, task string, at time.Time, content string) string {
		t.Helper()
		path := s.FilePath(project, task, at)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, at, at); err != nil {
			t.Fatal(err)
		}
		return path
	}

	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	write("p1", "t1", base, "first attempt")
	newest := write("p1", "t1", base.Add(time.Hour), "second attempt")
	write("p1", "t1-verify", base.Add(30*time.Minute), "review")
	write("p2", "t9", base, "other project")

	all, err := s.List("p1", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].Path != newest {
		t.Errorf("newest first expected, got %q", all[0].Path)
	}

	// Narrowing by task includes its verify logs.
	t1, err := s.List("p1", "t1")
	if err != nil {
		t.Fatalf("List t1: %v", err)
	}
	if len(t1) != 3 {
		t.Errorf("len(t1) = %d, want 3 (two runs plus verify)", len(t1))
	}

	entry, ok, err := s.Latest("p1", "t1")
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if entry.Path != newest {
		t.Errorf("Latest = %q, want %q", entry.Path, newest)
	}
}

func TestListEmptyProject(t *testing.T) {
	s := NewStore(t.TempDir())
	entries, err := s.List("missing", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestReadStaysInsideRoot(t *testing.T) {
	s := NewStore(t.TempDir())
	path := s.FilePath("p1", "t1", time.Now())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "content" {
		t.Errorf("Read = %q", got)
	}

	outside := filepath.Join(os.TempDir(), "outside.log")
	if _, err := s.Read(outside); err == nil {
		t.Error("Read outside root did not fail")
	}
	if _, err := s.Read(filepath.Join(s.Root(), "..", "escape.log")); err == nil {
		t.Error("Read with traversal did not fail")
	}
}

func TestTaskIDFromName(t *testing.T) {
	cases := []struct{ name, want string }{
		{"t1-2026-08-26T10-30-00Z.log", "t1"},
		{"t1-verify-2026-08-26T10-30-00Z.log", "t1-verify"},
		{"weird.log", "weird"},
	}
	for _, c := range cases {
		if got := taskIDFromName(c.name); got != c.want {
			t.Errorf("taskIDFromName(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}
