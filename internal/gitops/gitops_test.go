package gitops

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralphdev/ralphd/internal/shell"
	"github.com/ralphdev/ralphd/internal/workspace"
)

// setupRemote creates a bare "origin" with one commit on main and returns
// its path as a clone URL.
func setupRemote(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	bare := filepath.Join(t.TempDir(), "widget.git")
	if err := os.MkdirAll(bare, 0o755); err != nil {
		t.Fatal(err)
	}
	r := &shell.Runner{Dir: bare}
	if _, err := r.Run(ctx, "git", "init", "--bare", "-b", "main"); err != nil {
		t.Fatalf("init bare: %v", err)
	}

	seed := filepath.Join(t.TempDir(), "seed")
	sr := &shell.Runner{Dir: filepath.Dir(seed)}
	if _, err := sr.Run(ctx, "git", "clone", bare, "seed"); err != nil {
		t.Fatalf("clone seed: %v", err)
	}
	sr = gitRunner(t, seed)
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("# widget\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, sr, "git", "add", "-A")
	mustRun(t, sr, "git", "commit", "-m", "initial")
	mustRun(t, sr, "git", "push", "origin", "main")
	return bare
}

func gitRunner(t *testing.T, dir string) *shell.Runner {
	t.Helper()
	r := &shell.Runner{Dir: dir}
	ctx := context.Background()
	if _, err := r.Run(ctx, "git", "config", "user.email", "test@test.com"); err != nil {
		t.Fatalf("git config: %v", err)
	}
	if _, err := r.Run(ctx, "git", "config", "user.name", "Test"); err != nil {
		t.Fatalf("git config: %v", err)
	}
	return r
}

func mustRun(t *testing.T, r *shell.Runner, name string, args ...string) string {
	t.Helper()
	out, err := r.Run(context.Background(), name, args...)
	if err != nil {
		t.Fatalf("%s %v: %v", name, args, err)
	}
	return out
}

func testDriver(t *testing.T) *Driver {
	t.Helper()
	ws := workspace.NewStore(t.TempDir())
	return NewDriver(ws, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestRepoNameFromURL(t *testing.T) {
	cases := []struct{ url, want string }{
		{"https://github.com/acme/widget.git", "widget"},
		{"https://github.com/acme/widget", "widget"},
		{"git@github.com:acme/widget.git", "widget"},
		{"/tmp/repos/widget.git", "widget"},
	}
	for _, c := range cases {
		if got := RepoNameFromURL(c.url); got != c.want {
			t.Errorf("RepoNameFromURL(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestCloneFreshAndRefetch(t *testing.T) {
	ctx := context.Background()
	url := setupRemote(t)
	d := testDriver(t)

	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	dir, err := d.Workspaces.ResolveCheckout("p1")
	if err != nil {
		t.Fatalf("ResolveCheckout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Fatalf("no .git after clone: %v", err)
	}

	// Second clone on an existing checkout fetches instead of recloning.
	marker := filepath.Join(dir, "local-marker")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("second Clone: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("existing checkout was recloned, marker gone")
	}
}

func TestCloneReplacesDirWithoutGit(t *testing.T) {
	ctx := context.Background()
	url := setupRemote(t)
	d := testDriver(t)

	dir := d.Workspaces.CheckoutDir("p1", "widget")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "stale")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("corrupt checkout not replaced")
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Errorf("no .git after reclone: %v", err)
	}
}

func TestCreateWorkingBranchFresh(t *testing.T) {
	ctx := context.Background()
	url := setupRemote(t)
	d := testDriver(t)

	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, err := d.CreateWorkingBranch(ctx, "p1", "ralph/demo-123", "main"); err != nil {
		t.Fatalf("CreateWorkingBranch: %v", err)
	}
	branch, err := d.GetCurrentBranch(ctx, "p1")
	if err != nil {
		t.Fatalf("GetCurrentBranch: %v", err)
	}
	if branch != "ralph/demo-123" {
		t.Errorf("branch = %q, want ralph/demo-123", branch)
	}
}

func TestCreateWorkingBranchResumesRemote(t *testing.T) {
	ctx := context.Background()
	url := setupRemote(t)
	d := testDriver(t)

	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	dir, _ := d.Workspaces.ResolveCheckout("p1")
	r := gitRunner(t, dir)

	// Publish the working branch with a commit, then reset local state to
	// simulate a fresh checkout resuming a prior run.
	mustRun(t, r, "git", "checkout", "-b", "ralph/demo-123")
	if err := os.WriteFile(filepath.Join(dir, "work.txt"), []byte("w\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, r, "git", "add", "-A")
	mustRun(t, r, "git", "commit", "-m", "prior run")
	mustRun(t, r, "git", "push", "-u", "origin", "ralph/demo-123")
	mustRun(t, r, "git", "checkout", "main")
	mustRun(t, r, "git", "branch", "-D", "ralph/demo-123")

	if _, err := d.CreateWorkingBranch(ctx, "p1", "ralph/demo-123", "main"); err != nil {
		t.Fatalf("CreateWorkingBranch resume: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "work.txt")); err != nil {
		t.Errorf("prior run commit not resumed: %v", err)
	}
}

func TestCommitAddsTrailerAndNoopsOnCleanTree(t *testing.T) {
	ctx := context.Background()
	url := setupRemote(t)
	d := testDriver(t)

	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	dir, _ := d.Workspaces.ResolveCheckout("p1")
	r := gitRunner(t, dir)

	// Clean tree commits successfully without creating a commit.
	before := mustRun(t, r, "git", "rev-parse", "HEAD")
	if _, err := d.Commit(ctx, "p1", "noop"); err != nil {
		t.Fatalf("Commit on clean tree: %v", err)
	}
	if after := mustRun(t, r, "git", "rev-parse", "HEAD"); after != before {
		t.Errorf("clean-tree commit created a commit")
	}

	if err := os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("f\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Commit(ctx, "p1", "add feature"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	msg := mustRun(t, r, "git", "log", "-1", "--pretty=%B")
	if !strings.Contains(msg, "add feature") || !strings.Contains(msg, "Co-Authored-By: Ralph Agent") {
		t.Errorf("commit message missing trailer: %q", msg)
	}
}

func TestPushPublishesBranch(t *testing.T) {
	ctx := context.Background()
	url := setupRemote(t)
	d := testDriver(t)

	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	dir, _ := d.Workspaces.ResolveCheckout("p1")
	gitRunner(t, dir)

	if _, err := d.CreateWorkingBranch(ctx, "p1", "ralph/demo-1", "main"); err != nil {
		t.Fatalf("CreateWorkingBranch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Commit(ctx, "p1", "first"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := d.Push(ctx, "p1", "ralph/demo-1"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	exists, err := d.RemoteBranchExists(ctx, "p1", "ralph/demo-1")
	if err != nil {
		t.Fatalf("RemoteBranchExists: %v", err)
	}
	if !exists {
		t.Errorf("branch not on remote after push")
	}

	// A second push after another commit rebases on the remote first.
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Commit(ctx, "p1", "second"); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if _, err := d.Push(ctx, "p1", "ralph/demo-1"); err != nil {
		t.Fatalf("second Push: %v", err)
	}
}

func TestGetDiffFromBase(t *testing.T) {
	ctx := context.Background()
	url := setupRemote(t)
	d := testDriver(t)

	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	dir, _ := d.Workspaces.ResolveCheckout("p1")
	gitRunner(t, dir)

	if _, err := d.CreateWorkingBranch(ctx, "p1", "ralph/demo-1", "main"); err != nil {
		t.Fatalf("CreateWorkingBranch: %v", err)
	}

	diff, err := d.GetDiffFromBase(ctx, "p1", "main")
	if err != nil {
		t.Fatalf("GetDiffFromBase: %v", err)
	}
	if strings.TrimSpace(diff) != "" {
		t.Errorf("expected empty diff before changes, got %q", diff)
	}

	if err := os.WriteFile(filepath.Join(dir, "changed.txt"), []byte("c\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Commit(ctx, "p1", "change"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	diff, err = d.GetDiffFromBase(ctx, "p1", "main")
	if err != nil {
		t.Fatalf("GetDiffFromBase after commit: %v", err)
	}
	if !strings.Contains(diff, "changed.txt") {
		t.Errorf("diff missing committed file: %q", diff)
	}
}

func TestRemoteBranchExistsFalseForUnknown(t *testing.T) {
	ctx := context.Background()
	url := setupRemote(t)
	d := testDriver(t)

	if _, err := d.Clone(ctx, "p1", url); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	exists, err := d.RemoteBranchExists(ctx, "p1", "no-such-branch")
	if err != nil {
		t.Fatalf("RemoteBranchExists: %v", err)
	}
	if exists {
		t.Errorf("unknown branch reported as existing")
	}
}
