package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralphdev/ralphd/internal/shell"
	"github.com/ralphdev/ralphd/internal/workspace"
)

// coAuthorTrailer attributes commits to the agent.
const coAuthorTrailer = "Co-Authored-By: Ralph Agent <agent@ralph.dev>"

// Driver runs git and gh against per-project checkouts under the workspace
// store. Every operation returns the command output; a non-zero exit
// surfaces as a *shell.ExitError carrying the process stderr. Callers decide
// what is fatal.
type Driver struct {
	Workspaces *workspace.Store
	Logger     *slog.Logger
}

func NewDriver(ws *workspace.Store, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{Workspaces: ws, Logger: logger}
}

// RepoNameFromURL extracts the repository name from a clone URL,
// e.g. "git@github.com:acme/widget.git" yields "widget".
func RepoNameFromURL(url string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}

// Clone materializes the repository checkout for a project. If the checkout
// already exists with a .git directory it is refreshed with a pruning fetch
// instead. A directory without .git is considered corrupt and recloned.
func (d *Driver) Clone(ctx context.Context, projectID, url string) (string, error) {
	repoName := RepoNameFromURL(url)
	dir := d.Workspaces.CheckoutDir(projectID, repoName)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		d.Logger.Debug("checkout exists, fetching", "project", projectID, "dir", dir)
		r := d.runner(dir)
		out, err := r.Run(ctx, "git", "fetch", "origin", "--prune")
		if err != nil {
			return out, fmt.Errorf("fetching origin: %w", err)
		}
		return out, nil
	}

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		d.Logger.Warn("checkout dir present without .git, recloning", "project", projectID, "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("removing corrupt checkout: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("creating project dir: %w", err)
	}
	r := d.runner(filepath.Dir(dir))
	out, err := r.Run(ctx, "git", "clone", url, repoName)
	if err != nil {
		return out, fmt.Errorf("cloning %s: %w", url, err)
	}
	return out, nil
}

// CheckoutOrCreateBranch checks out branch, preferring a local branch, then
// a remote-tracking branch, then creating it from HEAD.
func (d *Driver) CheckoutOrCreateBranch(ctx context.Context, projectID, branch string) (string, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return "", err
	}

	if out, err := r.Run(ctx, "git", "checkout", branch); err == nil {
		return out, nil
	}
	if out, err := r.Run(ctx, "git", "checkout", "--track", "origin/"+branch); err == nil {
		return out, nil
	}
	out, err := r.Run(ctx, "git", "checkout", "-b", branch)
	if err != nil {
		return out, fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return out, nil
}

// CreateWorkingBranch prepares the branch the run loop commits to. When the
// working branch already exists on the remote a prior run is being resumed:
// check it out and pull. Otherwise the branch is created from a freshly
// pulled base branch.
func (d *Driver) CreateWorkingBranch(ctx context.Context, projectID, workingBranch, baseBranch string) (string, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return "", err
	}

	exists, err := d.remoteBranchExists(ctx, r, workingBranch)
	if err != nil {
		return "", err
	}
	if exists {
		d.Logger.Info("resuming remote working branch", "project", projectID, "branch", workingBranch)
		if out, err := d.CheckoutOrCreateBranch(ctx, projectID, workingBranch); err != nil {
			return out, err
		}
		out, err := r.Run(ctx, "git", "pull", "origin", workingBranch)
		if err != nil {
			return out, fmt.Errorf("pulling %s: %w", workingBranch, err)
		}
		return out, nil
	}

	if out, err := d.CheckoutOrCreateBranch(ctx, projectID, baseBranch); err != nil {
		return out, err
	}
	// Pull may fail for a base branch that was just created locally and has
	// no remote counterpart yet. That is fine, HEAD is the base then.
	if _, err := r.Run(ctx, "git", "pull", "origin", baseBranch); err != nil {
		d.Logger.Debug("base branch pull skipped", "project", projectID, "branch", baseBranch, "err", err)
	}
	out, err := r.Run(ctx, "git", "checkout", "-b", workingBranch)
	if err != nil {
		return out, fmt.Errorf("creating working branch %s: %w", workingBranch, err)
	}
	return out, nil
}

// Commit stages everything and commits with the agent co-author trailer. A
// clean working tree is a successful no-op.
func (d *Driver) Commit(ctx context.Context, projectID, message string) (string, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return "", err
	}

	if out, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		return out, fmt.Errorf("git add: %w", err)
	}
	status, err := r.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return status, fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return "nothing to commit", nil
	}

	full := message + "\n\n" + coAuthorTrailer
	out, err := r.Run(ctx, "git", "commit", "-m", full)
	if err != nil {
		return out, fmt.Errorf("git commit: %w", err)
	}
	return out, nil
}

// Push publishes branch, rebasing on the remote first when it already
// exists so resumed runs do not conflict with their prior pushes.
func (d *Driver) Push(ctx context.Context, projectID, branch string) (string, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return "", err
	}

	exists, err := d.remoteBranchExists(ctx, r, branch)
	if err != nil {
		return "", err
	}
	if exists {
		if out, err := r.Run(ctx, "git", "pull", "--rebase", "origin", branch); err != nil {
			return out, fmt.Errorf("rebasing on origin/%s: %w", branch, err)
		}
	}
	out, err := r.Run(ctx, "git", "push", "-u", "origin", branch)
	if err != nil {
		return out, fmt.Errorf("pushing %s: %w", branch, err)
	}
	return out, nil
}

// CreatePullRequest opens a PR through the gh CLI and returns its output,
// which contains the PR URL on success.
func (d *Driver) CreatePullRequest(ctx context.Context, projectID, title, body, base string) (string, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return "", err
	}
	out, err := r.Run(ctx, "gh", "pr", "create", "--title", title, "--body", body, "--base", base)
	if err != nil {
		return out, fmt.Errorf("creating pull request: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// GetDiff returns the diff of uncommitted changes (staged and unstaged).
func (d *Driver) GetDiff(ctx context.Context, projectID string) (string, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return "", err
	}
	out, err := r.Run(ctx, "git", "diff", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting diff: %w", err)
	}
	return out, nil
}

// GetDiffFromBase returns the committed diff between base and HEAD.
func (d *Driver) GetDiffFromBase(ctx context.Context, projectID, base string) (string, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return "", err
	}
	out, err := r.Run(ctx, "git", "diff", base+"...HEAD")
	if err != nil {
		return "", fmt.Errorf("getting diff from %s: %w", base, err)
	}
	return out, nil
}

// GetCurrentBranch returns the checked-out branch name.
func (d *Driver) GetCurrentBranch(ctx context.Context, projectID string) (string, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return "", err
	}
	out, err := r.Run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// RemoteBranchExists reports whether origin has the branch.
func (d *Driver) RemoteBranchExists(ctx context.Context, projectID, branch string) (bool, error) {
	r, err := d.checkoutRunner(projectID)
	if err != nil {
		return false, err
	}
	return d.remoteBranchExists(ctx, r, branch)
}

// CleanupWorkspace removes the project's workspace directory.
func (d *Driver) CleanupWorkspace(projectID string) error {
	return d.Workspaces.Remove(projectID)
}

func (d *Driver) remoteBranchExists(ctx context.Context, r *shell.Runner, branch string) (bool, error) {
	out, err := r.Run(ctx, "git", "ls-remote", "--heads", "origin", branch)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("checking origin/%s: %w", branch, err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (d *Driver) checkoutRunner(projectID string) (*shell.Runner, error) {
	dir, err := d.Workspaces.ResolveCheckout(projectID)
	if err != nil {
		return nil, err
	}
	return d.runner(dir), nil
}

func (d *Driver) runner(dir string) *shell.Runner {
	return &shell.Runner{Dir: dir}
}
