package github

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ralphdev/ralphd/internal/shell"
)

// reposQuery shapes `gh api` output into one JSON object per repository.
const reposQuery = `.[] | {name, nameWithOwner: .full_name, url: .html_url, owner: {login: .owner.login}, isPrivate: .private}`

// Repo is one repository visible to the authenticated gh user.
type Repo struct {
	Name          string `json:"name"`
	NameWithOwner string `json:"nameWithOwner"`
	URL           string `json:"url"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
	IsPrivate bool `json:"isPrivate"`
}

// CLI wraps the gh binary. Authentication lives entirely in gh's own
// keychain; the engine never stores GitHub credentials itself.
type CLI struct {
	runner *shell.Runner
}

func NewCLI() *CLI {
	return &CLI{runner: &shell.Runner{}}
}

// AuthStatus reports whether gh holds valid credentials, with gh's own
// status text for display.
func (c *CLI) AuthStatus(ctx context.Context) (bool, string, error) {
	out, err := c.runner.Run(ctx, "gh", "auth", "status")
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			return false, exitErr.Stderr, nil
		}
		return false, "", fmt.Errorf("checking gh auth: %w", err)
	}
	return true, strings.TrimSpace(out), nil
}

// Login starts gh's browser-based login flow and blocks until it finishes.
func (c *CLI) Login(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, "gh", "auth", "login", "--web"); err != nil {
		return fmt.Errorf("gh auth login: %w", err)
	}
	return nil
}

// Token returns the token gh is authenticated with, for API probes.
func (c *CLI) Token(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, "gh", "auth", "token")
	if err != nil {
		return "", fmt.Errorf("gh auth token: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ListRepos enumerates the user's repositories through the gh API,
// sorted by nameWithOwner.
func (c *CLI) ListRepos(ctx context.Context) ([]Repo, error) {
	out, err := c.runner.Run(ctx, "gh", "api", "/user/repos", "--paginate", "-q", reposQuery)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	repos, err := parseRepoLines(out)
	if err != nil {
		return nil, err
	}
	sort.Slice(repos, func(i, j int) bool {
		return repos[i].NameWithOwner < repos[j].NameWithOwner
	})
	return repos, nil
}

// parseRepoLines decodes newline-delimited JSON objects as emitted by gh's
// -q filter.
func parseRepoLines(out string) ([]Repo, error) {
	var repos []Repo
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Repo
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("parsing repo line %q: %w", line, err)
		}
		repos = append(repos, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning repo output: %w", err)
	}
	return repos, nil
}
