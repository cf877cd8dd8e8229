package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ralphdev/ralphd/internal/events"
)

// killGrace is how long a cancelled process gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// DefaultAllowedTools lets the agent read, edit and search code, commit
// locally, and run package-manager test commands.
var DefaultAllowedTools = []string{
	"Read", "Edit", "Write", "Grep", "Glob",
	"Bash(git add:*)", "Bash(git commit:*)", "Bash(git status:*)", "Bash(git diff:*)",
	"Bash(npm test:*)", "Bash(pnpm test:*)", "Bash(yarn test:*)",
	"Bash(pytest:*)", "Bash(go test:*)", "Bash(cargo test:*)",
}

// DefaultDisallowedTools blocks everything that touches the remote. Pushing
// and PR creation belong to the run loop, not the agent.
var DefaultDisallowedTools = []string{
	"Bash(git push:*)", "Bash(gh:*)",
}

// ProcessSpec describes one agent invocation.
type ProcessSpec struct {
	ProjectID        string
	TaskID           string
	Prompt           string
	WorkingDirectory string
	LogFilePath      string
	AllowedTools     []string
	DisallowedTools  []string
}

// Outcome is the result of a finished (or cancelled) agent run.
type Outcome struct {
	OK             bool
	Stopped        bool
	CombinedOutput string
	TaskComplete   bool
	TaskBlocked    bool
	BlockedReason  string
}

// Runner supervises agent CLI subprocesses, one per project at a time. Output
// runs through a pseudo-terminal so the CLI behaves as it does for a human,
// and is streamed to the log file and the event bus simultaneously.
type Runner struct {
	Executable string
	Bus        *events.Bus
	Logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*os.Process
}

func NewRunner(executable string, bus *events.Bus, logger *slog.Logger) *Runner {
	if executable == "" {
		executable = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Executable: executable,
		Bus:        bus,
		Logger:     logger,
		active:     make(map[string]*os.Process),
	}
}

// Run executes the agent and blocks until it exits or ctx is cancelled. An
// error is returned only when the process could not be started; a non-zero
// exit is reported through Outcome.OK.
func (r *Runner) Run(ctx context.Context, spec ProcessSpec) (Outcome, error) {
	allowed := spec.AllowedTools
	if allowed == nil {
		allowed = DefaultAllowedTools
	}
	disallowed := spec.DisallowedTools
	if disallowed == nil {
		disallowed = DefaultDisallowedTools
	}

	args := []string{
		"-p", spec.Prompt,
		"--dangerously-skip-permissions",
		"--output-format", "text",
		"--verbose",
		"--allowed-tools", strings.Join(allowed, ","),
		"--disallowed-tools", strings.Join(disallowed, ","),
	}

	cmd := exec.Command(r.Executable, args...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "FORCE_COLOR=0")

	logFile, err := r.openLog(spec)
	if err != nil {
		return Outcome{}, err
	}
	defer logFile.Close()

	tty, err := startPTY(cmd, 120, 30)
	if err != nil {
		fmt.Fprintf(logFile, "\n--- failed to start: %v ---\n", err)
		return Outcome{}, fmt.Errorf("starting agent: %w", err)
	}
	defer tty.Close()

	r.register(spec.ProjectID, cmd.Process)
	defer r.unregister(spec.ProjectID)

	exited := make(chan struct{})
	stopped := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			close(stopped)
			r.terminate(cmd.Process)
		case <-exited:
		}
	}()

	var buf strings.Builder
	chunk := make([]byte, 4096)
	for {
		n, readErr := tty.Read(chunk)
		if n > 0 {
			text := string(chunk[:n])
			buf.WriteString(text)
			if _, err := logFile.Write(chunk[:n]); err != nil {
				r.Logger.Warn("agent log write failed", "project", spec.ProjectID, "err", err)
			}
			if r.Bus != nil {
				r.Bus.Publish(events.LogUpdate{
					ProjectID: spec.ProjectID,
					TaskID:    spec.TaskID,
					Chunk:     text,
				})
			}
		}
		if readErr != nil {
			// A closed PTY reports EIO on Linux; both mean the child is gone.
			if !errors.Is(readErr, io.EOF) && !isClosedPTY(readErr) {
				r.Logger.Warn("agent output read failed", "project", spec.ProjectID, "err", readErr)
			}
			break
		}
	}

	waitErr := cmd.Wait()
	close(exited)
	<-watchDone

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	fmt.Fprintf(logFile, "\n--- finished at %s, exit code %d ---\n",
		time.Now().UTC().Format(time.RFC3339), exitCode)

	output := buf.String()
	outcome := Outcome{CombinedOutput: output}

	select {
	case <-stopped:
		outcome.Stopped = true
		return outcome, nil
	default:
	}

	outcome.TaskComplete, outcome.TaskBlocked, outcome.BlockedReason = parseSignals(output)
	outcome.OK = waitErr == nil
	return outcome, nil
}

// ProcessID reports the pid of the project's running agent, if any.
func (r *Runner) ProcessID(projectID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.active[projectID]
	if !ok {
		return 0, false
	}
	return p.Pid, true
}

// Cancel terminates the project's running agent, if any. Safe to call when
// nothing is running.
func (r *Runner) Cancel(projectID string) {
	r.mu.Lock()
	p, ok := r.active[projectID]
	r.mu.Unlock()
	if ok {
		r.terminate(p)
	}
}

func (r *Runner) openLog(spec ProcessSpec) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(spec.LogFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(spec.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	fmt.Fprintf(f, "--- started at %s ---\nproject: %s\ntask: %s\nworkdir: %s\nprompt:\n%s\n---\n",
		time.Now().UTC().Format(time.RFC3339), spec.ProjectID, spec.TaskID,
		spec.WorkingDirectory, spec.Prompt)
	return f, nil
}

func (r *Runner) register(projectID string, p *os.Process) {
	r.mu.Lock()
	r.active[projectID] = p
	r.mu.Unlock()
}

func (r *Runner) unregister(projectID string) {
	r.mu.Lock()
	delete(r.active, projectID)
	r.mu.Unlock()
}

// terminate asks the process to exit and escalates to SIGKILL after the
// grace period.
func (r *Runner) terminate(p *os.Process) {
	if p == nil {
		return
	}
	if err := signalTerm(p); err != nil {
		return
	}
	go func() {
		time.Sleep(killGrace)
		_ = p.Kill()
	}()
}

var blockedReasonPattern = regexp.MustCompile(`(?:TASK_)?BLOCKED:\s*(.+)`)

// parseSignals extracts the completion markers from agent output. A blocked
// signal dominates a completion signal.
func parseSignals(output string) (complete, blocked bool, reason string) {
	blocked = strings.Contains(output, "TASK_BLOCKED") || strings.Contains(output, "BLOCKED")
	complete = strings.Contains(output, "TASK_COMPLETE") && !blocked
	if blocked {
		if m := blockedReasonPattern.FindStringSubmatch(output); m != nil {
			reason = strings.TrimSpace(m[1])
		}
	}
	return complete, blocked, reason
}
