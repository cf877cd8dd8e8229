package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// ExitError wraps a non-zero exit from a subprocess.
type ExitError struct {
	Code   int
	Stderr string
	Cmd    string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.Code, e.Stderr)
}

// Runner executes subprocesses with a shared working directory and environment.
type Runner struct {
	Dir string
	Env []string
}

// Run executes a command and returns its stdout. Stderr is captured and
// included in the error on non-zero exit.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.String(), &ExitError{
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
				Cmd:    name + " " + strings.Join(args, " "),
			}
		}
		return "", fmt.Errorf("running %s: %w", name, err)
	}

	return stdout.String(), nil
}

// RunCombined executes a command and returns interleaved stdout+stderr,
// truncated at maxBytes. The truncated flag reports whether output was cut.
// A non-zero exit still returns the captured output alongside the ExitError
// so callers can surface partial logs.
func (r *Runner) RunCombined(ctx context.Context, maxBytes int64, name string, args ...string) (string, bool, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()

	sink := &cappedBuffer{max: maxBytes}
	cmd.Stdout = sink
	cmd.Stderr = sink

	err := cmd.Run()
	out := sink.String()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out, sink.truncated, &ExitError{
				Code: exitErr.ExitCode(),
				Cmd:  name + " " + strings.Join(args, " "),
			}
		}
		return out, sink.truncated, fmt.Errorf("running %s: %w", name, err)
	}
	return out, sink.truncated, nil
}

// cappedBuffer accepts writes up to max bytes and silently discards the rest.
// Discarding (rather than erroring) keeps the child process running to
// completion even when it is very chatty.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }

var _ io.Writer = (*cappedBuffer)(nil)

func (r *Runner) environ() []string {
	if len(r.Env) == 0 {
		return nil // inherit parent
	}
	return append(os.Environ(), r.Env...)
}
