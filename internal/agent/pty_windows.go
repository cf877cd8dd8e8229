//go:build windows

package agent

import (
	"errors"
	"io"
	"os"
	"os/exec"
)

// startPTY on Windows falls back to a plain pipe carrying combined output.
// The cols/rows hint is ignored.
func startPTY(cmd *exec.Cmd, cols, rows int) (io.ReadCloser, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The parent's write end must be closed so reads observe EOF when the
	// child exits.
	pw.Close()
	return pr, nil
}

func signalTerm(p *os.Process) error {
	// No SIGTERM on Windows; Kill is the only portable option.
	return p.Kill()
}

func isClosedPTY(err error) bool {
	return errors.Is(err, os.ErrClosed)
}
