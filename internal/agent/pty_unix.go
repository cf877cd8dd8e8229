//go:build !windows

package agent

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// startPTY starts cmd attached to a pseudo-terminal of the given size.
// pty.StartWithSize calls cmd.Start internally.
func startPTY(cmd *exec.Cmd, cols, rows int) (io.ReadCloser, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

func signalTerm(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// isClosedPTY reports whether err is the read error a PTY master returns
// once the child side is gone.
func isClosedPTY(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}
