//go:build !windows

// Package processstate answers whether a PID still refers to a live process.
package processstate

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// IsProcessRunning probes pid with signal 0
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}

	// FindProcess always succeeds on Unix
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false, nil
	case errors.Is(err, syscall.EPERM):
		// exists but owned by someone else
		return true, nil
	default:
		return false, err
	}
}
