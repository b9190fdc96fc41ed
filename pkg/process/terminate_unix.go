//go:build !windows

package process

import (
	"syscall"
	"time"
)

// SendTerminationSignal sends SIGTERM to the unit's process group
func SendTerminationSignal(pid int, timeout time.Duration) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the unit's process group
func Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
