//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes isolates the unit in a new process group so it can receive Ctrl+Break
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
