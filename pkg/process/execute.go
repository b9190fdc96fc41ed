package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// StdExecuteCmd starts the process and returns it with its combined output
type StdExecuteCmd func(ctx context.Context) (*os.Process, io.ReadCloser, error)

// NewStdExecuteCmd builds a command for one unit. extraEnv is appended after
// the configured environment so the executor can inject per-unit values.
func NewStdExecuteCmd(execution ExecutionConfig, id string, extraEnv []string, logger logging.Logger) StdExecuteCmd {
	return func(ctx context.Context) (*os.Process, io.ReadCloser, error) {
		if ctx == nil {
			return nil, nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}

		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
			return nil, nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
		}

		if err := ensureExecutable(execution.ExecutablePath); err != nil {
			return nil, nil, errors.NewProcessError("failed to ensure process is executable", err).
				WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}

		workDir := execution.WorkingDirectory
		if workDir == "" {
			absPath, err := filepath.Abs(execution.ExecutablePath)
			if err != nil {
				return nil, nil, errors.NewIOError("failed to get absolute path", err).
					WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
			}
			workDir = filepath.Dir(absPath)
		}

		env := os.Environ()
		env = append(env, execution.Environment...)
		env = append(env, extraEnv...)

		cmd := exec.CommandContext(ctx, execution.ExecutablePath, execution.Args...)
		cmd.Dir = workDir
		cmd.Env = env
		setupProcessAttributes(cmd)

		// wait after sending the interrupt signal, before sending the kill signal
		cmd.WaitDelay = execution.WaitDelay

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, errors.NewProcessError("failed to create stdout pipe", err).
				WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}
		cmd.Stderr = cmd.Stdout

		logger.Debugf("Executing process, id: %s, executable path: '%s', args: %v, working directory: '%s'",
			id, execution.ExecutablePath, execution.Args, workDir)

		if err := cmd.Start(); err != nil {
			return nil, nil, errors.NewProcessError("failed to start the process", err).
				WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}

		logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

		return cmd.Process, stdout, nil
	}
}

// ensureExecutable makes the file executable if no execute bit is set
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewIOError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}
