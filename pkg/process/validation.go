package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// ValidateExecutionConfig checks the configuration against the local filesystem
func ValidateExecutionConfig(config ExecutionConfig) error {
	if err := ValidateExecutionShape(config); err != nil {
		return err
	}

	if _, err := os.Stat(config.ExecutablePath); os.IsNotExist(err) {
		return errors.NewValidationError("executable not found: "+config.ExecutablePath, err)
	}

	if config.WorkingDirectory != "" {
		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	return nil
}

// ValidateExecutionShape checks only what can be checked without touching the filesystem
func ValidateExecutionShape(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if config.WorkingDirectory != "" && !filepath.IsAbs(config.WorkingDirectory) {
		return errors.NewValidationError("working directory must be absolute path", nil)
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	if config.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}

	return nil
}
