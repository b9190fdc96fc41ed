package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

func TestValidateExecutionConfig(t *testing.T) {
	dir := t.TempDir()
	executable := filepath.Join(dir, "unit")
	require.NoError(t, os.WriteFile(executable, []byte("#!/bin/sh\n"), 0o755))

	tests := []struct {
		name      string
		config    ExecutionConfig
		shouldErr bool
	}{
		{
			name:   "valid_minimal",
			config: ExecutionConfig{ExecutablePath: executable},
		},
		{
			name: "valid_full",
			config: ExecutionConfig{
				ExecutablePath:   executable,
				Args:             []string{"--port", "8080"},
				Environment:      []string{"MODE=test"},
				WorkingDirectory: dir,
				WaitDelay:        time.Second,
			},
		},
		{
			name:      "missing_executable_path",
			config:    ExecutionConfig{},
			shouldErr: true,
		},
		{
			name:      "executable_not_found",
			config:    ExecutionConfig{ExecutablePath: filepath.Join(dir, "missing")},
			shouldErr: true,
		},
		{
			name:      "relative_working_directory",
			config:    ExecutionConfig{ExecutablePath: executable, WorkingDirectory: "relative"},
			shouldErr: true,
		},
		{
			name:      "working_directory_is_file",
			config:    ExecutionConfig{ExecutablePath: executable, WorkingDirectory: executable},
			shouldErr: true,
		},
		{
			name:      "bad_environment",
			config:    ExecutionConfig{ExecutablePath: executable, Environment: []string{"NOVALUE"}},
			shouldErr: true,
		},
		{
			name:      "negative_wait_delay",
			config:    ExecutionConfig{ExecutablePath: executable, WaitDelay: -time.Second},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExecutionConfig(tt.config)
			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateExecutionShape_SkipsFilesystem(t *testing.T) {
	assert.NoError(t, ValidateExecutionShape(ExecutionConfig{ExecutablePath: "/does/not/exist"}))
	assert.Error(t, ValidateExecutionShape(ExecutionConfig{}))
}
