package main

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

func TestFormatHeld(t *testing.T) {
	assert.Equal(t, "v1=2, v2=1", formatHeld(map[string]int{"v2": 1, "v1": 2}))
	assert.Equal(t, "", formatHeld(nil))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.Equal(t, "<none>", orNone(""))
	assert.Equal(t, "v1", orNone("v1"))
}

func TestCommandArgs(t *testing.T) {
	cfg := &cliConfig{}

	tests := []struct {
		name    string
		command func(*cliConfig) *cobra.Command
		args    []string
		wantErr bool
	}{
		{"pause needs lineage", newPauseCommand, nil, true},
		{"pause with lineage", newPauseCommand, []string{"web"}, false},
		{"units without lineage", newUnitsCommand, nil, false},
		{"units with two lineages", newUnitsCommand, []string{"a", "b"}, true},
		{"status takes nothing", newStatusCommand, []string{"x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.command(cfg).ValidateArgs(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRollbackRevisionFlag(t *testing.T) {
	cmd := newRollbackCommand(&cliConfig{})

	require.NoError(t, cmd.ParseFlags([]string{"--revision", "3"}))
	revision, err := cmd.Flags().GetInt("revision")
	require.NoError(t, err)
	assert.Equal(t, 3, revision)
}

func TestWithContract_RequiresServerOrPort(t *testing.T) {
	cfg := &cliConfig{Timeout: time.Second, logger: logging.NewNopLogger()}

	called := false
	err := withContract(cfg, func(ctx context.Context, contract domain.Contract) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.False(t, called)
}
