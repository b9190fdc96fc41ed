package executor

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/monitoring"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

func TestSimulatedExecutor_CreateAndTerminate(t *testing.T) {
	registry := units.NewMemoryRegistry()
	executor := NewSimulatedExecutor(registry)
	ctx := context.Background()

	require.NoError(t, executor.CreateUnit(ctx, UnitSpec{ID: "u1", Lineage: "web", Version: "v1"}))
	record, err := registry.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, units.PhasePending, record.Phase)
	assert.Equal(t, units.StartupPending, record.Health.Startup)
	assert.Equal(t, "sim/u1", record.Address)

	// retried create keeps the existing record
	record.Phase = units.PhaseRunning
	require.NoError(t, registry.Upsert(record))
	require.NoError(t, executor.CreateUnit(ctx, UnitSpec{ID: "u1", Lineage: "web", Version: "v1"}))
	record, err = registry.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, units.PhaseRunning, record.Phase)

	var phases []units.Phase
	registry.OnChange(func(record units.UnitRecord, removed bool) {
		if !removed {
			phases = append(phases, record.Phase)
		}
	})
	require.NoError(t, executor.TerminateUnit(ctx, "u1"))
	_, err = registry.Get("u1")
	assert.Error(t, err)
	assert.Equal(t, []units.Phase{units.PhaseTerminating}, phases)

	assert.NoError(t, executor.TerminateUnit(ctx, "u1"))
}

func TestSimulatedExecutor_CreateError(t *testing.T) {
	registry := units.NewMemoryRegistry()
	executor := NewSimulatedExecutor(registry)
	cause := stderrors.New("quota exceeded")

	executor.SetCreateError("v2", cause)
	err := executor.CreateUnit(context.Background(), UnitSpec{ID: "u1", Lineage: "web", Version: "v2"})
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, registry.List(units.Filter{}))

	executor.SetCreateError("v2", nil)
	assert.NoError(t, executor.CreateUnit(context.Background(), UnitSpec{ID: "u1", Lineage: "web", Version: "v2"}))
}

func TestSimulatedExecutor_Probe(t *testing.T) {
	executor := NewSimulatedExecutor(units.NewMemoryRegistry())
	config := monitoring.ProbeConfig{Kind: monitoring.ProbeKindHTTP}

	healthy := executor.Probe(context.Background(), units.UnitRecord{ID: "u1", Version: "v1"}, config)
	assert.True(t, healthy.Passed())

	executor.SetUnhealthy("v2", true)
	unhealthy := executor.Probe(context.Background(), units.UnitRecord{ID: "u2", Version: "v2"}, config)
	assert.Equal(t, monitoring.ProbeFailure, unhealthy.Outcome)

	executor.SetUnhealthy("v2", false)
	assert.True(t, executor.Probe(context.Background(), units.UnitRecord{ID: "u2", Version: "v2"}, config).Passed())
}
