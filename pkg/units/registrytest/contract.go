// Package registrytest provides contract tests for [units.Registry]
// implementations.
package registrytest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

// Factory creates a fresh [units.Registry] for each test invocation.
type Factory func(t *testing.T) units.Registry

// Run exercises the [units.Registry] contract.
func Run(t *testing.T, factory Factory) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("UpsertAndGet", func(t *testing.T) {
		registry := factory(t)
		record := units.UnitRecord{
			ID:        "u1",
			Lineage:   "web",
			Version:   "v1",
			Phase:     units.PhasePending,
			Health:    units.InitialHealth(),
			CreatedAt: base,
		}

		require.NoError(t, registry.Upsert(record))

		got, err := registry.Get("u1")
		require.NoError(t, err)
		assert.Equal(t, "web", got.Lineage)
		assert.Equal(t, "v1", got.Version)
		assert.Equal(t, units.PhasePending, got.Phase)
		assert.True(t, got.CreatedAt.Equal(base))
	})

	t.Run("UpsertEmptyID", func(t *testing.T) {
		registry := factory(t)
		err := registry.Upsert(units.UnitRecord{})
		assert.True(t, errors.IsValidationError(err), "got %v", err)
	})

	t.Run("UpsertLastWriterWins", func(t *testing.T) {
		registry := factory(t)
		require.NoError(t, registry.Upsert(units.UnitRecord{ID: "u1", Phase: units.PhasePending, CreatedAt: base}))
		require.NoError(t, registry.Upsert(units.UnitRecord{ID: "u1", Phase: units.PhaseRunning}))

		got, err := registry.Get("u1")
		require.NoError(t, err)
		assert.Equal(t, units.PhaseRunning, got.Phase)
		assert.True(t, got.CreatedAt.Equal(base), "creation time must survive an update without one")
	})

	t.Run("Update", func(t *testing.T) {
		registry := factory(t)
		require.NoError(t, registry.Upsert(units.UnitRecord{ID: "u1", Phase: units.PhasePending, CreatedAt: base}))

		tests := []struct {
			name      string
			apply     bool
			wantPhase units.Phase
		}{
			{name: "skipped", apply: false, wantPhase: units.PhasePending},
			{name: "applied", apply: true, wantPhase: units.PhaseRunning},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				stored, err := registry.Update("u1", func(record *units.UnitRecord) bool {
					record.Phase = units.PhaseRunning
					record.ID = "renamed"
					return tt.apply
				})
				require.NoError(t, err)
				assert.Equal(t, tt.wantPhase, stored.Phase)
				assert.Equal(t, "u1", stored.ID)

				got, err := registry.Get("u1")
				require.NoError(t, err)
				assert.Equal(t, tt.wantPhase, got.Phase)
				assert.True(t, got.CreatedAt.Equal(base))
			})
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		registry := factory(t)
		called := false
		_, err := registry.Update("nope", func(record *units.UnitRecord) bool {
			called = true
			return true
		})
		assert.True(t, errors.IsNotFoundError(err), "got %v", err)
		assert.False(t, called)
	})

	t.Run("UpdateIsAtomic", func(t *testing.T) {
		registry := factory(t)
		require.NoError(t, registry.Upsert(units.UnitRecord{ID: "u1", CreatedAt: base}))

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					_, _ = registry.Update("u1", func(record *units.UnitRecord) bool {
						record.PID++
						return true
					})
				}
			}()
		}
		wg.Wait()

		got, err := registry.Get("u1")
		require.NoError(t, err)
		assert.Equal(t, 400, got.PID)
	})

	t.Run("GetMissing", func(t *testing.T) {
		registry := factory(t)
		_, err := registry.Get("nope")
		assert.True(t, errors.IsNotFoundError(err), "got %v", err)
	})

	t.Run("RemoveMissing", func(t *testing.T) {
		registry := factory(t)
		err := registry.Remove("nope")
		assert.True(t, errors.IsNotFoundError(err), "got %v", err)
	})

	t.Run("Remove", func(t *testing.T) {
		registry := factory(t)
		require.NoError(t, registry.Upsert(units.UnitRecord{ID: "u1", CreatedAt: base}))
		require.NoError(t, registry.Remove("u1"))

		_, err := registry.Get("u1")
		assert.True(t, errors.IsNotFoundError(err))
		assert.Empty(t, registry.List(units.Filter{}))
	})

	t.Run("ListFilterAndOrder", func(t *testing.T) {
		registry := factory(t)
		records := []units.UnitRecord{
			{ID: "c", Lineage: "web", Version: "v1", Phase: units.PhaseRunning, CreatedAt: base.Add(2 * time.Second)},
			{ID: "a", Lineage: "web", Version: "v2", Phase: units.PhasePending, CreatedAt: base},
			{ID: "b", Lineage: "web", Version: "v1", Phase: units.PhaseFailed, CreatedAt: base},
			{ID: "d", Lineage: "api", Version: "v1", Phase: units.PhaseRunning, CreatedAt: base},
		}
		for _, record := range records {
			require.NoError(t, registry.Upsert(record))
		}

		all := registry.List(units.Filter{Lineage: "web"})
		assert.Equal(t, []string{"a", "b", "c"}, ids(all))

		live := registry.List(units.Filter{Lineage: "web", Phases: []units.Phase{units.PhasePending, units.PhaseRunning}})
		assert.Equal(t, []string{"a", "c"}, ids(live))

		v1 := registry.List(units.Filter{Version: "v1"})
		assert.Equal(t, []string{"b", "d", "c"}, ids(v1))
	})

	t.Run("ListIsSnapshot", func(t *testing.T) {
		registry := factory(t)
		require.NoError(t, registry.Upsert(units.UnitRecord{ID: "u1", Phase: units.PhasePending, CreatedAt: base}))

		snapshot := registry.List(units.Filter{})
		require.NoError(t, registry.Upsert(units.UnitRecord{ID: "u1", Phase: units.PhaseRunning}))
		require.NoError(t, registry.Upsert(units.UnitRecord{ID: "u2", CreatedAt: base}))

		require.Len(t, snapshot, 1)
		assert.Equal(t, units.PhasePending, snapshot[0].Phase)
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		registry := factory(t)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					id := fmt.Sprintf("w%d-u%d", w, i%5)
					_ = registry.Upsert(units.UnitRecord{ID: id, Lineage: fmt.Sprintf("l%d", w), CreatedAt: base})
					_ = registry.List(units.Filter{Lineage: fmt.Sprintf("l%d", (w+1)%8)})
				}
			}(w)
		}
		wg.Wait()

		assert.Len(t, registry.List(units.Filter{}), 40)
	})
}

func ids(records []units.UnitRecord) []string {
	result := make([]string, 0, len(records))
	for _, record := range records {
		result = append(result, record.ID)
	}
	return result
}
