package reconciler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fleet is an in-memory world where actions take effect immediately
type fleet struct {
	t       *testing.T
	seq     int
	records map[string]units.UnitRecord
}

func newFleet(t *testing.T) *fleet {
	return &fleet{t: t, records: make(map[string]units.UnitRecord)}
}

func (f *fleet) add(version string, phase units.Phase, ready bool) string {
	f.seq++
	id := fmt.Sprintf("u%02d", f.seq)
	f.put(id, version, phase, ready)
	return id
}

func (f *fleet) put(id, version string, phase units.Phase, ready bool) {
	f.seq++
	health := units.InitialHealth()
	if ready {
		health.Startup = units.StartupSucceeded
		health.Readiness = units.ReadinessReady
	}
	f.records[id] = units.UnitRecord{
		ID:        id,
		Lineage:   "web",
		Version:   version,
		Phase:     phase,
		Health:    health,
		CreatedAt: epoch.Add(time.Duration(f.seq) * time.Second),
	}
}

func (f *fleet) snapshot() []units.UnitRecord {
	result := make([]units.UnitRecord, 0, len(f.records))
	for _, record := range f.records {
		result = append(result, record)
	}
	units.SortByCreation(result)
	return result
}

func (f *fleet) apply(actions []Action) {
	for _, action := range actions {
		switch action.Kind {
		case ActionCreateUnit:
			require.NotEmpty(f.t, action.UnitID)
			f.put(action.UnitID, action.Version, units.PhasePending, false)
		case ActionTerminateUnit:
			_, ok := f.records[action.UnitID]
			require.True(f.t, ok, "terminate of unknown unit %s", action.UnitID)
			delete(f.records, action.UnitID)
		}
	}
}

// readyAll promotes every Pending unit to Running and Ready
func (f *fleet) readyAll() {
	for id, record := range f.records {
		if record.Phase == units.PhasePending {
			record.Phase = units.PhaseRunning
			record.Health.Startup = units.StartupSucceeded
			record.Health.Readiness = units.ReadinessReady
			f.records[id] = record
		}
	}
}

func (f *fleet) count(version string, onlyAvailable bool) int {
	count := 0
	for _, record := range f.records {
		if !record.Phase.IsLive() || (version != "" && record.Version != version) {
			continue
		}
		if onlyAvailable && !record.IsAvailable() {
			continue
		}
		count++
	}
	return count
}

func (f *fleet) assertBounds(replicas int, bounds desired.Bounds, step string) {
	f.t.Helper()
	live := f.count("", false)
	available := f.count("", true)
	require.LessOrEqual(f.t, live, replicas+bounds.MaxSurge, "surge bound broken %s", step)
	require.GreaterOrEqual(f.t, available, replicas-bounds.MaxUnavailable, "availability bound broken %s", step)
}

func rollingInput(replicas int, version string, bounds desired.Bounds, observed []units.UnitRecord) Input {
	return Input{
		Lineage:  "web",
		Replicas: replicas,
		Version:  version,
		Bounds:   bounds,
		Mode:     ModeRolling,
		Observed: observed,
	}
}

func kinds(actions []Action) []string {
	result := make([]string, 0, len(actions))
	for _, action := range actions {
		switch action.Kind {
		case ActionCreateUnit:
			result = append(result, "create@"+action.Version)
		case ActionTerminateUnit:
			result = append(result, "terminate@"+action.Version)
		default:
			result = append(result, "noop")
		}
	}
	return result
}
