package executor

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/monitoring"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

// SimulatedExecutor keeps units in the registry only. It also answers probes,
// so a whole fleet can run without starting processes.
type SimulatedExecutor struct {
	registry units.Registry

	mutex        sync.Mutex
	createErrors map[string]error
	unhealthy    map[string]bool
}

func NewSimulatedExecutor(registry units.Registry) *SimulatedExecutor {
	return &SimulatedExecutor{
		registry:     registry,
		createErrors: make(map[string]error),
		unhealthy:    make(map[string]bool),
	}
}

// SetCreateError makes CreateUnit fail for version; nil clears it
func (s *SimulatedExecutor) SetCreateError(version string, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err == nil {
		delete(s.createErrors, version)
		return
	}
	s.createErrors[version] = err
}

// SetUnhealthy makes every probe of version fail
func (s *SimulatedExecutor) SetUnhealthy(version string, unhealthy bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.unhealthy[version] = unhealthy
}

func (s *SimulatedExecutor) CreateUnit(ctx context.Context, spec UnitSpec) error {
	s.mutex.Lock()
	err := s.createErrors[spec.Version]
	s.mutex.Unlock()
	if err != nil {
		return err
	}

	if _, err := s.registry.Get(spec.ID); err == nil {
		return nil
	}

	return s.registry.Upsert(units.UnitRecord{
		ID:      spec.ID,
		Lineage: spec.Lineage,
		Version: spec.Version,
		Phase:   units.PhasePending,
		Health:  units.InitialHealth(),
		Address: "sim/" + spec.ID,
	})
}

func (s *SimulatedExecutor) TerminateUnit(ctx context.Context, id string) error {
	_, err := s.registry.Update(id, func(record *units.UnitRecord) bool {
		record.Phase = units.PhaseTerminating
		return true
	})
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.registry.Remove(id); err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	return nil
}

func (s *SimulatedExecutor) Probe(ctx context.Context, record units.UnitRecord, config monitoring.ProbeConfig) monitoring.ProbeResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.unhealthy[record.Version] {
		return monitoring.ProbeResult{Outcome: monitoring.ProbeFailure, Message: "simulated failure for " + record.Version}
	}
	return monitoring.ProbeResult{Outcome: monitoring.ProbeSuccess, Message: "simulated"}
}
