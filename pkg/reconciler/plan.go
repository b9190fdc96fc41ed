// Package reconciler computes the actions that move a lineage's units toward
// its desired state under rolling-update bounds.
package reconciler

import (
	"sort"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

type Mode string

const (
	// ModeRolling converges on Replicas units of Version
	ModeRolling Mode = "Rolling"
	// ModeHold keeps the Held version mix without changing versions
	ModeHold Mode = "Hold"
	// ModeHalted plans nothing at all
	ModeHalted Mode = "Halted"
)

type Input struct {
	Lineage  string
	Replicas int
	Version  string
	Bounds   desired.Bounds
	Mode     Mode

	// Held is the per-version unit count kept in ModeHold
	Held map[string]int

	// Observed is the registry snapshot; records of other lineages are ignored
	Observed []units.UnitRecord

	// PendingTerminations are units already being terminated. They still count
	// toward the surge ceiling but are neither available nor candidates.
	PendingTerminations map[string]struct{}

	Policy TerminationPolicy
}

// availability tracks how many available units may still be removed
type availability struct {
	available    int
	minAvailable int
}

// take reports whether record can be removed without dropping below the minimum
func (a *availability) take(record units.UnitRecord) bool {
	if !record.IsAvailable() {
		return true
	}
	if a.available-1 < a.minAvailable {
		return false
	}
	a.available--
	return true
}

// Plan is a pure function of its input. Failed units are always terminated
// unless halted. Creates never take the live count above Replicas+MaxSurge and
// terminations never take the available count below Replicas-MaxUnavailable.
func Plan(in Input) []Action {
	if in.Mode == ModeHalted {
		return []Action{noOp(in.Lineage, ReasonHalted)}
	}

	policy := in.Policy
	if policy == nil {
		policy = DefaultTerminationPolicy
	}

	var actions []Action
	var failed, live []units.UnitRecord
	liveAll := 0

	for _, record := range in.Observed {
		if in.Lineage != "" && record.Lineage != in.Lineage {
			continue
		}
		_, pending := in.PendingTerminations[record.ID]
		switch {
		case record.Phase == units.PhaseFailed:
			if !pending {
				failed = append(failed, record)
			}
		case record.Phase.IsLive():
			liveAll++
			if !pending {
				live = append(live, record)
			}
		}
	}

	sortForTermination(failed, policy, in.Version)
	for _, record := range failed {
		actions = append(actions, terminate(in.Lineage, record, ReasonFailed))
	}

	budget := &availability{
		available:    countAvailable(live),
		minAvailable: max(0, in.Replicas-in.Bounds.MaxUnavailable),
	}
	surgeRoom := max(0, in.Replicas+in.Bounds.MaxSurge-liveAll)

	if in.Mode == ModeHold {
		actions = append(actions, planHold(in, live, surgeRoom, budget, policy)...)
	} else {
		actions = append(actions, planRolling(in, live, surgeRoom, budget, policy)...)
	}

	if len(actions) == 0 {
		return []Action{noOp(in.Lineage, ReasonSteady)}
	}
	return actions
}

func planRolling(in Input, live []units.UnitRecord, surgeRoom int, budget *availability, policy TerminationPolicy) []Action {
	var actions []Action
	var current, stale []units.UnitRecord
	for _, record := range live {
		if record.Version == in.Version {
			current = append(current, record)
		} else {
			stale = append(stale, record)
		}
	}

	creates := min(in.Replicas-len(current), surgeRoom)
	for i := 0; i < creates; i++ {
		actions = append(actions, create(in.Lineage, in.Version, ReasonScaleUp))
	}

	sortForTermination(stale, policy, in.Version)
	for _, record := range stale {
		if budget.take(record) {
			actions = append(actions, terminate(in.Lineage, record, ReasonOutdated))
		}
	}

	actions = append(actions, scaleDown(in.Lineage, current, len(current)-in.Replicas, in.Version, budget, policy, ReasonScaleDown)...)
	return actions
}

func planHold(in Input, live []units.UnitRecord, surgeRoom int, budget *availability, policy TerminationPolicy) []Action {
	var actions []Action
	byVersion := make(map[string][]units.UnitRecord)
	for _, record := range live {
		byVersion[record.Version] = append(byVersion[record.Version], record)
	}

	versions := make([]string, 0, len(byVersion)+len(in.Held))
	for version := range byVersion {
		versions = append(versions, version)
	}
	for version := range in.Held {
		if _, ok := byVersion[version]; !ok {
			versions = append(versions, version)
		}
	}
	sort.Strings(versions)

	for _, version := range versions {
		missing := min(in.Held[version]-len(byVersion[version]), surgeRoom)
		for i := 0; i < missing; i++ {
			actions = append(actions, create(in.Lineage, version, ReasonHold))
		}
		if missing > 0 {
			surgeRoom -= missing
		}
	}

	for _, version := range versions {
		have := byVersion[version]
		actions = append(actions, scaleDown(in.Lineage, have, len(have)-in.Held[version], in.Version, budget, policy, ReasonHold)...)
	}
	return actions
}

func scaleDown(lineage string, candidates []units.UnitRecord, excess int, targetVersion string, budget *availability, policy TerminationPolicy, reason string) []Action {
	if excess <= 0 {
		return nil
	}
	sorted := make([]units.UnitRecord, len(candidates))
	copy(sorted, candidates)
	sortForTermination(sorted, policy, targetVersion)

	var actions []Action
	for _, record := range sorted {
		if len(actions) == excess {
			break
		}
		if budget.take(record) {
			actions = append(actions, terminate(lineage, record, reason))
		}
	}
	return actions
}

func countAvailable(records []units.UnitRecord) int {
	count := 0
	for _, record := range records {
		if record.IsAvailable() {
			count++
		}
	}
	return count
}

func create(lineage, version, reason string) Action {
	return Action{Kind: ActionCreateUnit, Lineage: lineage, Version: version, Reason: reason}
}

func terminate(lineage string, record units.UnitRecord, reason string) Action {
	return Action{Kind: ActionTerminateUnit, Lineage: lineage, UnitID: record.ID, Version: record.Version, Reason: reason}
}
