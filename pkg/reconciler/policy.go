package reconciler

import (
	"sort"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

// TerminationPolicy orders termination candidates: units that sort first are removed first.
type TerminationPolicy interface {
	Less(a, b units.UnitRecord, targetVersion string) bool
}

type TerminationPolicyFunc func(a, b units.UnitRecord, targetVersion string) bool

func (f TerminationPolicyFunc) Less(a, b units.UnitRecord, targetVersion string) bool {
	return f(a, b, targetVersion)
}

const (
	PolicyDefault       = "default"
	PolicyNotReadyFirst = "not-ready-first"
	PolicyNewestFirst   = "newest-first"
)

// DefaultTerminationPolicy removes Failed units, then the oldest units of a
// non-target version, then the oldest units overall. Identity breaks ties.
var DefaultTerminationPolicy TerminationPolicy = TerminationPolicyFunc(defaultLess)

// NotReadyFirstPolicy prefers units that are not serving, then falls back to the default order
var NotReadyFirstPolicy TerminationPolicy = TerminationPolicyFunc(func(a, b units.UnitRecord, targetVersion string) bool {
	if a.IsAvailable() != b.IsAvailable() {
		return !a.IsAvailable()
	}
	return defaultLess(a, b, targetVersion)
})

// NewestFirstPolicy keeps the longest-running units, useful when warm caches matter
var NewestFirstPolicy TerminationPolicy = TerminationPolicyFunc(func(a, b units.UnitRecord, targetVersion string) bool {
	if rank := compareFailedAndStale(a, b, targetVersion); rank != 0 {
		return rank < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
})

// PolicyByName resolves a configured policy name; empty means default
func PolicyByName(name string) (TerminationPolicy, error) {
	switch name {
	case "", PolicyDefault:
		return DefaultTerminationPolicy, nil
	case PolicyNotReadyFirst:
		return NotReadyFirstPolicy, nil
	case PolicyNewestFirst:
		return NewestFirstPolicy, nil
	default:
		return nil, errors.NewValidationError("unknown termination policy: "+name, nil)
	}
}

func defaultLess(a, b units.UnitRecord, targetVersion string) bool {
	if rank := compareFailedAndStale(a, b, targetVersion); rank != 0 {
		return rank < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func compareFailedAndStale(a, b units.UnitRecord, targetVersion string) int {
	aFailed, bFailed := a.Phase == units.PhaseFailed, b.Phase == units.PhaseFailed
	if aFailed != bFailed {
		if aFailed {
			return -1
		}
		return 1
	}
	aStale, bStale := a.Version != targetVersion, b.Version != targetVersion
	if aStale != bStale {
		if aStale {
			return -1
		}
		return 1
	}
	return 0
}

func sortForTermination(records []units.UnitRecord, policy TerminationPolicy, targetVersion string) {
	sort.SliceStable(records, func(i, j int) bool {
		return policy.Less(records[i], records[j], targetVersion)
	})
}
