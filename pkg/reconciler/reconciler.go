package reconciler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

const DefaultExpectationTTL = 5 * time.Minute

type Config struct {
	Policy         TerminationPolicy
	ExpectationTTL time.Duration
}

type expectation struct {
	lineage string
	version string
	issued  time.Time
}

// Reconciler wraps Plan with expectations for the actions it issued but has
// not yet observed, so repeated passes over an unchanged snapshot plan nothing new.
type Reconciler struct {
	config Config
	logger logging.Logger
	now    func() time.Time
	newID  func() string

	mutex      sync.Mutex
	creates    map[string]expectation
	terminates map[string]expectation
}

func NewReconciler(config Config, logger logging.Logger) *Reconciler {
	if config.Policy == nil {
		config.Policy = DefaultTerminationPolicy
	}
	if config.ExpectationTTL <= 0 {
		config.ExpectationTTL = DefaultExpectationTTL
	}
	return &Reconciler{
		config:     config,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
		creates:    make(map[string]expectation),
		terminates: make(map[string]expectation),
	}
}

// SetClock replaces the time source, used by tests
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Reconcile plans the next actions for in and records them as expectations.
// in.PendingTerminations and in.Policy are filled by the reconciler.
func (r *Reconciler) Reconcile(in Input) []Action {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	r.expire(now)

	observed := make(map[string]units.UnitRecord, len(in.Observed))
	for _, record := range in.Observed {
		observed[record.ID] = record
	}

	snapshot := make([]units.UnitRecord, 0, len(in.Observed)+len(r.creates))
	snapshot = append(snapshot, in.Observed...)
	for id, exp := range r.creates {
		if _, ok := observed[id]; ok {
			delete(r.creates, id)
			continue
		}
		snapshot = append(snapshot, units.UnitRecord{
			ID:        id,
			Lineage:   exp.lineage,
			Version:   exp.version,
			Phase:     units.PhasePending,
			Health:    units.InitialHealth(),
			CreatedAt: exp.issued,
		})
	}

	pending := make(map[string]struct{}, len(r.terminates))
	for id := range r.terminates {
		record, ok := observed[id]
		if !ok || record.Phase == units.PhaseTerminating {
			delete(r.terminates, id)
			continue
		}
		pending[id] = struct{}{}
	}

	in.Observed = snapshot
	in.PendingTerminations = pending
	if in.Policy == nil {
		in.Policy = r.config.Policy
	}

	actions := Plan(in)
	for i := range actions {
		switch actions[i].Kind {
		case ActionCreateUnit:
			actions[i].UnitID = r.newID()
			r.creates[actions[i].UnitID] = expectation{lineage: actions[i].Lineage, version: actions[i].Version, issued: now}
		case ActionTerminateUnit:
			r.terminates[actions[i].UnitID] = expectation{lineage: actions[i].Lineage, version: actions[i].Version, issued: now}
		}
	}

	if !IsNoOp(actions) {
		r.logger.Debugf("Planned actions, lineage: %s, mode: %s, count: %d, actions: %v", in.Lineage, in.Mode, len(actions), actions)
	}
	return actions
}

func (r *Reconciler) expire(now time.Time) {
	for id, exp := range r.creates {
		if now.Sub(exp.issued) >= r.config.ExpectationTTL {
			r.logger.Warnf("Create expectation expired, id: %s, version: %s", id, exp.version)
			delete(r.creates, id)
		}
	}
	for id, exp := range r.terminates {
		if now.Sub(exp.issued) >= r.config.ExpectationTTL {
			r.logger.Warnf("Terminate expectation expired, id: %s", id)
			delete(r.terminates, id)
		}
	}
}

// Forget clears the expectation for id, typically after the action was given up
func (r *Reconciler) Forget(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.creates, id)
	delete(r.terminates, id)
}

// Pending returns the number of outstanding create and terminate expectations
func (r *Reconciler) Pending() (creates int, terminates int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.creates), len(r.terminates)
}

// HeldMix returns the per-version count of live units as the reconciler sees
// them: observed live units of lineage, minus pending terminations, plus pending creates.
func (r *Reconciler) HeldMix(lineage string, observed []units.UnitRecord) map[string]int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	mix := make(map[string]int)
	seen := make(map[string]struct{}, len(observed))
	for _, record := range observed {
		if record.Lineage != lineage {
			continue
		}
		seen[record.ID] = struct{}{}
		if _, leaving := r.terminates[record.ID]; leaving || !record.Phase.IsLive() {
			continue
		}
		mix[record.Version]++
	}
	for id, exp := range r.creates {
		if _, ok := seen[id]; ok || exp.lineage != lineage {
			continue
		}
		mix[exp.version]++
	}
	return mix
}
