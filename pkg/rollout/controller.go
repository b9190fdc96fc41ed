package rollout

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/events"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/reconciler"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

type ControllerConfig struct {
	HistoryLimit int
}

// Controller owns the RolloutState of one lineage. Step is expected to be
// called from a single loop; the command methods may be called concurrently.
type Controller struct {
	lineage    string
	reconciler *reconciler.Reconciler
	sink       events.Sink
	logger     logging.Logger
	now        func() time.Time

	mutex        sync.Mutex
	state        RolloutState
	desired      desired.DesiredState
	bounds       desired.Bounds
	history      history
	progressMark int
	lastProgress time.Time
}

func NewController(lineage string, config ControllerConfig, rec *reconciler.Reconciler, sink events.Sink, logger logging.Logger) *Controller {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if sink == nil {
		sink = events.NopSink
	}
	return &Controller{
		lineage:    lineage,
		reconciler: rec,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
		state:      RolloutState{Lineage: lineage, Phase: PhaseIdle},
		history:    history{limit: config.HistoryLimit},
	}
}

// SetClock replaces the time source, used by tests
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Controller) Lineage() string {
	return c.lineage
}

// State returns a copy of the current rollout state
func (c *Controller) State() RolloutState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state.copy()
}

// Desired returns the desired state being rolled out, false while Idle
func (c *Controller) Desired() (desired.DesiredState, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.desired, c.state.Phase != PhaseIdle
}

func (c *Controller) Revisions() []Revision {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.history.list()
}

// TemplateFor returns the template a version was rolled out with
func (c *Controller) TemplateFor(version string) (desired.UnitTemplate, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.history.forVersion(version)
}

// Submit validates d and starts rolling toward it
func (c *Controller) Submit(d desired.DesiredState) (RolloutState, error) {
	if d.Name != c.lineage {
		return RolloutState{}, errors.NewInvalidDesiredStateError("desired state name does not match lineage", nil).
			WithContext("name", d.Name).WithContext("lineage", c.lineage)
	}
	if err := desired.Validate(d); err != nil {
		return RolloutState{}, err
	}
	d = d.WithDefaults()
	bounds, err := d.Resolve()
	if err != nil {
		return RolloutState{}, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	revision := c.history.record(d.Template, now)
	c.apply(d, bounds, revision, now)

	c.logger.Infof("Desired state submitted, lineage: %s, version: %s, replicas: %d, revision: %d, max_surge: %d, max_unavailable: %d",
		c.lineage, d.Template.Version, d.Replicas, revision.Number, bounds.MaxSurge, bounds.MaxUnavailable)
	c.sink.Emit(events.Event{
		Type:    events.EventDesiredStateApplied,
		Lineage: c.lineage,
		Version: d.Template.Version,
		Message: fmt.Sprintf("revision %d, replicas %d", revision.Number, d.Replicas),
	})

	c.fire(EventSubmit, "submitted", now)
	return c.state.copy(), nil
}

// apply installs a new target and restarts rollout bookkeeping; caller holds the lock
func (c *Controller) apply(d desired.DesiredState, bounds desired.Bounds, revision Revision, now time.Time) {
	c.desired = d
	c.bounds = bounds
	c.state.TargetVersion = d.Template.Version
	c.state.Replicas = d.Replicas
	c.state.Revision = revision.Number
	c.state.Held = nil
	c.state.StartedAt = now
	c.state.CompletedAt = time.Time{}
	c.clearStall()
	c.state.Degraded = nil
	c.progressMark = 0
	c.lastProgress = now
}

// Pause holds the current version mix; observed is the registry snapshot
func (c *Controller) Pause(observed []units.UnitRecord) (RolloutState, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, err := transition(c.state.Phase, EventPause); err != nil {
		return c.state.copy(), err
	}

	c.state.Held = c.reconciler.HeldMix(c.lineage, observed)
	c.clearStall()
	c.logger.Infof("Rollout paused, lineage: %s, held: %v", c.lineage, c.state.Held)
	c.fire(EventPause, "paused", c.now())
	return c.state.copy(), nil
}

func (c *Controller) Resume() (RolloutState, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, err := transition(c.state.Phase, EventResume); err != nil {
		return c.state.copy(), err
	}

	now := c.now()
	c.state.Held = nil
	c.clearStall()
	c.lastProgress = now
	c.logger.Infof("Rollout resumed, lineage: %s", c.lineage)
	c.fire(EventResume, "resumed", now)
	return c.state.copy(), nil
}

// Rollback reinstates the template of revision (0 for the previous one) as a new
// revision, keeping the current replicas and strategy.
func (c *Controller) Rollback(revision int) (RolloutState, error) {
	if revision < 0 {
		return RolloutState{}, errors.NewValidationError("revision cannot be negative", nil).WithContext("revision", revision)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, err := transition(c.state.Phase, EventRollback); err != nil {
		return c.state.copy(), err
	}

	target, err := c.history.find(revision)
	if err != nil {
		return c.state.copy(), err
	}
	if latest, ok := c.history.latest(); ok && latest.Number == target.Number {
		return c.state.copy(), errors.NewConflictError("already at revision", nil).WithContext("revision", target.Number)
	}

	now := c.now()
	d := c.desired
	d.Template = target.Template
	recorded := c.history.record(target.Template, now)
	c.apply(d, c.bounds, recorded, now)

	c.logger.Infof("Rolling back, lineage: %s, to_revision: %d, version: %s, new_revision: %d",
		c.lineage, target.Number, target.Version, recorded.Number)
	c.fire(EventRollback, fmt.Sprintf("rollback to revision %d", target.Number), now)
	return c.state.copy(), nil
}

// ReportActionFailed is called when the dispatcher gave up on an action
func (c *Controller) ReportActionFailed(action reconciler.Action, cause error) {
	c.reconciler.Forget(action.UnitID)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.sink.Emit(events.Event{
		Type:    events.EventActionFailed,
		Lineage: c.lineage,
		UnitID:  action.UnitID,
		Version: action.Version,
		Message: fmt.Sprintf("%s: %v", action.Kind, cause),
	})

	message := fmt.Sprintf("%s %s gave up: %v", action.Kind, action.UnitID, cause)
	if c.state.Phase != PhaseProgressing {
		c.logger.Warnf("Action failed outside a rollout, lineage: %s, action: %s, error: %v", c.lineage, action, cause)
		c.degrade(ReasonActionFailed, message, c.now())
		return
	}
	c.stall(ReasonActionFailed, message, c.now())
}

// Step observes the lineage's units and returns the next actions to dispatch
func (c *Controller) Step(observed []units.UnitRecord) []reconciler.Action {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state.Phase == PhaseIdle {
		return nil
	}

	now := c.now()
	if c.state.Phase == PhaseRolledBack {
		c.fire(EventRollbackApplied, "rollback applied", now)
	}

	progress := c.progress(observed)
	c.state.Progress = progress
	c.state.UpdatedAt = now
	c.clearDegraded(progress)

	mode := reconciler.ModeRolling
	switch c.state.Phase {
	case PhasePaused:
		mode = reconciler.ModeHold
	case PhaseProgressing:
		if progress.Ready > c.progressMark {
			c.progressMark = progress.Ready
			c.lastProgress = now
		}
		switch {
		case c.converged(progress):
			c.state.CurrentVersion = c.state.TargetVersion
			c.state.CompletedAt = now
			c.clearStall()
			c.fire(EventConverged, "all units updated and ready", now)
		case c.state.Stalled == nil && now.Sub(c.lastProgress) > c.desired.Strategy.ProgressDeadline:
			c.stall(ReasonProgressDeadlineExceeded,
				fmt.Sprintf("%d of %d units at %s ready after %v", progress.Ready, c.desired.Replicas, c.state.TargetVersion, c.desired.Strategy.ProgressDeadline), now)
		}
		if c.state.Stalled != nil {
			mode = reconciler.ModeHalted
		}
	}

	return c.reconciler.Reconcile(reconciler.Input{
		Lineage:  c.lineage,
		Replicas: c.desired.Replicas,
		Version:  c.desired.Template.Version,
		Bounds:   c.bounds,
		Mode:     mode,
		Held:     c.state.Held,
		Observed: observed,
	})
}

func (c *Controller) converged(progress Progress) bool {
	return progress.Total == c.desired.Replicas &&
		progress.Updated == c.desired.Replicas &&
		progress.Ready == c.desired.Replicas
}

func (c *Controller) progress(observed []units.UnitRecord) Progress {
	var progress Progress
	for _, record := range observed {
		if record.Lineage != c.lineage || !record.Phase.IsLive() {
			continue
		}
		progress.Total++
		if record.IsAvailable() {
			progress.Available++
		}
		if record.Version == c.state.TargetVersion {
			progress.Updated++
			if record.IsAvailable() {
				progress.Ready++
			}
		}
	}
	progress.Unavailable = max(0, c.desired.Replicas-progress.Available)
	return progress
}

// fire applies event and emits the transition; caller holds the lock
func (c *Controller) fire(event Event, message string, now time.Time) {
	from := c.state.Phase
	to, err := transition(from, event)
	if err != nil {
		c.logger.Errorf("Invalid rollout transition, lineage: %s, error: %v", c.lineage, err)
		return
	}
	c.state.Phase = to
	c.state.UpdatedAt = now

	c.logger.Infof("Rollout transition, lineage: %s, event: %s, from: %s, to: %s, target: %s",
		c.lineage, event, from, to, c.state.TargetVersion)
	c.sink.Emit(events.Event{
		Type:    events.EventRolloutTransition,
		Lineage: c.lineage,
		Version: c.state.TargetVersion,
		From:    string(from),
		To:      string(to),
		Message: message,
	})
}

func (c *Controller) stall(reason, message string, now time.Time) {
	if c.state.Stalled != nil {
		return
	}
	c.state.Stalled = &Condition{Reason: reason, Message: message, Since: now}

	c.logger.Warnf("Rollout stalled, lineage: %s, reason: %s, message: %s", c.lineage, reason, message)
	c.sink.Emit(events.Event{
		Type:    events.EventRolloutStalled,
		Lineage: c.lineage,
		Version: c.state.TargetVersion,
		From:    string(c.state.Phase),
		To:      reason,
		Message: message,
	})
}

func (c *Controller) clearStall() {
	c.state.Stalled = nil
}

// degrade records the latest failure; the lineage keeps reconciling
func (c *Controller) degrade(reason, message string, now time.Time) {
	c.state.Degraded = &Condition{Reason: reason, Message: message, Since: now}
	c.state.UpdatedAt = now
}

// clearDegraded drops the condition once the lineage is back at full strength
func (c *Controller) clearDegraded(progress Progress) {
	if c.state.Degraded == nil {
		return
	}
	if progress.Total == c.desired.Replicas && progress.Available == c.desired.Replicas {
		c.logger.Infof("Lineage recovered, lineage: %s, reason: %s", c.lineage, c.state.Degraded.Reason)
		c.state.Degraded = nil
	}
}
