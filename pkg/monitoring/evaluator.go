package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

type probeRole string

const (
	roleStartup   probeRole = "startup"
	roleLiveness  probeRole = "liveness"
	roleReadiness probeRole = "readiness"
)

type probeCounter struct {
	successes int
	failures  int
	lastRun   time.Time
}

func (c *probeCounter) record(passed bool, now time.Time) {
	c.lastRun = now
	if passed {
		c.successes++
		c.failures = 0
	} else {
		c.failures++
		c.successes = 0
	}
}

type unitProbeState struct {
	mutex    sync.Mutex
	counters map[probeRole]*probeCounter
}

func (s *unitProbeState) counter(role probeRole) *probeCounter {
	c, ok := s.counters[role]
	if !ok {
		c = &probeCounter{}
		s.counters[role] = c
	}
	return c
}

// Evaluator applies startup/liveness/readiness semantics on top of a ProbeExecutor.
// Counters are kept per unit between calls; Evaluate is safe to call concurrently
// for different units.
type Evaluator struct {
	executor ProbeExecutor
	logger   logging.Logger
	now      func() time.Time

	mutex sync.Mutex
	units map[string]*unitProbeState
}

func NewEvaluator(executor ProbeExecutor, logger logging.Logger) *Evaluator {
	return &Evaluator{
		executor: executor,
		logger:   logger,
		now:      time.Now,
		units:    make(map[string]*unitProbeState),
	}
}

// SetClock replaces the time source, used by tests
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Forget drops the probe counters of a unit
func (e *Evaluator) Forget(id string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.units, id)
}

func (e *Evaluator) stateFor(id string) *unitProbeState {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	state, ok := e.units[id]
	if !ok {
		state = &unitProbeState{counters: make(map[probeRole]*probeCounter)}
		e.units[id] = state
	}
	return state
}

// Evaluate runs the probes that are due for record and returns its new health.
// The startup probe gates liveness and readiness; once it fails failure-threshold
// times the unit is reported as StartupFailed and no further probes run.
func (e *Evaluator) Evaluate(ctx context.Context, record units.UnitRecord, probes ProbeSet) units.HealthStatus {
	probes = probes.WithDefaults()
	now := e.now()

	health := record.Health
	if health.Liveness == "" {
		health = units.InitialHealth()
	}
	if health.Startup == units.StartupFailed || health.Liveness == units.LivenessDead {
		return health
	}

	state := e.stateFor(record.ID)
	state.mutex.Lock()
	defer state.mutex.Unlock()

	age := now.Sub(record.CreatedAt)

	if health.Startup == units.StartupPending {
		if probes.Startup == nil {
			health.Startup = units.StartupSucceeded
		} else {
			counter := state.counter(roleStartup)
			if e.isDue(counter, *probes.Startup, age, now) {
				result := e.runProbe(ctx, record, *probes.Startup)
				counter.record(result.Passed(), now)
				health.Message = result.Message
				health.LastProbe = now

				if result.Passed() {
					health.Startup = units.StartupSucceeded
					e.logger.Infof("Startup probe succeeded, id: %s", record.ID)
				} else if counter.failures >= probes.Startup.FailureThreshold {
					health.Startup = units.StartupFailed
					e.logger.Warnf("Startup probe failure threshold reached, id: %s, failures: %d, message: %s",
						record.ID, counter.failures, result.Message)
				}
			}
			health.ConsecutiveFailures = counter.failures
		}

		if health.Startup != units.StartupSucceeded {
			health.Readiness = units.ReadinessNotReady
			return health
		}
	}

	livenessFailures := 0
	if probes.Liveness == nil {
		health.Liveness = units.LivenessAlive
	} else {
		counter := state.counter(roleLiveness)
		if e.isDue(counter, *probes.Liveness, age, now) {
			result := e.runProbe(ctx, record, *probes.Liveness)
			counter.record(result.Passed(), now)
			health.Message = result.Message
			health.LastProbe = now

			if !result.Passed() {
				e.logger.Warnf("Liveness probe failed, id: %s, consecutive_failures: %d, message: %s",
					record.ID, counter.failures, result.Message)
				if counter.failures >= probes.Liveness.FailureThreshold {
					health.Liveness = units.LivenessDead
				}
			}
		}
		livenessFailures = counter.failures
	}

	readinessFailures := 0
	if health.Liveness == units.LivenessDead {
		health.Readiness = units.ReadinessNotReady
	} else if probes.Readiness == nil {
		health.Readiness = units.ReadinessReady
	} else {
		counter := state.counter(roleReadiness)
		if e.isDue(counter, *probes.Readiness, age, now) {
			result := e.runProbe(ctx, record, *probes.Readiness)
			counter.record(result.Passed(), now)
			health.Message = result.Message
			health.LastProbe = now

			if result.Passed() && counter.successes >= probes.Readiness.SuccessThreshold {
				health.Readiness = units.ReadinessReady
			} else if !result.Passed() && counter.failures >= probes.Readiness.FailureThreshold {
				health.Readiness = units.ReadinessNotReady
			}
		}
		readinessFailures = counter.failures
	}

	health.ConsecutiveFailures = max(livenessFailures, readinessFailures)
	return health
}

func (e *Evaluator) isDue(counter *probeCounter, config ProbeConfig, age time.Duration, now time.Time) bool {
	if age < config.InitialDelay {
		return false
	}
	return counter.lastRun.IsZero() || now.Sub(counter.lastRun) >= config.Period
}

// runProbe bounds the executor call by the probe timeout even if the executor ignores ctx
func (e *Evaluator) runProbe(ctx context.Context, record units.UnitRecord, config ProbeConfig) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	done := make(chan ProbeResult, 1)
	go func() {
		done <- e.executor.Probe(probeCtx, record, config)
	}()

	select {
	case result := <-done:
		if result.Outcome == ProbeTimeout {
			e.logger.Debugf("Probe timed out, id: %s, kind: %s, timeout: %v", record.ID, config.Kind, config.Timeout)
		}
		return result
	case <-probeCtx.Done():
		e.logger.Debugf("Probe timed out, id: %s, kind: %s, timeout: %v", record.ID, config.Kind, config.Timeout)
		return ProbeResult{Outcome: ProbeTimeout, Message: "probe timed out after " + config.Timeout.String()}
	}
}
