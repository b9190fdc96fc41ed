package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

// scriptedExecutor answers probes by HTTP path and counts calls
type scriptedExecutor struct {
	mutex    sync.Mutex
	outcomes map[string][]ProbeOutcome
	calls    map[string]int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		outcomes: make(map[string][]ProbeOutcome),
		calls:    make(map[string]int),
	}
}

// script sets the outcomes returned for path; the last one repeats
func (s *scriptedExecutor) script(path string, outcomes ...ProbeOutcome) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.outcomes[path] = outcomes
}

func (s *scriptedExecutor) Probe(_ context.Context, _ units.UnitRecord, config ProbeConfig) ProbeResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	path := config.HTTP.Path
	call := s.calls[path]
	s.calls[path]++

	outcomes := s.outcomes[path]
	if len(outcomes) == 0 {
		return ProbeResult{Outcome: ProbeSuccess}
	}
	if call >= len(outcomes) {
		call = len(outcomes) - 1
	}
	return ProbeResult{Outcome: outcomes[call], Message: path + " " + string(outcomes[call])}
}

func (s *scriptedExecutor) callCount(path string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls[path]
}

func httpProbe(path string, threshold int) *ProbeConfig {
	return &ProbeConfig{
		Kind:             ProbeKindHTTP,
		HTTP:             HTTPProbe{Path: path},
		Period:           time.Second,
		Timeout:          500 * time.Millisecond,
		FailureThreshold: threshold,
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestEvaluator(executor ProbeExecutor) (*Evaluator, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	evaluator := NewEvaluator(executor, logging.NewNopLogger())
	evaluator.SetClock(clock.Now)
	return evaluator, clock
}

func TestEvaluator_NoProbesPassesOnceRunning(t *testing.T) {
	evaluator, clock := newTestEvaluator(newScriptedExecutor())
	record := units.UnitRecord{ID: "u1", Phase: units.PhasePending, CreatedAt: clock.Now()}

	health := evaluator.Evaluate(context.Background(), record, ProbeSet{})

	assert.Equal(t, units.StartupSucceeded, health.Startup)
	assert.Equal(t, units.LivenessAlive, health.Liveness)
	assert.Equal(t, units.ReadinessReady, health.Readiness)
	assert.Equal(t, 0, health.ConsecutiveFailures)
}

func TestEvaluator_StartupFailureThreshold(t *testing.T) {
	executor := newScriptedExecutor()
	executor.script("/startup", ProbeFailure)
	evaluator, clock := newTestEvaluator(executor)

	probes := ProbeSet{Startup: httpProbe("/startup", 3), Readiness: httpProbe("/ready", 3)}
	record := units.UnitRecord{ID: "u1", Phase: units.PhasePending, CreatedAt: clock.Now()}

	for i := 1; i <= 2; i++ {
		record.Health = evaluator.Evaluate(context.Background(), record, probes)
		assert.Equal(t, units.StartupPending, record.Health.Startup)
		assert.Equal(t, units.ReadinessNotReady, record.Health.Readiness)
		assert.Equal(t, i, record.Health.ConsecutiveFailures)
		clock.Advance(time.Second)
	}

	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, units.StartupFailed, record.Health.Startup)
	assert.Equal(t, 3, record.Health.ConsecutiveFailures)

	// Gated probes never ran and a failed unit is not probed again
	clock.Advance(time.Second)
	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, 3, executor.callCount("/startup"))
	assert.Equal(t, 0, executor.callCount("/ready"))
}

func TestEvaluator_StartupGatesUntilSuccess(t *testing.T) {
	executor := newScriptedExecutor()
	executor.script("/startup", ProbeFailure, ProbeSuccess)
	evaluator, clock := newTestEvaluator(executor)

	probes := ProbeSet{Startup: httpProbe("/startup", 5), Readiness: httpProbe("/ready", 3)}
	record := units.UnitRecord{ID: "u1", Phase: units.PhasePending, CreatedAt: clock.Now()}

	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, units.StartupPending, record.Health.Startup)
	assert.Equal(t, 0, executor.callCount("/ready"))

	clock.Advance(time.Second)
	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, units.StartupSucceeded, record.Health.Startup)
	assert.Equal(t, units.ReadinessReady, record.Health.Readiness)
	assert.Equal(t, 1, executor.callCount("/ready"))
}

func TestEvaluator_ReadinessThresholds(t *testing.T) {
	executor := newScriptedExecutor()
	executor.script("/ready", ProbeSuccess, ProbeSuccess, ProbeFailure, ProbeFailure)
	evaluator, clock := newTestEvaluator(executor)

	readiness := httpProbe("/ready", 2)
	readiness.SuccessThreshold = 2
	probes := ProbeSet{Readiness: readiness}
	record := units.UnitRecord{ID: "u1", Phase: units.PhaseRunning, CreatedAt: clock.Now()}

	expected := []units.Readiness{
		units.ReadinessNotReady, // one success, threshold two
		units.ReadinessReady,
		units.ReadinessReady, // one failure, threshold two
		units.ReadinessNotReady,
	}
	for i, want := range expected {
		record.Health = evaluator.Evaluate(context.Background(), record, probes)
		assert.Equal(t, want, record.Health.Readiness, "pass %d", i+1)
		clock.Advance(time.Second)
	}
}

func TestEvaluator_LivenessDead(t *testing.T) {
	executor := newScriptedExecutor()
	executor.script("/live", ProbeSuccess, ProbeFailure)
	evaluator, clock := newTestEvaluator(executor)

	probes := ProbeSet{Liveness: httpProbe("/live", 2)}
	record := units.UnitRecord{ID: "u1", Phase: units.PhaseRunning, CreatedAt: clock.Now()}

	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, units.LivenessAlive, record.Health.Liveness)

	clock.Advance(time.Second)
	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, units.LivenessAlive, record.Health.Liveness)
	assert.Equal(t, 1, record.Health.ConsecutiveFailures)

	clock.Advance(time.Second)
	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, units.LivenessDead, record.Health.Liveness)
	assert.Equal(t, units.ReadinessNotReady, record.Health.Readiness)
}

func TestEvaluator_InitialDelayAndPeriod(t *testing.T) {
	executor := newScriptedExecutor()
	evaluator, clock := newTestEvaluator(executor)

	readiness := httpProbe("/ready", 3)
	readiness.InitialDelay = 5 * time.Second
	readiness.Period = 10 * time.Second
	probes := ProbeSet{Readiness: readiness}
	record := units.UnitRecord{ID: "u1", Phase: units.PhaseRunning, CreatedAt: clock.Now()}

	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, 0, executor.callCount("/ready"))
	assert.Equal(t, units.ReadinessNotReady, record.Health.Readiness)

	clock.Advance(5 * time.Second)
	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, 1, executor.callCount("/ready"))

	clock.Advance(5 * time.Second)
	evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, 1, executor.callCount("/ready"))

	clock.Advance(5 * time.Second)
	evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, 2, executor.callCount("/ready"))
}

func TestEvaluator_TimeoutCountsAsFailure(t *testing.T) {
	blocking := ProbeExecutorFunc(func(ctx context.Context, _ units.UnitRecord, _ ProbeConfig) ProbeResult {
		time.Sleep(200 * time.Millisecond)
		return ProbeResult{Outcome: ProbeSuccess}
	})
	evaluator, clock := newTestEvaluator(blocking)

	liveness := httpProbe("/live", 1)
	liveness.Timeout = 20 * time.Millisecond
	record := units.UnitRecord{ID: "u1", Phase: units.PhaseRunning, CreatedAt: clock.Now()}

	start := time.Now()
	health := evaluator.Evaluate(context.Background(), record, ProbeSet{Liveness: liveness})

	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, units.LivenessDead, health.Liveness)
	assert.Contains(t, health.Message, "timed out")
}

func TestEvaluator_ForgetResetsCounters(t *testing.T) {
	executor := newScriptedExecutor()
	executor.script("/live", ProbeFailure)
	evaluator, clock := newTestEvaluator(executor)

	probes := ProbeSet{Liveness: httpProbe("/live", 2)}
	record := units.UnitRecord{ID: "u1", Phase: units.PhaseRunning, CreatedAt: clock.Now()}

	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	require.Equal(t, 1, record.Health.ConsecutiveFailures)

	evaluator.Forget("u1")
	clock.Advance(time.Second)
	record.Health = evaluator.Evaluate(context.Background(), record, probes)
	assert.Equal(t, 1, record.Health.ConsecutiveFailures)
	assert.Equal(t, units.LivenessAlive, record.Health.Liveness)
}
