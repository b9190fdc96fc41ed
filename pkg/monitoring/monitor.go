package monitoring

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/events"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

// ProbeSource returns the probes of the template a unit was created from
type ProbeSource func(record units.UnitRecord) (ProbeSet, bool)

type HealthMonitorConfig struct {
	Interval time.Duration
	Workers  int
}

const (
	DefaultMonitorInterval = 1 * time.Second
	DefaultMonitorWorkers  = 16
)

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	EvaluateOnce(ctx context.Context) error
}

type healthMonitor struct {
	config    HealthMonitorConfig
	registry  units.Registry
	evaluator *Evaluator
	probes    ProbeSource
	sink      events.Sink
	logger    logging.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHealthMonitor(config HealthMonitorConfig, registry units.Registry, evaluator *Evaluator, probes ProbeSource, sink events.Sink, logger logging.Logger) HealthMonitor {
	if config.Interval <= 0 {
		config.Interval = DefaultMonitorInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultMonitorWorkers
	}
	if sink == nil {
		sink = events.NopSink
	}
	return &healthMonitor{
		config:    config,
		registry:  registry,
		evaluator: evaluator,
		probes:    probes,
		sink:      sink,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

func (h *healthMonitor) Start(ctx context.Context) error {
	if h.registry == nil || h.evaluator == nil || h.probes == nil {
		return errors.NewValidationError("health monitor requires registry, evaluator and probe source", nil)
	}

	h.logger.Infof("Starting health monitor, interval: %v, workers: %d", h.config.Interval, h.config.Workers)

	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

func (h *healthMonitor) Stop() {
	h.logger.Infof("Stopping health monitor")
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	h.wg.Wait()
	h.logger.Infof("Health monitor stopped")
}

func (h *healthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.EvaluateOnce(ctx); err != nil {
				h.logger.Warnf("Health evaluation pass failed, error: %v", err)
			}
		case <-h.stopChan:
			h.logger.Debugf("Health monitor loop stopping")
			return
		case <-ctx.Done():
			h.logger.Debugf("Health monitor loop cancelled")
			return
		}
	}
}

// EvaluateOnce probes every live unit once, in parallel
func (h *healthMonitor) EvaluateOnce(ctx context.Context) error {
	records := h.registry.List(units.Filter{Phases: []units.Phase{units.PhasePending, units.PhaseRunning}})

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(h.config.Workers)

	for _, record := range records {
		group.Go(func() error {
			h.evaluateUnit(groupCtx, record)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errors.NewCancelledError("health evaluation cancelled", ctx.Err())
	}
	return nil
}

func (h *healthMonitor) evaluateUnit(ctx context.Context, record units.UnitRecord) {
	probes, ok := h.probes(record)
	if !ok {
		h.logger.Debugf("No template for unit, skipping health evaluation, id: %s, lineage: %s", record.ID, record.Lineage)
		return
	}

	health := h.evaluator.Evaluate(ctx, record, probes)
	if ctx.Err() != nil {
		return
	}

	// The unit may have changed while probes ran; only a live record takes the result
	var previous units.UnitRecord
	applied := false
	current, err := h.registry.Update(record.ID, func(current *units.UnitRecord) bool {
		if !current.Phase.IsLive() {
			return false
		}
		previous = *current
		applyHealth(current, health)
		applied = true
		return true
	})
	if errors.IsNotFoundError(err) {
		h.evaluator.Forget(record.ID)
		return
	}
	if err != nil {
		h.logger.Errorf("Failed to store health, id: %s, error: %v", record.ID, err)
		return
	}
	if !applied {
		return
	}

	h.emitChanges(previous, current)
}

func applyHealth(record *units.UnitRecord, health units.HealthStatus) {
	record.Health = health

	switch {
	case health.Startup == units.StartupFailed:
		record.Phase = units.PhaseFailed
		record.FailureReason = units.FailureFailedToStart
	case health.Liveness == units.LivenessDead:
		record.Phase = units.PhaseFailed
		record.FailureReason = units.FailureLivenessDead
	case record.Phase == units.PhasePending && health.Startup == units.StartupSucceeded:
		record.Phase = units.PhaseRunning
	}
}

func (h *healthMonitor) emitChanges(previous, current units.UnitRecord) {
	if previous.Health.Readiness != current.Health.Readiness ||
		previous.Health.Liveness != current.Health.Liveness ||
		previous.Health.Startup != current.Health.Startup {
		h.sink.Emit(events.Event{
			Type:    events.EventHealthChanged,
			Lineage: current.Lineage,
			UnitID:  current.ID,
			Version: current.Version,
			From:    healthSummary(previous.Health),
			To:      healthSummary(current.Health),
			Message: current.Health.Message,
		})
	}

	if previous.Phase != current.Phase {
		if current.Phase == units.PhaseFailed {
			h.logger.Warnf("Unit failed, id: %s, lineage: %s, reason: %s, message: %s",
				current.ID, current.Lineage, current.FailureReason, current.Health.Message)
		} else {
			h.logger.Infof("Unit phase changed, id: %s, lineage: %s, from: %s, to: %s",
				current.ID, current.Lineage, previous.Phase, current.Phase)
		}
		h.sink.Emit(events.Event{
			Type:    events.EventUnitPhaseChanged,
			Lineage: current.Lineage,
			UnitID:  current.ID,
			Version: current.Version,
			From:    string(previous.Phase),
			To:      string(current.Phase),
			Message: string(current.FailureReason),
		})
	}
}

func healthSummary(health units.HealthStatus) string {
	return string(health.Startup) + "/" + string(health.Liveness) + "/" + string(health.Readiness)
}
