package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink turns events into Prometheus metrics
type MetricsSink struct {
	unitsCreated       *prometheus.CounterVec
	unitsTerminated    *prometheus.CounterVec
	phaseTransitions   *prometheus.CounterVec
	healthChanges      *prometheus.CounterVec
	rolloutTransitions *prometheus.CounterVec
	rolloutStalls      *prometheus.CounterVec
	actionFailures     *prometheus.CounterVec
	rolloutPhase       *prometheus.GaugeVec
}

// NewMetricsSink creates the collectors and registers them with registerer
func NewMetricsSink(registerer prometheus.Registerer) (*MetricsSink, error) {
	s := &MetricsSink{
		unitsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hsu_fleet_units_created_total",
			Help: "Total number of units created",
		}, []string{"lineage", "version"}),
		unitsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hsu_fleet_units_terminated_total",
			Help: "Total number of units terminated",
		}, []string{"lineage", "version"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hsu_fleet_unit_phase_transitions_total",
			Help: "Total number of unit lifecycle phase transitions",
		}, []string{"lineage", "to"}),
		healthChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hsu_fleet_health_changes_total",
			Help: "Total number of unit health status changes",
		}, []string{"lineage", "to"}),
		rolloutTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hsu_fleet_rollout_transitions_total",
			Help: "Total number of rollout phase transitions",
		}, []string{"lineage", "to"}),
		rolloutStalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hsu_fleet_rollout_stalled_total",
			Help: "Total number of times a rollout was marked stalled",
		}, []string{"lineage"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hsu_fleet_action_failures_total",
			Help: "Total number of actions that exhausted their retries",
		}, []string{"lineage"}),
		rolloutPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hsu_fleet_rollout_phase",
			Help: "Current rollout phase per lineage (1 for the active phase)",
		}, []string{"lineage", "phase"}),
	}

	collectors := []prometheus.Collector{
		s.unitsCreated, s.unitsTerminated, s.phaseTransitions, s.healthChanges,
		s.rolloutTransitions, s.rolloutStalls, s.actionFailures, s.rolloutPhase,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MetricsSink) Emit(event Event) {
	switch event.Type {
	case EventUnitCreated:
		s.unitsCreated.WithLabelValues(event.Lineage, event.Version).Inc()
	case EventUnitTerminated:
		s.unitsTerminated.WithLabelValues(event.Lineage, event.Version).Inc()
	case EventUnitPhaseChanged:
		s.phaseTransitions.WithLabelValues(event.Lineage, event.To).Inc()
	case EventHealthChanged:
		s.healthChanges.WithLabelValues(event.Lineage, event.To).Inc()
	case EventRolloutTransition:
		s.rolloutTransitions.WithLabelValues(event.Lineage, event.To).Inc()
		if event.From != "" {
			s.rolloutPhase.WithLabelValues(event.Lineage, event.From).Set(0)
		}
		s.rolloutPhase.WithLabelValues(event.Lineage, event.To).Set(1)
	case EventRolloutStalled:
		s.rolloutStalls.WithLabelValues(event.Lineage).Inc()
	case EventActionFailed:
		s.actionFailures.WithLabelValues(event.Lineage).Inc()
	}
}
