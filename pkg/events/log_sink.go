package events

import (
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

type logSink struct {
	logger logging.Logger
}

// NewLogSink writes every event as one log line
func NewLogSink(logger logging.Logger) Sink {
	return &logSink{logger: logger}
}

func (s *logSink) Emit(event Event) {
	switch event.Type {
	case EventRolloutStalled, EventActionFailed:
		s.logger.Warnf("Event %s, lineage: %s, unit: %s, version: %s, from: %s, to: %s, message: %s",
			event.Type, event.Lineage, event.UnitID, event.Version, event.From, event.To, event.Message)
	case EventHealthChanged:
		s.logger.Debugf("Event %s, lineage: %s, unit: %s, from: %s, to: %s",
			event.Type, event.Lineage, event.UnitID, event.From, event.To)
	default:
		s.logger.Infof("Event %s, lineage: %s, unit: %s, version: %s, from: %s, to: %s, message: %s",
			event.Type, event.Lineage, event.UnitID, event.Version, event.From, event.To, event.Message)
	}
}
