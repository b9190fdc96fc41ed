package events

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/logging"
)

func TestMultiSink_FansOutAndStampsTime(t *testing.T) {
	first := NewRecorder()
	second := NewRecorder()
	sink := NewMultiSink(first, nil, second)

	sink.Emit(Event{Type: EventUnitCreated, Lineage: "web", UnitID: "u1"})

	require.Len(t, first.Events(), 1)
	require.Len(t, second.Events(), 1)
	assert.False(t, first.Events()[0].Time.IsZero())
}

func TestRecorder_OfType(t *testing.T) {
	recorder := NewRecorder()
	recorder.Emit(Event{Type: EventUnitCreated})
	recorder.Emit(Event{Type: EventUnitTerminated})
	recorder.Emit(Event{Type: EventUnitCreated})

	assert.Len(t, recorder.OfType(EventUnitCreated), 2)
	assert.Len(t, recorder.OfType(EventRolloutStalled), 0)
}

func TestLogSink(t *testing.T) {
	var warnings, infos []string
	logger := logging.NewLogger("", logging.LogFuncs{
		Infof: func(format string, args ...interface{}) { infos = append(infos, fmt.Sprintf(format, args...)) },
		Warnf: func(format string, args ...interface{}) { warnings = append(warnings, fmt.Sprintf(format, args...)) },
	})
	sink := NewLogSink(logger)

	sink.Emit(Event{Type: EventRolloutStalled, Lineage: "web", Message: "deadline exceeded"})
	sink.Emit(Event{Type: EventUnitCreated, Lineage: "web", UnitID: "u1", Version: "v2"})

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "rollout_stalled")
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0], "unit: u1")
}

func TestMetricsSink(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink, err := NewMetricsSink(registry)
	require.NoError(t, err)

	sink.Emit(Event{Type: EventUnitCreated, Lineage: "web", Version: "v2"})
	sink.Emit(Event{Type: EventUnitCreated, Lineage: "web", Version: "v2"})
	sink.Emit(Event{Type: EventUnitTerminated, Lineage: "web", Version: "v1"})
	sink.Emit(Event{Type: EventRolloutTransition, Lineage: "web", From: "Idle", To: "Progressing"})
	sink.Emit(Event{Type: EventRolloutTransition, Lineage: "web", From: "Progressing", To: "Completed"})
	sink.Emit(Event{Type: EventRolloutStalled, Lineage: "web"})

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.unitsCreated.WithLabelValues("web", "v2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.unitsTerminated.WithLabelValues("web", "v1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.rolloutPhase.WithLabelValues("web", "Progressing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.rolloutPhase.WithLabelValues("web", "Completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.rolloutStalls.WithLabelValues("web")))

	_, err = NewMetricsSink(registry)
	assert.Error(t, err, "registering twice must fail")
}
