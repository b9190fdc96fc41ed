// Package events carries the structured events the fleet emits to its
// observability sinks: logs, Prometheus metrics and the Postgres journal.
// Sinks only receive; nothing is read back by the control loop.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventUnitCreated         EventType = "unit_created"
	EventUnitTerminated      EventType = "unit_terminated"
	EventUnitPhaseChanged    EventType = "unit_phase_changed"
	EventHealthChanged       EventType = "health_changed"
	EventRolloutTransition   EventType = "rollout_transition"
	EventRolloutStalled      EventType = "rollout_stalled"
	EventActionFailed        EventType = "action_failed"
	EventDesiredStateApplied EventType = "desired_state_applied"
)

type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Lineage string    `json:"lineage,omitempty"`
	UnitID  string    `json:"unit_id,omitempty"`
	Version string    `json:"version,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(event Event)
}

type SinkFunc func(event Event)

func (f SinkFunc) Emit(event Event) {
	f(event)
}

type multiSink []Sink

// NewMultiSink fans events out to every non-nil sink in order
func NewMultiSink(sinks ...Sink) Sink {
	result := make(multiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			result = append(result, sink)
		}
	}
	return result
}

func (m multiSink) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	for _, sink := range m {
		sink.Emit(event)
	}
}

// NopSink drops every event
var NopSink Sink = SinkFunc(func(Event) {})

// Recorder keeps every event in memory, used by tests and the simulator
type Recorder struct {
	mutex  sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(event Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	result := make([]Event, len(r.events))
	copy(result, r.events)
	return result
}

// OfType returns the recorded events with the given type
func (r *Recorder) OfType(eventType EventType) []Event {
	var result []Event
	for _, event := range r.Events() {
		if event.Type == eventType {
			result = append(result, event)
		}
	}
	return result
}
