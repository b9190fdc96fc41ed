// Package rollout drives one lineage through rolling updates, pauses and rollbacks.
package rollout

import (
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseProgressing Phase = "Progressing"
	PhasePaused      Phase = "Paused"
	PhaseRolledBack  Phase = "RolledBack"
	PhaseCompleted   Phase = "Completed"
)

type Event string

const (
	EventSubmit          Event = "Submit"
	EventPause           Event = "Pause"
	EventResume          Event = "Resume"
	EventRollback        Event = "Rollback"
	EventConverged       Event = "Converged"
	EventRollbackApplied Event = "RollbackApplied"
)

// transitions lists the allowed moves; Submit is accepted from every phase.
var transitions = map[Phase]map[Event]Phase{
	PhaseIdle: {
		EventSubmit: PhaseProgressing,
	},
	PhaseProgressing: {
		EventSubmit:    PhaseProgressing,
		EventPause:     PhasePaused,
		EventRollback:  PhaseRolledBack,
		EventConverged: PhaseCompleted,
	},
	PhasePaused: {
		EventSubmit: PhaseProgressing,
		EventResume: PhaseProgressing,
	},
	PhaseRolledBack: {
		EventSubmit:          PhaseProgressing,
		EventPause:           PhasePaused,
		EventRollback:        PhaseRolledBack,
		EventRollbackApplied: PhaseProgressing,
	},
	PhaseCompleted: {
		EventSubmit:   PhaseProgressing,
		EventRollback: PhaseRolledBack,
	},
}

func transition(from Phase, event Event) (Phase, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return from, errors.NewConflictError("event "+string(event)+" not allowed in phase "+string(from), nil).
		WithContext("phase", from).
		WithContext("event", event)
}

// Condition reason values
const (
	ReasonProgressDeadlineExceeded = "ProgressDeadlineExceeded"
	ReasonActionFailed             = "ActionFailed"
)

type Condition struct {
	Reason  string    `json:"reason"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"`
}

type Progress struct {
	// Live units of the lineage
	Total int `json:"total"`
	// Live units at the target version
	Updated int `json:"updated"`
	// Updated units that are Running and Ready
	Ready int `json:"ready"`
	// Running and Ready units of any version
	Available   int `json:"available"`
	Unavailable int `json:"unavailable"`
}

// RolloutState is a snapshot of a lineage's rollout
type RolloutState struct {
	Lineage        string         `json:"lineage"`
	Phase          Phase          `json:"phase"`
	CurrentVersion string         `json:"current_version,omitempty"`
	TargetVersion  string         `json:"target_version,omitempty"`
	Revision       int            `json:"revision"`
	Replicas       int            `json:"replicas"`
	Progress       Progress       `json:"progress"`
	Stalled        *Condition     `json:"stalled,omitempty"`
	// Degraded is set when an action failed while no rollout was progressing
	Degraded       *Condition     `json:"degraded,omitempty"`
	Held           map[string]int `json:"held,omitempty"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
}

func (s RolloutState) copy() RolloutState {
	if s.Stalled != nil {
		stalled := *s.Stalled
		s.Stalled = &stalled
	}
	if s.Degraded != nil {
		degraded := *s.Degraded
		s.Degraded = &degraded
	}
	if s.Held != nil {
		held := make(map[string]int, len(s.Held))
		for version, count := range s.Held {
			held[version] = count
		}
		s.Held = held
	}
	return s
}

// StalledError returns a StalledRollout error while the stalled condition is set
func (s RolloutState) StalledError() error {
	if s.Stalled == nil {
		return nil
	}
	return errors.NewStalledRolloutError(s.Stalled.Message, nil).
		WithContext("lineage", s.Lineage).
		WithContext("reason", s.Stalled.Reason)
}
