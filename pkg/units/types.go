package units

import (
	"time"
)

// Phase is the lifecycle phase of a unit
type Phase string

const (
	PhasePending     Phase = "Pending"
	PhaseRunning     Phase = "Running"
	PhaseTerminating Phase = "Terminating"
	PhaseFailed      Phase = "Failed"
)

// IsLive reports whether the phase counts toward the replica count
func (p Phase) IsLive() bool {
	return p == PhasePending || p == PhaseRunning
}

type Liveness string

const (
	LivenessAlive Liveness = "Alive"
	LivenessDead  Liveness = "Dead"
)

type Readiness string

const (
	ReadinessReady    Readiness = "Ready"
	ReadinessNotReady Readiness = "NotReady"
)

// StartupState tracks the startup probe gate
type StartupState string

const (
	StartupPending   StartupState = "Pending"
	StartupSucceeded StartupState = "Succeeded"
	StartupFailed    StartupState = "Failed"
)

// HealthStatus is the derived health of a unit, recomputed on each evaluation
type HealthStatus struct {
	Liveness            Liveness     `json:"liveness" yaml:"liveness"`
	Readiness           Readiness    `json:"readiness" yaml:"readiness"`
	Startup             StartupState `json:"startup" yaml:"startup"`
	ConsecutiveFailures int          `json:"consecutive_failures" yaml:"consecutive_failures"`
	Message             string       `json:"message,omitempty" yaml:"message,omitempty"`
	LastProbe           time.Time    `json:"last_probe,omitempty" yaml:"last_probe,omitempty"`
}

// InitialHealth is the status of a unit that has not been probed yet
func InitialHealth() HealthStatus {
	return HealthStatus{
		Liveness:  LivenessAlive,
		Readiness: ReadinessNotReady,
		Startup:   StartupPending,
	}
}

// FailureReason explains why a unit entered PhaseFailed
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureFailedToStart FailureReason = "FailedToStart"
	FailureLivenessDead  FailureReason = "LivenessDead"
	FailureExited        FailureReason = "Exited"
	FailureCreateError   FailureReason = "CreateError"
)

// UnitRecord is the registry's view of one worker unit
type UnitRecord struct {
	ID            string        `json:"id"`
	Lineage       string        `json:"lineage"`
	Version       string        `json:"version"`
	Phase         Phase         `json:"phase"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Health        HealthStatus  `json:"health"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	// Set by the executor that runs the unit
	PID     int    `json:"pid,omitempty"`
	Address string `json:"address,omitempty"`
}

// IsAvailable reports whether the unit is Running and Ready
func (r UnitRecord) IsAvailable() bool {
	return r.Phase == PhaseRunning && r.Health.Readiness == ReadinessReady
}

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	Lineage string
	Version string
	Phases  []Phase
}

func (f Filter) Matches(record UnitRecord) bool {
	if f.Lineage != "" && record.Lineage != f.Lineage {
		return false
	}
	if f.Version != "" && record.Version != f.Version {
		return false
	}
	if len(f.Phases) == 0 {
		return true
	}
	for _, phase := range f.Phases {
		if record.Phase == phase {
			return true
		}
	}
	return false
}

// Registry stores unit records. Implementations must be safe for concurrent use;
// List returns a snapshot and Upsert is last-writer-wins per identity.
type Registry interface {
	Upsert(record UnitRecord) error
	// Update runs fn on the stored record and stores the result if fn returns
	// true, with no other write in between. It returns the record as stored.
	Update(id string, fn UpdateFunc) (UnitRecord, error)
	Remove(id string) error
	Get(id string) (UnitRecord, error)
	List(filter Filter) []UnitRecord
}

// UpdateFunc edits record in place and reports whether to store it
type UpdateFunc func(record *UnitRecord) bool
