// Package desired models the declared state of a lineage of units and its
// rolling-update strategy.
package desired

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/monitoring"
	"github.com/core-tools/hsu-fleet/pkg/process"
)

const (
	DefaultMaxSurge         = "25%"
	DefaultMaxUnavailable   = "25%"
	DefaultProgressDeadline = 10 * time.Minute
)

// UnitTemplate describes the units a lineage runs
type UnitTemplate struct {
	Version   string                  `yaml:"version"`
	Execution process.ExecutionConfig `yaml:"execution,omitempty"`
	Probes    monitoring.ProbeSet     `yaml:"probes,omitempty"`
}

// Strategy bounds a rolling update. Nil surge or unavailable means the default percentage.
type Strategy struct {
	MaxSurge         *intstr.IntOrString
	MaxUnavailable   *intstr.IntOrString
	ProgressDeadline time.Duration
}

// DesiredState is immutable once submitted; a change is a new DesiredState for the same Name.
type DesiredState struct {
	Name     string
	Replicas int
	Template UnitTemplate
	Strategy Strategy
}

// Bounds are the strategy resolved against the replica count
type Bounds struct {
	MaxSurge       int
	MaxUnavailable int
}

func defaultIntOrString(value string) *intstr.IntOrString {
	v := intstr.Parse(value)
	return &v
}

// WithDefaults returns a copy with the strategy defaults applied
func (d DesiredState) WithDefaults() DesiredState {
	if d.Strategy.MaxSurge == nil {
		d.Strategy.MaxSurge = defaultIntOrString(DefaultMaxSurge)
	}
	if d.Strategy.MaxUnavailable == nil {
		d.Strategy.MaxUnavailable = defaultIntOrString(DefaultMaxUnavailable)
	}
	if d.Strategy.ProgressDeadline <= 0 {
		d.Strategy.ProgressDeadline = DefaultProgressDeadline
	}
	return d
}

// Resolve scales surge (rounding up) and unavailable (rounding down) to absolute counts
func (d DesiredState) Resolve() (Bounds, error) {
	d = d.WithDefaults()

	surge, err := scaled(d.Strategy.MaxSurge, d.Replicas, true)
	if err != nil {
		return Bounds{}, errors.NewInvalidDesiredStateError("invalid max surge", err).WithContext("name", d.Name)
	}
	unavailable, err := scaled(d.Strategy.MaxUnavailable, d.Replicas, false)
	if err != nil {
		return Bounds{}, errors.NewInvalidDesiredStateError("invalid max unavailable", err).WithContext("name", d.Name)
	}
	return Bounds{MaxSurge: surge, MaxUnavailable: unavailable}, nil
}

func scaled(value *intstr.IntOrString, total int, roundUp bool) (int, error) {
	if value.Type == intstr.String && !strings.HasSuffix(value.StrVal, "%") {
		return 0, fmt.Errorf("%q is neither an integer nor a percentage", value.StrVal)
	}
	result, err := intstr.GetScaledValueFromIntOrPercent(value, total, roundUp)
	if err != nil {
		return 0, err
	}
	if result < 0 {
		return 0, fmt.Errorf("%s cannot be negative", value.String())
	}
	return result, nil
}

// Validate rejects contradictory or malformed desired states
func Validate(d DesiredState) error {
	if d.Name == "" {
		return errors.NewInvalidDesiredStateError("name is required", nil)
	}
	if d.Replicas < 0 {
		return errors.NewInvalidDesiredStateError("replicas cannot be negative", nil).
			WithContext("name", d.Name).WithContext("replicas", d.Replicas)
	}
	if d.Template.Version == "" {
		return errors.NewInvalidDesiredStateError("template version is required", nil).WithContext("name", d.Name)
	}
	if d.Strategy.ProgressDeadline < 0 {
		return errors.NewInvalidDesiredStateError("progress deadline cannot be negative", nil).WithContext("name", d.Name)
	}
	if err := monitoring.ValidateProbeSet(d.Template.Probes); err != nil {
		return errors.NewInvalidDesiredStateError("invalid probes", err).WithContext("name", d.Name)
	}

	bounds, err := d.Resolve()
	if err != nil {
		return err
	}

	if d.Replicas > 0 {
		if bounds.MaxSurge == 0 && bounds.MaxUnavailable == 0 {
			return errors.NewInvalidDesiredStateError("max surge and max unavailable cannot both be zero", nil).
				WithContext("name", d.Name)
		}
		if bounds.MaxUnavailable >= d.Replicas {
			return errors.NewInvalidDesiredStateError("max unavailable must be less than replicas", nil).
				WithContext("name", d.Name).
				WithContext("replicas", d.Replicas).
				WithContext("max_unavailable", bounds.MaxUnavailable)
		}
	}

	return nil
}

// ParseIntOrPercent parses "3" or "25%"; an empty string yields nil (use the default)
func ParseIntOrPercent(value string) (*intstr.IntOrString, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed := intstr.Parse(value)
	if _, err := scaled(&parsed, 100, true); err != nil {
		return nil, errors.NewValidationError("invalid count or percentage: "+value, err)
	}
	return &parsed, nil
}

// FormatIntOrPercent is the inverse of ParseIntOrPercent
func FormatIntOrPercent(value *intstr.IntOrString) string {
	if value == nil {
		return ""
	}
	return value.String()
}
