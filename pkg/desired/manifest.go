package desired

import (
	"bytes"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// Manifest is the YAML form of a DesiredState, shared by the configuration
// file and the control API
type Manifest struct {
	Name             string        `yaml:"name"`
	Replicas         int           `yaml:"replicas"`
	Template         UnitTemplate  `yaml:"template"`
	MaxSurge         string        `yaml:"max_surge,omitempty"`
	MaxUnavailable   string        `yaml:"max_unavailable,omitempty"`
	ProgressDeadline time.Duration `yaml:"progress_deadline,omitempty"`
}

// DesiredState converts the manifest; surge and unavailable must parse as a count or percentage
func (m Manifest) DesiredState() (DesiredState, error) {
	surge, err := ParseIntOrPercent(m.MaxSurge)
	if err != nil {
		return DesiredState{}, errors.NewInvalidDesiredStateError("invalid max_surge", err).WithContext("name", m.Name)
	}
	unavailable, err := ParseIntOrPercent(m.MaxUnavailable)
	if err != nil {
		return DesiredState{}, errors.NewInvalidDesiredStateError("invalid max_unavailable", err).WithContext("name", m.Name)
	}
	return DesiredState{
		Name:     m.Name,
		Replicas: m.Replicas,
		Template: m.Template,
		Strategy: Strategy{
			MaxSurge:         surge,
			MaxUnavailable:   unavailable,
			ProgressDeadline: m.ProgressDeadline,
		},
	}, nil
}

func ManifestOf(d DesiredState) Manifest {
	return Manifest{
		Name:             d.Name,
		Replicas:         d.Replicas,
		Template:         d.Template,
		MaxSurge:         FormatIntOrPercent(d.Strategy.MaxSurge),
		MaxUnavailable:   FormatIntOrPercent(d.Strategy.MaxUnavailable),
		ProgressDeadline: d.Strategy.ProgressDeadline,
	}
}

// ParseManifest decodes a single manifest, rejecting unknown fields
func ParseManifest(data []byte) (Manifest, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil {
		return Manifest{}, errors.NewValidationError("failed to parse manifest", err)
	}
	return manifest, nil
}

func (m Manifest) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode manifest", err).WithContext("name", m.Name)
	}
	return data, nil
}
