package monitoring

import (
	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// ValidateProbeConfig validates a single probe
func ValidateProbeConfig(config ProbeConfig) error {
	switch config.Kind {
	case ProbeKindHTTP:
		// URL or unit address, checked at probe time
	case ProbeKindTCP:
	case ProbeKindExec:
		if config.Exec.Command == "" {
			return errors.NewValidationError("command is required for exec probe", nil)
		}
	default:
		return errors.NewValidationError("unsupported probe kind: "+string(config.Kind), nil)
	}

	if config.InitialDelay < 0 {
		return errors.NewValidationError("initial delay cannot be negative", nil)
	}
	if config.Period < 0 {
		return errors.NewValidationError("period cannot be negative", nil)
	}
	if config.Timeout < 0 {
		return errors.NewValidationError("timeout cannot be negative", nil)
	}
	if config.FailureThreshold < 0 {
		return errors.NewValidationError("failure threshold cannot be negative", nil)
	}
	if config.SuccessThreshold < 0 {
		return errors.NewValidationError("success threshold cannot be negative", nil)
	}
	if config.Period > 0 && config.Timeout > config.Period {
		return errors.NewValidationError("timeout cannot exceed period", nil)
	}

	return nil
}

// ValidateProbeSet validates every configured probe. Startup and liveness probes
// only support a success threshold of 1.
func ValidateProbeSet(set ProbeSet) error {
	if set.Startup != nil {
		if err := ValidateProbeConfig(*set.Startup); err != nil {
			return errors.NewValidationError("invalid startup probe", err)
		}
		if set.Startup.SuccessThreshold > 1 {
			return errors.NewValidationError("startup probe success threshold must be 1", nil)
		}
	}
	if set.Liveness != nil {
		if err := ValidateProbeConfig(*set.Liveness); err != nil {
			return errors.NewValidationError("invalid liveness probe", err)
		}
		if set.Liveness.SuccessThreshold > 1 {
			return errors.NewValidationError("liveness probe success threshold must be 1", nil)
		}
	}
	if set.Readiness != nil {
		if err := ValidateProbeConfig(*set.Readiness); err != nil {
			return errors.NewValidationError("invalid readiness probe", err)
		}
	}
	return nil
}
