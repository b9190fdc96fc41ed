package master

import (
	"net"
	"strconv"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// ValidateLineageName validates lineage name format and constraints
func ValidateLineageName(name string) error {
	if name == "" {
		return errors.NewValidationError("lineage name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("lineage name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("lineage name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}
	return nil
}

// ValidateNetworkAddress validates a host:port listen address; the host may be empty
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if err := ValidatePort(port); err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	return nil
}

func ValidateInterval(interval time.Duration, name string) error {
	if interval < 0 {
		return errors.NewValidationError(name+" cannot be negative", nil)
	}

	if interval == 0 {
		return errors.NewValidationError(name+" cannot be zero", nil)
	}

	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
