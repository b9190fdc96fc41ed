package master

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/executor"
	"github.com/core-tools/hsu-fleet/pkg/logcollection"
	"github.com/core-tools/hsu-fleet/pkg/process"
	"github.com/core-tools/hsu-fleet/pkg/reconciler"
)

// MasterConfig represents the top-level configuration file structure
type MasterConfig struct {
	Master      MasterConfigOptions `yaml:"master"`
	Deployments []desired.Manifest  `yaml:"deployments"`
}

// MasterConfigOptions represents master-level configuration
type MasterConfigOptions struct {
	Port                 int                            `yaml:"port"`
	LogLevel             string                         `yaml:"log_level,omitempty"`
	MetricsAddress       string                         `yaml:"metrics_address,omitempty"`
	ReconcileInterval    time.Duration                  `yaml:"reconcile_interval,omitempty"`
	HealthInterval       time.Duration                  `yaml:"health_interval,omitempty"`
	HealthWorkers        int                            `yaml:"health_workers,omitempty"`
	ForceShutdownTimeout time.Duration                  `yaml:"force_shutdown_timeout,omitempty"`
	TerminationPolicy    string                         `yaml:"termination_policy,omitempty"`
	HistoryLimit         int                            `yaml:"history_limit,omitempty"`
	ActionRetry          ActionRetryConfig              `yaml:"action_retry,omitempty"`
	JournalDSN           string                         `yaml:"journal_dsn,omitempty"`
	Simulate             bool                           `yaml:"simulate,omitempty"`
	Units                executor.ProcessExecutorConfig `yaml:"units,omitempty"`
}

// ActionRetryConfig is the exponential backoff applied to every action
type ActionRetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	Factor       float64       `yaml:"factor,omitempty"`
	Jitter       float64       `yaml:"jitter,omitempty"`
	Attempts     int           `yaml:"attempts,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

const (
	DefaultPort                 = 50055
	DefaultReconcileInterval    = 2 * time.Second
	DefaultForceShutdownTimeout = 30 * time.Second
)

func (c ActionRetryConfig) DispatcherConfig() executor.DispatcherConfig {
	backoff := executor.DefaultBackoff()
	backoff.Duration = c.InitialDelay
	backoff.Factor = c.Factor
	backoff.Jitter = c.Jitter
	backoff.Steps = c.Attempts
	backoff.Cap = c.MaxDelay
	return executor.DispatcherConfig{Backoff: backoff, ActionTimeout: c.Timeout}
}

// LoadConfigFromFile loads master configuration from a YAML file
func LoadConfigFromFile(filename string) (*MasterConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}
	return ParseConfig(data)
}

// ParseConfig decodes configuration and applies defaults
func ParseConfig(data []byte) (*MasterConfig, error) {
	var config MasterConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *MasterConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateMasterConfig(&config.Master); err != nil {
		return errors.NewValidationError("invalid master configuration", err)
	}

	if err := validateDeployments(config.Deployments, config.Master.Simulate); err != nil {
		return errors.NewValidationError("invalid deployments configuration", err)
	}

	return nil
}

// DesiredStates converts the configured deployments
func (c *MasterConfig) DesiredStates() ([]desired.DesiredState, error) {
	states := make([]desired.DesiredState, 0, len(c.Deployments))
	for i, manifest := range c.Deployments {
		state, err := manifest.DesiredState()
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid deployment at index %d", i), err).
				WithContext("name", manifest.Name)
		}
		states = append(states, state)
	}
	return states, nil
}

func setConfigDefaults(config *MasterConfig) {
	master := &config.Master
	if master.Port == 0 {
		master.Port = DefaultPort
	}
	if master.LogLevel == "" {
		master.LogLevel = "info"
	}
	if master.ReconcileInterval == 0 {
		master.ReconcileInterval = DefaultReconcileInterval
	}
	if master.HealthInterval == 0 {
		master.HealthInterval = DefaultHealthInterval
	}
	if master.HealthWorkers == 0 {
		master.HealthWorkers = DefaultHealthWorkers
	}
	if master.ForceShutdownTimeout == 0 {
		master.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}

	backoff := executor.DefaultBackoff()
	retry := &master.ActionRetry
	if retry.InitialDelay == 0 {
		retry.InitialDelay = backoff.Duration
	}
	if retry.Factor == 0 {
		retry.Factor = backoff.Factor
	}
	if retry.Jitter == 0 {
		retry.Jitter = backoff.Jitter
	}
	if retry.Attempts == 0 {
		retry.Attempts = backoff.Steps
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = backoff.Cap
	}
	if retry.Timeout == 0 {
		retry.Timeout = executor.DefaultActionTimeout
	}
}

func validateMasterConfig(config *MasterConfigOptions) error {
	if err := ValidatePort(config.Port); err != nil {
		return err
	}
	if config.MetricsAddress != "" {
		if err := ValidateNetworkAddress(config.MetricsAddress); err != nil {
			return errors.NewValidationError("invalid metrics address", err)
		}
	}
	if err := ValidateInterval(config.ReconcileInterval, "reconcile interval"); err != nil {
		return err
	}
	if err := ValidateInterval(config.HealthInterval, "health interval"); err != nil {
		return err
	}
	if err := ValidateInterval(config.ForceShutdownTimeout, "force shutdown timeout"); err != nil {
		return err
	}
	if config.HealthWorkers < 0 {
		return errors.NewValidationError("health workers cannot be negative", nil)
	}
	if config.HistoryLimit < 0 {
		return errors.NewValidationError("history limit cannot be negative", nil)
	}
	if _, err := reconciler.PolicyByName(config.TerminationPolicy); err != nil {
		return err
	}

	retry := config.ActionRetry
	if retry.Attempts < 0 {
		return errors.NewValidationError("action retry attempts cannot be negative", nil)
	}
	if retry.Factor < 1 {
		return errors.NewValidationError("action retry factor must be at least 1", nil)
	}
	if retry.Jitter < 0 {
		return errors.NewValidationError("action retry jitter cannot be negative", nil)
	}
	if retry.InitialDelay < 0 || retry.MaxDelay < 0 || retry.Timeout < 0 {
		return errors.NewValidationError("action retry durations cannot be negative", nil)
	}

	if config.Units.GracePeriod < 0 {
		return errors.NewValidationError("unit grace period cannot be negative", nil)
	}
	switch config.Units.Logs.Backend {
	case "", logcollection.BackendZap, logcollection.BackendLogger:
	default:
		return errors.NewValidationError("unknown unit log backend", nil).WithContext("backend", config.Units.Logs.Backend)
	}
	return nil
}

func validateDeployments(manifests []desired.Manifest, simulate bool) error {
	seen := make(map[string]struct{}, len(manifests))
	for i, manifest := range manifests {
		if err := ValidateLineageName(manifest.Name); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid deployment at index %d", i), err)
		}
		if _, exists := seen[manifest.Name]; exists {
			return errors.NewConflictError("duplicate deployment name", nil).WithContext("name", manifest.Name)
		}
		seen[manifest.Name] = struct{}{}

		state, err := manifest.DesiredState()
		if err != nil {
			return err
		}
		if err := desired.Validate(state); err != nil {
			return err
		}
		if !simulate {
			if err := process.ValidateExecutionShape(state.Template.Execution); err != nil {
				return errors.NewValidationError("invalid execution configuration", err).WithContext("name", manifest.Name)
			}
		}
	}
	return nil
}
