package master

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/events"
	"github.com/core-tools/hsu-fleet/pkg/events/pgjournal"
	"github.com/core-tools/hsu-fleet/pkg/executor"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/monitoring"
	"github.com/core-tools/hsu-fleet/pkg/reconciler"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

func Run(runDuration int, configFile string, logger logging.Logger) error {
	logger.Infof("Master runner starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using CONFIGURATION FILE: %s", configFile)

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	logger.Infof("Configuration loaded successfully, port: %d, deployments: %d, simulate: %t",
		config.Master.Port, len(config.Deployments), config.Master.Simulate)

	states, err := config.DesiredStates()
	if err != nil {
		return err
	}
	policy, err := reconciler.PolicyByName(config.Master.TerminationPolicy)
	if err != nil {
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsSink, err := events.NewMetricsSink(metricsRegistry)
	if err != nil {
		return errors.NewInternalError("failed to register metrics", err)
	}
	sinks := []events.Sink{events.NewLogSink(logging.WithPrefix(logger, "events")), metricsSink}

	if config.Master.JournalDSN != "" {
		journal, err := pgjournal.Open(ctx, config.Master.JournalDSN, logger)
		if err != nil {
			return err
		}
		journal.Start(ctx)
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Errorf("Failed to close event journal, error: %v", err)
			}
		}()
		sinks = append(sinks, journal)
		logger.Infof("Event journal is ENABLED")
	}

	var metricsServer *MetricsServer
	if config.Master.MetricsAddress != "" {
		metricsServer = NewMetricsServer(config.Master.MetricsAddress, metricsRegistry, logger)
		if err := metricsServer.Start(); err != nil {
			return errors.NewNetworkError("failed to start metrics server", err)
		}
	}

	registry := units.NewMemoryRegistry()
	var unitExecutor executor.Executor
	var probeExecutor monitoring.ProbeExecutor
	if config.Master.Simulate {
		logger.Infof("Running in SIMULATION mode, units are not started")
		simulated := executor.NewSimulatedExecutor(registry)
		unitExecutor, probeExecutor = simulated, simulated
	} else {
		processExecutor := executor.NewProcessExecutor(config.Master.Units, registry, logging.WithPrefix(logger, "units"))
		if killed, err := processExecutor.CleanupOrphans(); err != nil {
			logger.Warnf("Failed to clean up orphan units, error: %v", err)
		} else if killed > 0 {
			logger.Infof("Cleaned up orphan units, count: %d", killed)
		}
		unitExecutor = processExecutor
		probeExecutor = monitoring.NewStdProbeExecutor(logger)
	}

	master, err := NewMaster(MasterOptions{
		Port:                 config.Master.Port,
		ReconcileInterval:    config.Master.ReconcileInterval,
		HealthInterval:       config.Master.HealthInterval,
		HealthWorkers:        config.Master.HealthWorkers,
		ForceShutdownTimeout: config.Master.ForceShutdownTimeout,
		HistoryLimit:         config.Master.HistoryLimit,
		TerminationPolicy:    policy,
		Dispatcher:           config.Master.ActionRetry.DispatcherConfig(),
	}, registry, unitExecutor, probeExecutor, events.NewMultiSink(sinks...), logger)
	if err != nil {
		return errors.NewInternalError("failed to create master", err)
	}

	for _, state := range states {
		if _, err := master.Submit(ctx, state); err != nil {
			return errors.NewValidationError("failed to submit deployment", err).WithContext("name", state.Name)
		}
		logger.Infof("Submitted deployment: %s", state.Name)
	}

	if err := master.Start(ctx); err != nil {
		return err
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	logger.Infof("Master is ready")

	select {
	case receivedSignal := <-sig:
		logger.Infof("Master runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Master runner timed out")
	}

	// fresh context so shutdown is not cut short by the run duration
	master.Stop(context.Background())

	if metricsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := metricsServer.Stop(stopCtx); err != nil {
			logger.Warnf("Failed to stop metrics server, error: %v", err)
		}
	}

	logger.Infof("Master runner stopped")
	return nil
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return nil
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	MasterPort  int                 `json:"master_port"`
	LogLevel    string              `json:"log_level"`
	Simulate    bool                `json:"simulate"`
	Deployments []DeploymentSummary `json:"deployments"`
	Error       string              `json:"error,omitempty"`
}

type DeploymentSummary struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Replicas       int    `json:"replicas"`
	ExecutablePath string `json:"executable_path,omitempty"`
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *MasterConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		MasterPort:  config.Master.Port,
		LogLevel:    config.Master.LogLevel,
		Simulate:    config.Master.Simulate,
		Deployments: make([]DeploymentSummary, 0, len(config.Deployments)),
	}
	for _, manifest := range config.Deployments {
		summary.Deployments = append(summary.Deployments, DeploymentSummary{
			Name:           manifest.Name,
			Version:        manifest.Template.Version,
			Replicas:       manifest.Replicas,
			ExecutablePath: manifest.Template.Execution.ExecutablePath,
		})
	}
	return summary
}
