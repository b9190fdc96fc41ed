package main

import (
	"context"
	"fmt"
	"os"
	"time"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	"github.com/spf13/cobra"

	"github.com/core-tools/hsu-fleet/pkg/control"
	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

// cliConfig is shared by every command and filled in by the persistent flags
type cliConfig struct {
	ServerPath   string
	AttachPort   int
	PingAttempts int
	Timeout      time.Duration
	JSONOutput bool
	Debug      bool

	logger logging.Logger
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &cliConfig{}

	rootCmd := &cobra.Command{
		Use:           "mastercli",
		Short:         "Operate the units and rollouts managed by a fleet master",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zapConfig := logging.DefaultZapConfig()
			zapConfig.Level = "warn"
			if cfg.Debug {
				zapConfig.Level = "debug"
			}
			zapLogger, err := logging.NewZapLogger(zapConfig)
			if err != nil {
				return err
			}
			cfg.logger = logging.NewLogger(logPrefix("hsu-fleet"), logging.NewZapLogFuncs(zapLogger))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfg.ServerPath, "server", "", "Path to the master executable, started when no port is given")
	rootCmd.PersistentFlags().IntVar(&cfg.AttachPort, "port", 50055, "Port of a running master to attach to")
	rootCmd.PersistentFlags().IntVar(&cfg.PingAttempts, "ping-attempts", 10, "Ping attempts while waiting for the master")
	rootCmd.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&cfg.JSONOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newStatusCommand(cfg),
		newSubmitCommand(cfg),
		newPauseCommand(cfg),
		newResumeCommand(cfg),
		newRollbackCommand(cfg),
		newGetCommand(cfg),
		newHistoryCommand(cfg),
		newUnitsCommand(cfg),
	)

	return rootCmd.Execute()
}

// withContract connects to the master, waits until it answers a ping and
// runs fn under the request timeout
func withContract(cfg *cliConfig, fn func(ctx context.Context, contract domain.Contract) error) error {
	if cfg.ServerPath == "" && cfg.AttachPort == 0 {
		return errors.NewValidationError("server path or attach port is required", nil)
	}

	coreLogger := logging.NewCoreLogger(cfg.logger)

	connectionOptions := coreControl.ConnectionOptions{
		ServerPath: cfg.ServerPath,
		AttachPort: cfg.AttachPort,
	}
	conn, err := coreControl.NewConnection(connectionOptions, coreLogger)
	if err != nil {
		return errors.NewNetworkError("failed to connect to master", err).
			WithContext("server", cfg.ServerPath).WithContext("port", cfg.AttachPort)
	}

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: cfg.PingAttempts,
		RetryInterval: 1 * time.Second,
	}
	coreGateway := coreControl.NewGRPCClientGateway(conn.GRPC(), coreLogger)
	if err := coreDomain.RetryPing(context.Background(), coreGateway, retryPingOptions, coreLogger); err != nil {
		return errors.NewNetworkError("master did not answer ping", err).WithContext("port", cfg.AttachPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	return fn(ctx, control.NewGRPCClientGateway(conn.GRPC(), cfg.logger))
}
