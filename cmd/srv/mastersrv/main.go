package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/master"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the master configuration file" required:"true"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the master (debug feature)"`
	LogLevel    string `long:"log-level" description:"overrides the configured log level (debug, info, warn, error)"`
	LogFormat   string `long:"log-format" description:"log format (console, json)" default:"console"`
	Validate    bool   `long:"validate" description:"validate the configuration, print its summary and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		os.Exit(validate(opts.Config))
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Format = opts.LogFormat
	zapConfig.Level = opts.LogLevel
	if zapConfig.Level == "" {
		// an unreadable file is reported by the runner
		if config, err := master.LoadConfigFromFile(opts.Config); err == nil {
			zapConfig.Level = config.Master.LogLevel
		}
	}

	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(logPrefix("hsu-fleet"), logging.NewZapLogFuncs(zapLogger))

	logger.Infof("opts: %+v", opts)

	if err := master.Run(opts.RunDuration, opts.Config, logger); err != nil {
		logger.Errorf("Master failed, error: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func validate(configFile string) int {
	if err := master.ValidateConfigFile(configFile); err != nil {
		fmt.Printf("Configuration is invalid: %v\n", err)
		return 1
	}

	config, err := master.LoadConfigFromFile(configFile)
	if err != nil {
		fmt.Printf("Configuration is invalid: %v\n", err)
		return 1
	}

	summary, err := json.MarshalIndent(master.GetConfigSummary(config), "", "  ")
	if err != nil {
		fmt.Printf("Failed to render summary: %v\n", err)
		return 1
	}
	fmt.Println(string(summary))
	return 0
}
