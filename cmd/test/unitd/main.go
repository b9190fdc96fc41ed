package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Host         string `long:"host" description:"host to listen on" default:"127.0.0.1"`
	PortEnv      string `long:"port-env" description:"environment variable holding the port" default:"PORT"`
	RunDuration  int    `long:"run-duration" description:"Duration in seconds to run the unit (debug feature)"`
	StartupDelay int    `long:"startup-delay" description:"Seconds before /ready reports ready (debug feature)"`
	NeverReady   bool   `long:"never-ready" description:"Never report ready (debug feature)"`
	DieAfter     int    `long:"die-after" description:"Seconds after which /healthz starts failing (debug feature)"`
	ExitCode     int    `long:"exit-code" description:"Exit code used when the run duration ends (debug feature)"`
	IgnoreTerm   bool   `long:"ignore-term" description:"Ignore termination signals (debug feature)"`
}

type unitServer struct {
	unitID  string
	version string
	ready   atomic.Bool
	alive   atomic.Bool
	logger  logging.Logger
}

func (u *unitServer) healthz(w http.ResponseWriter, r *http.Request) {
	if !u.alive.Load() {
		http.Error(w, "dead", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintf(w, "alive, id: %s, version: %s\n", u.unitID, u.version)
}

func (u *unitServer) readyz(w http.ResponseWriter, r *http.Request) {
	if !u.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintf(w, "ready, id: %s, version: %s\n", u.unitID, u.version)
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

	zapLogger, err := logging.NewZapLogger(logging.DefaultZapConfig())
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	unit := &unitServer{
		unitID:  os.Getenv("UNIT_ID"),
		version: os.Getenv("UNIT_VERSION"),
	}
	unit.logger = logging.NewLogger(fmt.Sprintf("unit: %s , ", unit.unitID), logging.NewZapLogFuncs(zapLogger))
	unit.alive.Store(true)

	logger := unit.logger
	logger.Infof("Running unitd, opts: %+v", opts)

	port := os.Getenv(opts.PortEnv)
	if port == "" {
		logger.Errorf("Port is required, env: %s", opts.PortEnv)
		os.Exit(1)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(opts.Host, port))
	if err != nil {
		logger.Errorf("Failed to listen, port: %s, error: %v", port, err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", unit.healthz)
	mux.HandleFunc("/ready", unit.readyz)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Server failed, error: %v", err)
		}
	}()

	ctx := context.Background()
	if opts.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %d seconds", opts.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	if !opts.NeverReady {
		time.AfterFunc(time.Duration(opts.StartupDelay)*time.Second, func() {
			unit.ready.Store(true)
			logger.Infof("Unit is ready, address: %s", listener.Addr())
		})
	}
	if opts.DieAfter > 0 {
		time.AfterFunc(time.Duration(opts.DieAfter)*time.Second, func() {
			unit.alive.Store(false)
			unit.ready.Store(false)
			logger.Warnf("Unit stopped reporting alive")
		})
	}

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else if opts.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	exitCode := 0
	select {
	case receivedSignal := <-sig:
		logger.Infof("Unit received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Unit run duration elapsed")
		exitCode = opts.ExitCode
	}

	unit.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Failed to shut down server, error: %v", err)
	}

	logger.Infof("Unit stopped, exit_code: %d", exitCode)
	if exitCode != 0 {
		zapLogger.Sync()
		os.Exit(exitCode)
	}
}
