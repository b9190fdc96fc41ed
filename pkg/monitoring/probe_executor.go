package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

type stdProbeExecutor struct {
	client *http.Client
	logger logging.Logger
}

// NewStdProbeExecutor returns the HTTP/TCP/exec probe executor
func NewStdProbeExecutor(logger logging.Logger) ProbeExecutor {
	return &stdProbeExecutor{
		client: &http.Client{},
		logger: logger,
	}
}

func (e *stdProbeExecutor) Probe(ctx context.Context, record units.UnitRecord, config ProbeConfig) ProbeResult {
	switch config.Kind {
	case ProbeKindHTTP:
		return e.probeHTTP(ctx, record, config.HTTP)
	case ProbeKindTCP:
		return e.probeTCP(ctx, record, config.TCP)
	case ProbeKindExec:
		return e.probeExec(ctx, record, config.Exec)
	default:
		return ProbeResult{Outcome: ProbeFailure, Message: "unknown probe kind: " + string(config.Kind)}
	}
}

func (e *stdProbeExecutor) probeHTTP(ctx context.Context, record units.UnitRecord, config HTTPProbe) ProbeResult {
	url := config.URL
	if url == "" {
		if record.Address == "" {
			return ProbeResult{Outcome: ProbeFailure, Message: "unit has no address for HTTP probe"}
		}
		scheme := config.Scheme
		if scheme == "" {
			scheme = "http"
		}
		path := config.Path
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		url = fmt.Sprintf("%s://%s%s", scheme, record.Address, path)
	}

	e.logger.Debugf("Performing HTTP probe, id: %s, url: %s", record.ID, url)

	method := config.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return ProbeResult{Outcome: ProbeFailure, Message: fmt.Sprintf("failed to create HTTP request: %v", err)}
	}
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return failureOrTimeout(ctx, fmt.Sprintf("HTTP request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return ProbeResult{Outcome: ProbeSuccess, Message: fmt.Sprintf("HTTP probe passed: %s", resp.Status)}
	}
	return ProbeResult{Outcome: ProbeFailure, Message: fmt.Sprintf("HTTP probe failed: %s", resp.Status)}
}

func (e *stdProbeExecutor) probeTCP(ctx context.Context, record units.UnitRecord, config TCPProbe) ProbeResult {
	address := config.Address
	if address == "" {
		address = record.Address
	}
	if address == "" {
		return ProbeResult{Outcome: ProbeFailure, Message: "unit has no address for TCP probe"}
	}

	e.logger.Debugf("Performing TCP probe, id: %s, address: %s", record.ID, address)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return failureOrTimeout(ctx, fmt.Sprintf("TCP connection failed: %v", err))
	}
	defer conn.Close()

	return ProbeResult{Outcome: ProbeSuccess, Message: fmt.Sprintf("TCP connection successful to %s", address)}
}

func (e *stdProbeExecutor) probeExec(ctx context.Context, record units.UnitRecord, config ExecProbe) ProbeResult {
	e.logger.Debugf("Performing exec probe, id: %s, command: %s, args: %v", record.ID, config.Command, config.Args)

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	cmd.Env = append(os.Environ(),
		"UNIT_ID="+record.ID,
		"UNIT_VERSION="+record.Version,
		"UNIT_ADDRESS="+record.Address,
	)

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return ProbeResult{Outcome: ProbeTimeout, Message: "exec probe timed out"}
	}
	if err != nil {
		return ProbeResult{Outcome: ProbeFailure, Message: fmt.Sprintf("exec probe failed: %v, output: %s", err, strings.TrimSpace(string(output)))}
	}
	return ProbeResult{Outcome: ProbeSuccess, Message: "exec probe passed"}
}

func failureOrTimeout(ctx context.Context, message string) ProbeResult {
	if ctx.Err() == context.DeadlineExceeded {
		return ProbeResult{Outcome: ProbeTimeout, Message: message}
	}
	return ProbeResult{Outcome: ProbeFailure, Message: message}
}
