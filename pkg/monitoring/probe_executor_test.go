package monitoring

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

func TestStdProbeExecutor_HTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/moved":
			w.WriteHeader(http.StatusNotModified)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	executor := NewStdProbeExecutor(logging.NewNopLogger())
	record := units.UnitRecord{ID: "u1", Address: strings.TrimPrefix(server.URL, "http://")}

	tests := []struct {
		name    string
		probe   HTTPProbe
		outcome ProbeOutcome
	}{
		{name: "healthy path on unit address", probe: HTTPProbe{Path: "/healthz"}, outcome: ProbeSuccess},
		{name: "3xx is healthy", probe: HTTPProbe{Path: "moved"}, outcome: ProbeSuccess},
		{name: "5xx is unhealthy", probe: HTTPProbe{Path: "/broken"}, outcome: ProbeFailure},
		{name: "explicit URL", probe: HTTPProbe{URL: server.URL + "/healthz"}, outcome: ProbeSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := executor.Probe(context.Background(), record, ProbeConfig{Kind: ProbeKindHTTP, HTTP: tt.probe})
			assert.Equal(t, tt.outcome, result.Outcome, result.Message)
		})
	}
}

func TestStdProbeExecutor_HTTPWithoutAddress(t *testing.T) {
	executor := NewStdProbeExecutor(logging.NewNopLogger())

	result := executor.Probe(context.Background(), units.UnitRecord{ID: "u1"}, ProbeConfig{Kind: ProbeKindHTTP})

	assert.Equal(t, ProbeFailure, result.Outcome)
}

func TestStdProbeExecutor_HTTPTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	executor := NewStdProbeExecutor(logging.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := executor.Probe(ctx, units.UnitRecord{ID: "u1"}, ProbeConfig{Kind: ProbeKindHTTP, HTTP: HTTPProbe{URL: server.URL}})

	assert.Equal(t, ProbeTimeout, result.Outcome)
}

func TestStdProbeExecutor_TCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()

	executor := NewStdProbeExecutor(logging.NewNopLogger())
	record := units.UnitRecord{ID: "u1", Address: address}

	result := executor.Probe(context.Background(), record, ProbeConfig{Kind: ProbeKindTCP})
	assert.Equal(t, ProbeSuccess, result.Outcome, result.Message)

	require.NoError(t, listener.Close())
	result = executor.Probe(context.Background(), record, ProbeConfig{Kind: ProbeKindTCP})
	assert.Equal(t, ProbeFailure, result.Outcome)
}

func TestStdProbeExecutor_Exec(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exec probe test uses POSIX shell commands")
	}

	executor := NewStdProbeExecutor(logging.NewNopLogger())
	record := units.UnitRecord{ID: "u1", Version: "v2"}

	result := executor.Probe(context.Background(), record, ProbeConfig{Kind: ProbeKindExec, Exec: ExecProbe{Command: "true"}})
	assert.Equal(t, ProbeSuccess, result.Outcome)

	result = executor.Probe(context.Background(), record, ProbeConfig{Kind: ProbeKindExec, Exec: ExecProbe{Command: "false"}})
	assert.Equal(t, ProbeFailure, result.Outcome)

	result = executor.Probe(context.Background(), record, ProbeConfig{
		Kind: ProbeKindExec,
		Exec: ExecProbe{Command: "sh", Args: []string{"-c", `test "$UNIT_VERSION" = v2`}},
	})
	assert.Equal(t, ProbeSuccess, result.Outcome, result.Message)
}

func TestStdProbeExecutor_UnknownKind(t *testing.T) {
	executor := NewStdProbeExecutor(logging.NewNopLogger())

	result := executor.Probe(context.Background(), units.UnitRecord{ID: "u1"}, ProbeConfig{Kind: "grpc"})

	assert.Equal(t, ProbeFailure, result.Outcome)
	assert.Contains(t, result.Message, "unknown probe kind")
}
