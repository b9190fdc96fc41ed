package logcollection

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

func newObservedService(level LogLevel) (LogCollectionService, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewLogCollectionServiceWithBackend(NewZapBackend(zap.New(core)), level, logging.NewNopLogger()), logs
}

func TestCollectFromStream_TagsLinesWithUnitIdentity(t *testing.T) {
	service, logs := newObservedService(InfoLevel)

	require.NoError(t, service.RegisterUnit("web-1", Lineage("web"), Version("v2"), PID(4242)))
	require.NoError(t, service.CollectFromStream("web-1", strings.NewReader("listening\nready\n"), StdoutStream))
	require.NoError(t, service.Stop())

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "listening", entries[0].Message)
	assert.Equal(t, "ready", entries[1].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "web-1", fields["unit_id"])
	assert.Equal(t, "web", fields["lineage"])
	assert.Equal(t, "v2", fields["version"])
	assert.Equal(t, int64(4242), fields["pid"])
	assert.Equal(t, "stdout", fields["stream"])
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}

func TestCollectFromStream_Level(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  zapcore.Level
	}{
		{DebugLevel, zapcore.DebugLevel},
		{InfoLevel, zapcore.InfoLevel},
		{WarnLevel, zapcore.WarnLevel},
		{ErrorLevel, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			service, logs := newObservedService(tt.level)
			require.NoError(t, service.RegisterUnit("u1"))
			require.NoError(t, service.CollectFromStream("u1", strings.NewReader("line\n"), StderrStream))
			require.NoError(t, service.Stop())

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Level)
			assert.Equal(t, "stderr", entries[0].ContextMap()["stream"])
		})
	}
}

func TestRegisterUnit_Errors(t *testing.T) {
	service, _ := newObservedService(InfoLevel)

	assert.True(t, errors.IsValidationError(service.RegisterUnit("")))
	require.NoError(t, service.RegisterUnit("u1"))
	assert.True(t, errors.IsConflictError(service.RegisterUnit("u1")))

	assert.True(t, errors.IsNotFoundError(service.CollectFromStream("u2", strings.NewReader(""), StdoutStream)))
	assert.True(t, errors.IsNotFoundError(service.UnregisterUnit("u2")))

	require.NoError(t, service.UnregisterUnit("u1"))
	_, err := service.GetUnitStatus("u1")
	assert.True(t, errors.IsNotFoundError(err))
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestCollectFromStream_StatusAndClose(t *testing.T) {
	service, _ := newObservedService(InfoLevel)
	require.NoError(t, service.RegisterUnit("u1"))

	stream := &closeTracker{Reader: strings.NewReader("abc\nde\n")}
	require.NoError(t, service.CollectFromStream("u1", stream, StdoutStream))
	require.NoError(t, service.Stop())

	status, err := service.GetUnitStatus("u1")
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Equal(t, int64(2), status.LinesProcessed)
	assert.Equal(t, int64(5), status.BytesProcessed)
	assert.False(t, status.LastActivity.IsZero())
	assert.True(t, stream.closed)
}

func TestUnregisterUnit_RunningReaderKeepsFields(t *testing.T) {
	service, logs := newObservedService(InfoLevel)
	require.NoError(t, service.RegisterUnit("u1", Lineage("web")))

	reader, writer := io.Pipe()
	require.NoError(t, service.CollectFromStream("u1", reader, StdoutStream))
	require.NoError(t, service.UnregisterUnit("u1"))

	fmt.Fprintln(writer, "after unregister")
	writer.Close()
	require.NoError(t, service.Stop())

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "web", entries[0].ContextMap()["lineage"])
}

type lineRecorder struct {
	mutex sync.Mutex
	lines []string
}

func (r *lineRecorder) record(level string) logging.LogFunc {
	return func(format string, args ...interface{}) {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
	}
}

func TestLoggerBackend(t *testing.T) {
	rec := &lineRecorder{}
	logger := logging.NewLogger("", logging.LogFuncs{
		Debugf: rec.record("debug"),
		Infof:  rec.record("info"),
		Warnf:  rec.record("warn"),
		Errorf: rec.record("error"),
	})

	service := NewLogCollectionService(Config{Backend: BackendLogger, Level: "warn"}, logger)
	require.NoError(t, service.RegisterUnit("web-1", Lineage("web"), Version("v1")))
	require.NoError(t, service.CollectFromStream("web-1", strings.NewReader("boom\n"), StdoutStream))
	require.NoError(t, service.Stop())

	assert.Equal(t, []string{"warn unit_id: web-1, lineage: web, version: v1, stream: stdout, line: boom"}, rec.lines)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.name))
		})
	}
}
