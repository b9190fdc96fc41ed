package logcollection

import (
	"strings"

	"go.uber.org/zap"

	"github.com/core-tools/hsu-fleet/pkg/logging"
)

type zapBackend struct {
	logger *zap.Logger
}

// NewZapBackend emits collected lines as zap entries with one zap field per LogField
func NewZapBackend(logger *zap.Logger) LoggerBackend {
	return &zapBackend{logger: logger}
}

func (z *zapBackend) LogWithFields(level LogLevel, msg string, fields ...LogField) {
	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}

	switch level {
	case DebugLevel:
		z.logger.Debug(msg, zapFields...)
	case WarnLevel:
		z.logger.Warn(msg, zapFields...)
	case ErrorLevel:
		z.logger.Error(msg, zapFields...)
	default:
		z.logger.Info(msg, zapFields...)
	}
}

func (z *zapBackend) Sync() error {
	return z.logger.Sync()
}

type loggerBackend struct {
	logger logging.Logger
}

// NewLoggerBackend renders fields into the message of a plain Logger,
// "unit_id: u1, lineage: web, line: ..."
func NewLoggerBackend(logger logging.Logger) LoggerBackend {
	return &loggerBackend{logger: logger}
}

func (l *loggerBackend) LogWithFields(level LogLevel, msg string, fields ...LogField) {
	parts := make([]string, 0, len(fields)+1)
	for _, field := range fields {
		parts = append(parts, field.String())
	}
	parts = append(parts, "line: "+msg)
	line := strings.Join(parts, ", ")

	switch level {
	case DebugLevel:
		l.logger.Debugf("%s", line)
	case WarnLevel:
		l.logger.Warnf("%s", line)
	case ErrorLevel:
		l.logger.Errorf("%s", line)
	default:
		l.logger.Infof("%s", line)
	}
}

func (l *loggerBackend) Sync() error {
	return nil
}
