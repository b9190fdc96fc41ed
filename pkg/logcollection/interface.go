package logcollection

import (
	"io"
	"time"
)

// LogLevel is the level collected lines are emitted at
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLogLevel maps a level name to a LogLevel, unknown names give InfoLevel
func ParseLogLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// StreamType identifies the unit stream a line came from
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

// LoggerBackend receives collected lines with their fields
type LoggerBackend interface {
	LogWithFields(level LogLevel, msg string, fields ...LogField)
	Sync() error
}

// LogCollectionService collects the output of unit processes and tags every
// line with the identity of the unit it came from
type LogCollectionService interface {
	// RegisterUnit sets the fields attached to every line of the unit
	RegisterUnit(unitID string, fields ...LogField) error
	UnregisterUnit(unitID string) error

	// CollectFromStream reads stream until EOF in the background, closing it
	// afterwards when it is an io.Closer
	CollectFromStream(unitID string, stream io.Reader, streamType StreamType) error

	GetUnitStatus(unitID string) (*UnitLogStatus, error)

	// Stop waits for every stream reader to finish
	Stop() error
}

// UnitLogStatus reports what has been collected from one unit
type UnitLogStatus struct {
	UnitID         string    `json:"unit_id"`
	Active         bool      `json:"active"`
	LinesProcessed int64     `json:"lines_processed"`
	BytesProcessed int64     `json:"bytes_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
