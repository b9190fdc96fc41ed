package logcollection

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const (
	BackendZap    = "zap"
	BackendLogger = "logger"
)

// Config selects where unit output goes. The zap backend writes structured
// entries of its own; the logger backend folds the fields into master log lines.
type Config struct {
	Backend string `yaml:"backend,omitempty"`
	// Level collected lines are emitted at
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	Output string `yaml:"output,omitempty"`
}

type logCollectionService struct {
	backend LoggerBackend
	level   LogLevel
	logger  logging.Logger

	mutex sync.Mutex
	units map[string]*unitLogCollector
	wg    sync.WaitGroup
}

type unitLogCollector struct {
	unitID string
	fields []LogField

	mutex          sync.Mutex
	readers        int
	linesProcessed int64
	bytesProcessed int64
	lastActivity   time.Time
}

// NewLogCollectionService builds the backend named by config. A zap backend
// that cannot be built falls back to logger.
func NewLogCollectionService(config Config, logger logging.Logger) LogCollectionService {
	var backend LoggerBackend
	switch config.Backend {
	case BackendLogger:
		backend = NewLoggerBackend(logger)
	default:
		zapConfig := logging.DefaultZapConfig()
		zapConfig.Level = "debug"
		if config.Format != "" {
			zapConfig.Format = config.Format
		}
		if config.Output != "" {
			zapConfig.Output = config.Output
		}
		zapLogger, err := logging.NewZapLogger(zapConfig)
		if err != nil {
			logger.Warnf("Failed to create unit log backend, falling back to master log, error: %v", err)
			backend = NewLoggerBackend(logger)
		} else {
			backend = NewZapBackend(zapLogger.Named("units"))
		}
	}
	return NewLogCollectionServiceWithBackend(backend, ParseLogLevel(config.Level), logger)
}

func NewLogCollectionServiceWithBackend(backend LoggerBackend, level LogLevel, logger logging.Logger) LogCollectionService {
	return &logCollectionService{
		backend: backend,
		level:   level,
		logger:  logger,
		units:   make(map[string]*unitLogCollector),
	}
}

func (s *logCollectionService) RegisterUnit(unitID string, fields ...LogField) error {
	if unitID == "" {
		return errors.NewValidationError("unit id is required", nil)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.units[unitID]; exists {
		return errors.NewConflictError("unit already registered", nil).WithContext("id", unitID)
	}
	s.units[unitID] = &unitLogCollector{
		unitID: unitID,
		fields: append([]LogField{UnitID(unitID)}, fields...),
	}
	return nil
}

// UnregisterUnit forgets the unit; readers already running finish with their fields
func (s *logCollectionService) UnregisterUnit(unitID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.units[unitID]; !exists {
		return errors.NewNotFoundError("unit not registered", nil).WithContext("id", unitID)
	}
	delete(s.units, unitID)
	return nil
}

func (s *logCollectionService) CollectFromStream(unitID string, stream io.Reader, streamType StreamType) error {
	collector, err := s.getUnit(unitID)
	if err != nil {
		return err
	}

	collector.mutex.Lock()
	collector.readers++
	collector.mutex.Unlock()

	s.wg.Add(1)
	go s.streamReader(collector, stream, streamType)
	return nil
}

func (s *logCollectionService) streamReader(collector *unitLogCollector, stream io.Reader, streamType StreamType) {
	defer s.wg.Done()
	if closer, ok := stream.(io.Closer); ok {
		defer closer.Close()
	}

	fields := append(append([]LogField(nil), collector.fields...), Stream(streamType))

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := scanner.Text()

		collector.mutex.Lock()
		collector.linesProcessed++
		collector.bytesProcessed += int64(len(line))
		collector.lastActivity = time.Now()
		collector.mutex.Unlock()

		s.backend.LogWithFields(s.level, line, fields...)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debugf("Unit output stream ended, id: %s, error: %v", collector.unitID, err)
	}

	collector.mutex.Lock()
	collector.readers--
	collector.mutex.Unlock()
}

func (s *logCollectionService) GetUnitStatus(unitID string) (*UnitLogStatus, error) {
	collector, err := s.getUnit(unitID)
	if err != nil {
		return nil, err
	}

	collector.mutex.Lock()
	defer collector.mutex.Unlock()

	return &UnitLogStatus{
		UnitID:         unitID,
		Active:         collector.readers > 0,
		LinesProcessed: collector.linesProcessed,
		BytesProcessed: collector.bytesProcessed,
		LastActivity:   collector.lastActivity,
	}, nil
}

func (s *logCollectionService) Stop() error {
	s.wg.Wait()
	return s.backend.Sync()
}

func (s *logCollectionService) getUnit(unitID string) (*unitLogCollector, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	collector, exists := s.units[unitID]
	if !exists {
		return nil, errors.NewNotFoundError("unit not registered", nil).WithContext("id", unitID)
	}
	return collector, nil
}
