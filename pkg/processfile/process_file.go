package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const (
	DefaultAppName = "hsu-fleet"
	pidFileSuffix  = ".pid"
)

// ServiceContext selects the OS default directory when Config.Directory is empty
type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

// Config controls where unit PID files are kept
type Config struct {
	Enabled        bool           `yaml:"enabled"`
	Directory      string         `yaml:"directory,omitempty"`
	ServiceContext ServiceContext `yaml:"service_context,omitempty"`
	AppName        string         `yaml:"app_name,omitempty"`
}

// Manager writes one PID file per unit so processes left behind by a crashed
// master can be found on the next start
type Manager struct {
	directory string
	logger    logging.Logger
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}

	directory := config.Directory
	if directory == "" {
		directory = filepath.Join(baseDirectory(config.ServiceContext), config.AppName)
	}

	return &Manager{
		directory: directory,
		logger:    logger,
	}
}

func (m *Manager) Directory() string {
	return m.directory
}

func (m *Manager) PIDFilePath(unitID string) string {
	return filepath.Join(m.directory, unitID+pidFileSuffix)
}

func (m *Manager) WritePIDFile(unitID string, pid int) error {
	path := m.PIDFilePath(unitID)

	if err := os.MkdirAll(m.directory, 0755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", m.directory)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}

	m.logger.Debugf("PID file written, id: %s, PID: %d, path: %s", unitID, pid, path)
	return nil
}

// RemovePIDFile deletes the unit's PID file; a missing file is not an error
func (m *Manager) RemovePIDFile(unitID string) error {
	path := m.PIDFilePath(unitID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

// ReadPIDFiles returns the PID recorded for every unit in the directory.
// Unparseable files are skipped with a warning.
func (m *Manager) ReadPIDFiles() (map[string]int, error) {
	entries, err := os.ReadDir(m.directory)
	if os.IsNotExist(err) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, errors.NewIOError("failed to read PID file directory", err).WithContext("directory", m.directory)
	}

	pids := make(map[string]int)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), pidFileSuffix) {
			continue
		}
		unitID := strings.TrimSuffix(entry.Name(), pidFileSuffix)

		content, err := os.ReadFile(filepath.Join(m.directory, entry.Name()))
		if err != nil {
			m.logger.Warnf("Failed to read PID file, id: %s, error: %v", unitID, err)
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
		if err != nil || pid <= 0 {
			m.logger.Warnf("Invalid PID file content, id: %s, content: %q", unitID, strings.TrimSpace(string(content)))
			continue
		}
		pids[unitID] = pid
	}
	return pids, nil
}

func baseDirectory(context ServiceContext) string {
	switch context {
	case SystemService:
		return systemServiceDirectory()
	case SessionService:
		return os.TempDir()
	default:
		return userServiceDirectory()
	}
}

func systemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return programData
		}
		return "C:\\ProgramData"
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}
