package processfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/logging"
)

func TestNewManager_Directory(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		contains string
	}{
		{"explicit directory", Config{Directory: "/tmp/units"}, "/tmp/units"},
		{"default app subdirectory", Config{ServiceContext: SessionService}, DefaultAppName},
		{"custom app name", Config{AppName: "fleet-test"}, "fleet-test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(tt.config, logging.NewNopLogger())
			assert.Contains(t, manager.Directory(), tt.contains)
		})
	}
}

func TestManager_WriteReadRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pids")
	manager := NewManager(Config{Directory: dir}, logging.NewNopLogger())

	require.NoError(t, manager.WritePIDFile("web-1", 4242))
	require.NoError(t, manager.WritePIDFile("web-2", 4343))

	content, err := os.ReadFile(manager.PIDFilePath("web-1"))
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(content))

	pids, err := manager.ReadPIDFiles()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"web-1": 4242, "web-2": 4343}, pids)

	require.NoError(t, manager.RemovePIDFile("web-1"))
	require.NoError(t, manager.RemovePIDFile("web-1"))

	pids, err = manager.ReadPIDFiles()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"web-2": 4343}, pids)
}

func TestManager_ReadPIDFilesSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(Config{Directory: dir}, logging.NewNopLogger())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.pid"), []byte("not-a-pid"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("1"), 0644))
	require.NoError(t, manager.WritePIDFile("good", 77))

	pids, err := manager.ReadPIDFiles()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"good": 77}, pids)
}

func TestManager_ReadPIDFilesMissingDirectory(t *testing.T) {
	manager := NewManager(Config{Directory: filepath.Join(t.TempDir(), "absent")}, logging.NewNopLogger())

	pids, err := manager.ReadPIDFiles()
	require.NoError(t, err)
	assert.Empty(t, pids)
}
