//go:build !windows

package executor

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logcollection"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/process"
	"github.com/core-tools/hsu-fleet/pkg/processfile"
	"github.com/core-tools/hsu-fleet/pkg/processstate"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

func shellSpec(id, script string) UnitSpec {
	return UnitSpec{
		ID:      id,
		Lineage: "web",
		Version: "v1",
		Execution: process.ExecutionConfig{
			ExecutablePath: "/bin/sh",
			Args:           []string{"-c", script},
		},
	}
}

func newTestProcessExecutor(grace time.Duration) (*ProcessExecutor, *units.MemoryRegistry) {
	registry := units.NewMemoryRegistry()
	config := ProcessExecutorConfig{
		GracePeriod: grace,
		Logs:        logcollection.Config{Backend: logcollection.BackendLogger},
	}
	executor := NewProcessExecutor(config, registry, logging.NewNopLogger())
	return executor, registry
}

// startForeignProcess starts a process the executor knows nothing about
func startForeignProcess(t *testing.T) (*exec.Cmd, chan struct{}) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		_ = process.Kill(cmd.Process.Pid)
		<-exited
	})
	return cmd, exited
}

func TestProcessExecutor_StartAndTerminate(t *testing.T) {
	executor, registry := newTestProcessExecutor(5 * time.Second)
	ctx := context.Background()

	require.NoError(t, executor.CreateUnit(ctx, shellSpec("u1", "sleep 30")))

	record, err := registry.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, units.PhasePending, record.Phase)
	assert.Greater(t, record.PID, 0)
	assert.Contains(t, record.Address, "127.0.0.1:")

	running, err := processstate.IsProcessRunning(record.PID)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, executor.TerminateUnit(ctx, "u1"))
	_, err = registry.Get("u1")
	assert.True(t, errors.IsNotFoundError(err))

	// already gone
	assert.NoError(t, executor.TerminateUnit(ctx, "u1"))
}

func TestProcessExecutor_KillsAfterGracePeriod(t *testing.T) {
	executor, registry := newTestProcessExecutor(100 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, executor.CreateUnit(ctx, shellSpec("u1", "trap '' TERM; while true; do sleep 0.05; done")))
	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, executor.TerminateUnit(ctx, "u1"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	_, err := registry.Get("u1")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestProcessExecutor_UnexpectedExitMarksFailed(t *testing.T) {
	executor, registry := newTestProcessExecutor(time.Second)

	require.NoError(t, executor.CreateUnit(context.Background(), shellSpec("u1", "echo starting; exit 3")))

	assert.Eventually(t, func() bool {
		record, err := registry.Get("u1")
		return err == nil && record.Phase == units.PhaseFailed
	}, 5*time.Second, 10*time.Millisecond)

	record, err := registry.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, units.FailureExited, record.FailureReason)
	assert.Contains(t, record.Health.Message, "3")
	assert.Zero(t, record.PID)
}

func TestProcessExecutor_TerminateExitedUnitSparesReusedPID(t *testing.T) {
	executor, registry := newTestProcessExecutor(time.Second)
	ctx := context.Background()

	require.NoError(t, executor.CreateUnit(ctx, shellSpec("u1", "exit 3")))
	assert.Eventually(t, func() bool {
		record, err := registry.Get("u1")
		return err == nil && record.Phase == units.PhaseFailed
	}, 5*time.Second, 10*time.Millisecond)

	// an unrelated process now holds a PID the stale record points at
	foreign, exited := startForeignProcess(t)
	record, err := registry.Get("u1")
	require.NoError(t, err)
	record.PID = foreign.Process.Pid
	require.NoError(t, registry.Upsert(record))

	require.NoError(t, executor.TerminateUnit(ctx, "u1"))

	_, err = registry.Get("u1")
	assert.True(t, errors.IsNotFoundError(err))
	select {
	case <-exited:
		t.Fatal("unrelated process was killed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProcessExecutor_InjectsUnitEnvironment(t *testing.T) {
	executor, registry := newTestProcessExecutor(time.Second)

	require.NoError(t, executor.CreateUnit(context.Background(),
		shellSpec("u-env", `[ "$UNIT_ID" = "u-env" ] && [ -n "$PORT" ] && exit 7; exit 1`)))

	assert.Eventually(t, func() bool {
		record, err := registry.Get("u-env")
		return err == nil && record.Phase == units.PhaseFailed
	}, 5*time.Second, 10*time.Millisecond)

	record, err := registry.Get("u-env")
	require.NoError(t, err)
	assert.Contains(t, record.Health.Message, "7")
}

func TestProcessExecutor_InvalidExecutable(t *testing.T) {
	executor, registry := newTestProcessExecutor(time.Second)

	err := executor.CreateUnit(context.Background(), UnitSpec{
		ID:        "u1",
		Lineage:   "web",
		Version:   "v1",
		Execution: process.ExecutionConfig{ExecutablePath: "/nonexistent/unit"},
	})
	assert.True(t, errors.IsValidationError(err))
	assert.Empty(t, registry.List(units.Filter{}))
}

func TestProcessExecutor_TerminateUntrackedRecord(t *testing.T) {
	executor, registry := newTestProcessExecutor(time.Second)
	require.NoError(t, registry.Upsert(units.UnitRecord{ID: "stale", Lineage: "web", Version: "v1", Phase: units.PhaseRunning}))

	require.NoError(t, executor.TerminateUnit(context.Background(), "stale"))
	_, err := registry.Get("stale")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestProcessExecutor_TerminateUntrackedKillsOnlyOwnedPID(t *testing.T) {
	tests := []struct {
		name       string
		pidFiles   bool
		pidFileFor func(pid int) int
		wantKilled bool
	}{
		{name: "pid files disabled", pidFiles: false, wantKilled: false},
		{name: "no pid file for unit", pidFiles: true, wantKilled: false},
		{name: "pid file names another process", pidFiles: true, pidFileFor: func(pid int) int { return pid + 100000 }, wantKilled: false},
		{name: "pid file names the process", pidFiles: true, pidFileFor: func(pid int) int { return pid }, wantKilled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			registry := units.NewMemoryRegistry()
			config := ProcessExecutorConfig{
				GracePeriod: time.Second,
				PIDFiles:    processfile.Config{Enabled: tt.pidFiles, Directory: dir},
				Logs:        logcollection.Config{Backend: logcollection.BackendLogger},
			}
			executor := NewProcessExecutor(config, registry, logging.NewNopLogger())

			foreign, exited := startForeignProcess(t)
			pid := foreign.Process.Pid
			if tt.pidFileFor != nil {
				files := processfile.NewManager(processfile.Config{Directory: dir}, logging.NewNopLogger())
				require.NoError(t, files.WritePIDFile("stale", tt.pidFileFor(pid)))
			}
			require.NoError(t, registry.Upsert(units.UnitRecord{ID: "stale", Lineage: "web", Version: "v1", Phase: units.PhaseRunning, PID: pid}))

			require.NoError(t, executor.TerminateUnit(context.Background(), "stale"))

			_, err := registry.Get("stale")
			assert.True(t, errors.IsNotFoundError(err))

			killed := false
			select {
			case <-exited:
				killed = true
			case <-time.After(500 * time.Millisecond):
			}
			assert.Equal(t, tt.wantKilled, killed)
		})
	}
}

func TestProcessExecutor_CollectsUnitOutput(t *testing.T) {
	executor, registry := newTestProcessExecutor(time.Second)
	core, logs := observer.New(zapcore.DebugLevel)
	executor.logs = logcollection.NewLogCollectionServiceWithBackend(
		logcollection.NewZapBackend(zap.New(core)), logcollection.InfoLevel, logging.NewNopLogger())

	require.NoError(t, executor.CreateUnit(context.Background(), shellSpec("u1", "echo hello; echo oops >&2; exit 1")))
	assert.Eventually(t, func() bool {
		record, err := registry.Get("u1")
		return err == nil && record.Phase == units.PhaseFailed
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	executor.Stop(stopCtx)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, "oops", entries[1].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "u1", fields["unit_id"])
	assert.Equal(t, "web", fields["lineage"])
	assert.Equal(t, "v1", fields["version"])
	assert.Contains(t, fields, "pid")
}

func TestProcessExecutor_StopTerminatesAll(t *testing.T) {
	executor, registry := newTestProcessExecutor(5 * time.Second)
	ctx := context.Background()

	require.NoError(t, executor.CreateUnit(ctx, shellSpec("u1", "sleep 30")))
	require.NoError(t, executor.CreateUnit(ctx, shellSpec("u2", "sleep 30")))

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	executor.Stop(stopCtx)

	assert.Empty(t, registry.List(units.Filter{}))
}

func TestProcessExecutor_PIDFileLifecycle(t *testing.T) {
	registry := units.NewMemoryRegistry()
	config := ProcessExecutorConfig{
		GracePeriod: time.Second,
		PIDFiles:    processfile.Config{Enabled: true, Directory: t.TempDir()},
	}
	executor := NewProcessExecutor(config, registry, logging.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, executor.CreateUnit(ctx, shellSpec("u1", "sleep 30")))
	assert.FileExists(t, executor.pidFiles.PIDFilePath("u1"))

	require.NoError(t, executor.TerminateUnit(ctx, "u1"))
	_, err := os.Stat(executor.pidFiles.PIDFilePath("u1"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessExecutor_CleanupOrphans(t *testing.T) {
	dir := t.TempDir()

	orphan := exec.Command("/bin/sh", "-c", "sleep 30")
	orphan.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, orphan.Start())
	exited := make(chan struct{})
	go func() {
		_ = orphan.Wait()
		close(exited)
	}()

	previous := processfile.NewManager(processfile.Config{Directory: dir}, logging.NewNopLogger())
	require.NoError(t, previous.WritePIDFile("web-old", orphan.Process.Pid))

	config := ProcessExecutorConfig{PIDFiles: processfile.Config{Enabled: true, Directory: dir}}
	executor := NewProcessExecutor(config, units.NewMemoryRegistry(), logging.NewNopLogger())

	killed, err := executor.CleanupOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, killed)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphan process was not killed")
	}

	pids, err := previous.ReadPIDFiles()
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestProcessExecutor_CleanupOrphansDisabled(t *testing.T) {
	executor, _ := newTestProcessExecutor(time.Second)

	killed, err := executor.CleanupOrphans()
	require.NoError(t, err)
	assert.Equal(t, 0, killed)
}
