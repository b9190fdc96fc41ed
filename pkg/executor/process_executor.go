package executor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phayes/freeport"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logcollection"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/process"
	"github.com/core-tools/hsu-fleet/pkg/processfile"
	"github.com/core-tools/hsu-fleet/pkg/processstate"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

type ProcessExecutorConfig struct {
	// Host the unit binds to; the unit learns its port from PortEnv
	Host        string        `yaml:"host,omitempty"`
	PortEnv     string        `yaml:"port_env,omitempty"`
	GracePeriod time.Duration `yaml:"grace_period,omitempty"`

	PIDFiles processfile.Config   `yaml:"pid_files,omitempty"`
	Logs     logcollection.Config `yaml:"logs,omitempty"`
}

const (
	DefaultUnitHost    = "127.0.0.1"
	DefaultUnitPortEnv = "PORT"
	DefaultGracePeriod = 10 * time.Second
)

type managedProcess struct {
	id          string
	proc        *os.Process
	done        chan struct{}
	terminating atomic.Bool
}

// ProcessExecutor runs each unit as a local child process
type ProcessExecutor struct {
	config   ProcessExecutorConfig
	registry units.Registry
	logger   logging.Logger
	pidFiles *processfile.Manager
	logs     logcollection.LogCollectionService

	mutex     sync.Mutex
	processes map[string]*managedProcess
	wg        sync.WaitGroup
}

func NewProcessExecutor(config ProcessExecutorConfig, registry units.Registry, logger logging.Logger) *ProcessExecutor {
	if config.Host == "" {
		config.Host = DefaultUnitHost
	}
	if config.PortEnv == "" {
		config.PortEnv = DefaultUnitPortEnv
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	executor := &ProcessExecutor{
		config:    config,
		registry:  registry,
		logger:    logger,
		logs:      logcollection.NewLogCollectionService(config.Logs, logger),
		processes: make(map[string]*managedProcess),
	}
	if config.PIDFiles.Enabled {
		executor.pidFiles = processfile.NewManager(config.PIDFiles, logger)
	}
	return executor
}

func (e *ProcessExecutor) CreateUnit(ctx context.Context, spec UnitSpec) error {
	e.mutex.Lock()
	_, exists := e.processes[spec.ID]
	e.mutex.Unlock()
	if exists {
		return nil
	}

	port, err := freeport.GetFreePort()
	if err != nil {
		return errors.NewNetworkError("failed to allocate unit port", err).WithContext("id", spec.ID)
	}
	address := net.JoinHostPort(e.config.Host, strconv.Itoa(port))

	env := []string{
		fmt.Sprintf("%s=%d", e.config.PortEnv, port),
		"UNIT_ID=" + spec.ID,
		"UNIT_LINEAGE=" + spec.Lineage,
		"UNIT_VERSION=" + spec.Version,
	}

	// the process outlives the action context
	execute := process.NewStdExecuteCmd(spec.Execution, spec.ID, env, e.logger)
	proc, stdout, err := execute(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	managed := &managedProcess{id: spec.ID, proc: proc, done: make(chan struct{})}

	record := units.UnitRecord{
		ID:      spec.ID,
		Lineage: spec.Lineage,
		Version: spec.Version,
		Phase:   units.PhasePending,
		Health:  units.InitialHealth(),
		PID:     proc.Pid,
		Address: address,
	}
	if err := e.registry.Upsert(record); err != nil {
		_ = process.Kill(proc.Pid)
		_, _ = proc.Wait()
		return err
	}

	e.mutex.Lock()
	e.processes[spec.ID] = managed
	e.mutex.Unlock()

	if e.pidFiles != nil {
		if err := e.pidFiles.WritePIDFile(spec.ID, proc.Pid); err != nil {
			e.logger.Warnf("Failed to write PID file, id: %s, error: %v", spec.ID, err)
		}
	}

	e.logger.Infof("Unit process started, id: %s, version: %s, PID: %d, address: %s", spec.ID, spec.Version, proc.Pid, address)

	err = e.logs.RegisterUnit(spec.ID,
		logcollection.Lineage(spec.Lineage),
		logcollection.Version(spec.Version),
		logcollection.PID(proc.Pid))
	if err == nil {
		err = e.logs.CollectFromStream(spec.ID, stdout, logcollection.StdoutStream)
	}
	if err != nil {
		e.logger.Warnf("Failed to collect unit output, id: %s, error: %v", spec.ID, err)
		go func() {
			// keep the pipe drained so the unit never blocks on a full buffer
			_, _ = io.Copy(io.Discard, stdout)
			stdout.Close()
		}()
	}

	e.wg.Add(1)
	go e.wait(managed)
	return nil
}

// wait updates the registry before signalling done, so a returning
// TerminateUnit always observes the record removed
func (e *ProcessExecutor) wait(managed *managedProcess) {
	defer e.wg.Done()
	defer close(managed.done)

	state, err := managed.proc.Wait()

	e.mutex.Lock()
	delete(e.processes, managed.id)
	e.mutex.Unlock()
	e.removePIDFile(managed.id)
	_ = e.logs.UnregisterUnit(managed.id)

	if managed.terminating.Load() {
		if err := e.registry.Remove(managed.id); err != nil && !errors.IsNotFoundError(err) {
			e.logger.Warnf("Failed to remove terminated unit, id: %s, error: %v", managed.id, err)
		}
		e.logger.Infof("Unit process terminated, id: %s", managed.id)
		return
	}

	message := "process exited"
	if err != nil {
		message = err.Error()
	} else if state != nil {
		message = state.String()
	}
	e.logger.Warnf("Unit process exited unexpectedly, id: %s, status: %s", managed.id, message)

	_, err = e.registry.Update(managed.id, func(record *units.UnitRecord) bool {
		live := record.Phase.IsLive()
		if !live && record.PID == 0 {
			return false
		}
		// the PID may be reused by an unrelated process from now on
		record.PID = 0
		if !live {
			return true
		}
		record.Phase = units.PhaseFailed
		record.FailureReason = units.FailureExited
		record.Health.Readiness = units.ReadinessNotReady
		record.Health.Message = message
		return true
	})
	if err != nil && !errors.IsNotFoundError(err) {
		e.logger.Warnf("Failed to mark exited unit, id: %s, error: %v", managed.id, err)
	}
}

func (e *ProcessExecutor) TerminateUnit(ctx context.Context, id string) error {
	e.mutex.Lock()
	managed, tracked := e.processes[id]
	e.mutex.Unlock()

	if !tracked {
		return e.terminateUntracked(id)
	}

	managed.terminating.Store(true)
	_, _ = e.registry.Update(id, func(record *units.UnitRecord) bool {
		if record.Phase == units.PhaseTerminating {
			return false
		}
		record.Phase = units.PhaseTerminating
		return true
	})

	pid := managed.proc.Pid
	e.logger.Infof("Terminating unit process, id: %s, PID: %d", id, pid)
	if err := process.SendTerminationSignal(pid, e.config.GracePeriod); err != nil {
		e.logger.Warnf("Failed to send termination signal, id: %s, PID: %d, error: %v", id, pid, err)
	}

	timer := time.NewTimer(e.config.GracePeriod)
	defer timer.Stop()

	select {
	case <-managed.done:
		return nil
	case <-timer.C:
		e.logger.Warnf("Grace period expired, killing unit process, id: %s, PID: %d", id, pid)
	case <-ctx.Done():
		e.logger.Warnf("Termination cancelled, killing unit process, id: %s, PID: %d", id, pid)
	}

	if err := process.Kill(pid); err != nil {
		e.logger.Warnf("Failed to kill unit process, id: %s, PID: %d, error: %v", id, pid, err)
	}

	select {
	case <-managed.done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("unit process did not exit", ctx.Err()).WithContext("id", id)
	}
}

// terminateUntracked handles units this executor has no process for. The
// record's PID is only killed when this executor's PID file for the unit
// names the same process; any other PID may have been reused.
func (e *ProcessExecutor) terminateUntracked(id string) error {
	record, err := e.registry.Get(id)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if record.PID > 0 && e.ownsPID(id, record.PID) {
		running, err := processstate.IsProcessRunning(record.PID)
		if err != nil {
			e.logger.Warnf("Failed to check unit process, id: %s, PID: %d, error: %v", id, record.PID, err)
		}
		if running {
			if err := process.Kill(record.PID); err != nil {
				return errors.NewProcessError("failed to kill untracked unit process", err).
					WithContext("id", id).WithContext("pid", record.PID)
			}
		}
	}

	e.removePIDFile(id)
	if err := e.registry.Remove(id); err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	return nil
}

// CleanupOrphans kills unit processes recorded in PID files by an earlier
// master and returns how many were still running. The registry is in memory,
// so these processes are unknown to the current master.
func (e *ProcessExecutor) CleanupOrphans() (int, error) {
	if e.pidFiles == nil {
		return 0, nil
	}

	pids, err := e.pidFiles.ReadPIDFiles()
	if err != nil {
		return 0, err
	}

	killed := 0
	for id, pid := range pids {
		e.mutex.Lock()
		_, tracked := e.processes[id]
		e.mutex.Unlock()
		if tracked {
			continue
		}

		running, err := processstate.IsProcessRunning(pid)
		if err != nil {
			e.logger.Warnf("Failed to check orphan unit process, id: %s, PID: %d, error: %v", id, pid, err)
		}
		if running {
			e.logger.Warnf("Killing orphan unit process, id: %s, PID: %d", id, pid)
			if err := process.Kill(pid); err != nil {
				e.logger.Errorf("Failed to kill orphan unit process, id: %s, PID: %d, error: %v", id, pid, err)
				continue
			}
			killed++
		}
		e.removePIDFile(id)
	}
	return killed, nil
}

func (e *ProcessExecutor) ownsPID(id string, pid int) bool {
	if e.pidFiles == nil {
		return false
	}
	pids, err := e.pidFiles.ReadPIDFiles()
	if err != nil {
		e.logger.Warnf("Failed to read PID files, id: %s, error: %v", id, err)
		return false
	}
	return pids[id] == pid
}

func (e *ProcessExecutor) removePIDFile(id string) {
	if e.pidFiles == nil {
		return
	}
	if err := e.pidFiles.RemovePIDFile(id); err != nil {
		e.logger.Warnf("Failed to remove PID file, id: %s, error: %v", id, err)
	}
}

// Stop terminates every running unit process and waits for their goroutines
func (e *ProcessExecutor) Stop(ctx context.Context) {
	e.mutex.Lock()
	ids := make([]string, 0, len(e.processes))
	for id := range e.processes {
		ids = append(ids, id)
	}
	e.mutex.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.TerminateUnit(ctx, id); err != nil {
				e.logger.Warnf("Failed to terminate unit on stop, id: %s, error: %v", id, err)
			}
		}()
	}
	wg.Wait()
	e.wg.Wait()

	if err := e.logs.Stop(); err != nil {
		e.logger.Debugf("Failed to sync unit log backend, error: %v", err)
	}
}
