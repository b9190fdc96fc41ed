package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-fleet/pkg/control"
	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/events"
	"github.com/core-tools/hsu-fleet/pkg/executor"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/monitoring"
	"github.com/core-tools/hsu-fleet/pkg/reconciler"
	"github.com/core-tools/hsu-fleet/pkg/rollout"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

const (
	DefaultHealthInterval = monitoring.DefaultMonitorInterval
	DefaultHealthWorkers  = monitoring.DefaultMonitorWorkers
)

type MasterOptions struct {
	// Port of the gRPC control server, 0 disables it
	Port                 int
	ReconcileInterval    time.Duration
	HealthInterval       time.Duration
	HealthWorkers        int
	ForceShutdownTimeout time.Duration
	HistoryLimit         int
	ExpectationTTL       time.Duration
	TerminationPolicy    reconciler.TerminationPolicy
	Dispatcher           executor.DispatcherConfig
}

// MasterState represents the current state of the master server
type MasterState string

const (
	MasterStateNotStarted MasterState = "not_started"
	MasterStateRunning    MasterState = "running"
	MasterStateStopping   MasterState = "stopping"
	MasterStateStopped    MasterState = "stopped"
)

// Registry is a unit registry that reports its changes
type Registry interface {
	units.Registry
	OnChange(fn units.ChangeFunc)
}

// Master runs one rollout controller per lineage on top of a shared registry,
// health monitor and action dispatcher
type Master struct {
	options    MasterOptions
	registry   Registry
	executor   executor.Executor
	evaluator  *monitoring.Evaluator
	monitor    monitoring.HealthMonitor
	dispatcher *executor.Dispatcher
	sink       events.Sink
	logger     logging.Logger

	server       corecontrol.Server
	healthServer *health.Server

	cancelActions context.CancelFunc

	mutex       sync.Mutex
	lineages    map[string]*lineage
	masterState MasterState
	runCtx      context.Context
}

func NewMaster(options MasterOptions, registry Registry, unitExecutor executor.Executor, probeExecutor monitoring.ProbeExecutor, sink events.Sink, logger logging.Logger) (*Master, error) {
	if registry == nil || unitExecutor == nil || probeExecutor == nil {
		return nil, errors.NewValidationError("master requires registry, executor and probe executor", nil)
	}
	if options.ReconcileInterval <= 0 {
		options.ReconcileInterval = DefaultReconcileInterval
	}
	if options.ForceShutdownTimeout <= 0 {
		options.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	if sink == nil {
		sink = events.NopSink
	}

	actionCtx, cancelActions := context.WithCancel(context.Background())

	master := &Master{
		options:       options,
		registry:      registry,
		executor:      unitExecutor,
		sink:          sink,
		logger:        logger,
		cancelActions: cancelActions,
		lineages:      make(map[string]*lineage),
		masterState:   MasterStateNotStarted,
	}

	master.dispatcher = executor.NewDispatcher(actionCtx, options.Dispatcher, unitExecutor, sink, logging.WithPrefix(logger, "dispatcher"))
	master.evaluator = monitoring.NewEvaluator(probeExecutor, logger)
	master.monitor = monitoring.NewHealthMonitor(
		monitoring.HealthMonitorConfig{Interval: options.HealthInterval, Workers: options.HealthWorkers},
		registry,
		master.evaluator,
		master.probesFor,
		sink,
		logger,
	)

	registry.OnChange(master.unitChanged)

	if options.Port > 0 {
		coreLogger := logging.NewCoreLogger(logger)
		server, err := corecontrol.NewServer(corecontrol.ServerOptions{Port: options.Port}, coreLogger)
		if err != nil {
			cancelActions()
			return nil, errors.NewInternalError("failed to create server", err).WithContext("port", options.Port)
		}

		// core services answer Ping, which clients use to wait for the master
		coreHandler := coredomain.NewDefaultHandler(coreLogger)
		corecontrol.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)

		master.healthServer = health.NewServer()
		healthpb.RegisterHealthServer(server.GRPC(), master.healthServer)
		control.RegisterGRPCServerHandler(server.GRPC(), master, logger)
		master.server = server
	}

	return master, nil
}

func (m *Master) Start(ctx context.Context) error {
	m.logger.Infof("Starting master...")

	m.mutex.Lock()
	if m.masterState != MasterStateNotStarted {
		state := m.masterState
		m.mutex.Unlock()
		return errors.NewConflictError("master already started", nil).WithContext("master_state", string(state))
	}

	if m.server != nil {
		m.server.Start(ctx)
		m.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		m.logger.Infof("Control server listening, port: %d", m.options.Port)
	}

	m.runCtx = ctx
	m.masterState = MasterStateRunning
	for _, l := range m.lineages {
		l.start(ctx)
	}
	m.mutex.Unlock()

	if err := m.monitor.Start(ctx); err != nil {
		return errors.NewInternalError("failed to start health monitor", err)
	}

	m.logger.Infof("Master started")
	return nil
}

func (m *Master) Stop(ctx context.Context) {
	m.logger.Infof("Stopping master...")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, m.options.ForceShutdownTimeout)
	defer cancel()

	m.setMasterState(MasterStateStopping)

	if m.server != nil {
		m.healthServer.Shutdown()
		m.server.Shutdown(ctx)
	}

	for _, l := range m.getAllLineages() {
		l.stop()
	}
	m.monitor.Stop()

	m.cancelActions()
	m.dispatcher.Wait()

	if stopper, ok := m.executor.(interface{ Stop(context.Context) }); ok {
		m.logger.Infof("Stopping units...")
		stopper.Stop(ctx)
	}

	m.setMasterState(MasterStateStopped)
	m.logger.Infof("Master stopped")
}

func (m *Master) Status(ctx context.Context) (string, error) {
	m.mutex.Lock()
	state := m.masterState
	lineageCount := len(m.lineages)
	m.mutex.Unlock()

	records := m.registry.List(units.Filter{})
	available := 0
	for _, record := range records {
		if record.IsAvailable() {
			available++
		}
	}
	return fmt.Sprintf("%s, lineages: %d, units: %d, available: %d", state, lineageCount, len(records), available), nil
}

// Submit routes a desired state to its lineage, creating the lineage on first use
func (m *Master) Submit(ctx context.Context, state desired.DesiredState) (rollout.RolloutState, error) {
	if err := ValidateLineageName(state.Name); err != nil {
		return rollout.RolloutState{}, errors.NewInvalidDesiredStateError("invalid lineage name", err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.acceptingCommands(); err != nil {
		return rollout.RolloutState{}, err
	}

	l, exists := m.lineages[state.Name]
	if !exists {
		l = m.newLineage(state.Name)
	}

	result, err := l.controller.Submit(state)
	if err != nil {
		return rollout.RolloutState{}, err
	}

	if !exists {
		m.lineages[state.Name] = l
		m.logger.Infof("Lineage added, name: %s", state.Name)
		if m.masterState == MasterStateRunning {
			l.start(m.runCtx)
		}
	}
	l.trigger()
	return result, nil
}

func (m *Master) Pause(ctx context.Context, name string) (rollout.RolloutState, error) {
	l, err := m.commandTarget(name)
	if err != nil {
		return rollout.RolloutState{}, err
	}
	result, err := l.controller.Pause(m.registry.List(units.Filter{Lineage: name}))
	if err != nil {
		return rollout.RolloutState{}, err
	}
	l.trigger()
	return result, nil
}

func (m *Master) Resume(ctx context.Context, name string) (rollout.RolloutState, error) {
	l, err := m.commandTarget(name)
	if err != nil {
		return rollout.RolloutState{}, err
	}
	result, err := l.controller.Resume()
	if err != nil {
		return rollout.RolloutState{}, err
	}
	l.trigger()
	return result, nil
}

func (m *Master) Rollback(ctx context.Context, name string, revision int) (rollout.RolloutState, error) {
	l, err := m.commandTarget(name)
	if err != nil {
		return rollout.RolloutState{}, err
	}
	result, err := l.controller.Rollback(revision)
	if err != nil {
		return rollout.RolloutState{}, err
	}
	l.trigger()
	return result, nil
}

func (m *Master) GetRollout(ctx context.Context, name string) (rollout.RolloutState, error) {
	l, err := m.getLineage(name)
	if err != nil {
		return rollout.RolloutState{}, err
	}
	return l.controller.State(), nil
}

func (m *Master) History(ctx context.Context, name string) ([]rollout.Revision, error) {
	l, err := m.getLineage(name)
	if err != nil {
		return nil, err
	}
	return l.controller.Revisions(), nil
}

func (m *Master) ListUnits(ctx context.Context, name string) ([]units.UnitRecord, error) {
	if name != "" {
		if _, err := m.getLineage(name); err != nil {
			return nil, err
		}
	}
	records := m.registry.List(units.Filter{Lineage: name})
	units.SortByCreation(records)
	return records, nil
}

// GetMasterState returns the current state of the master
func (m *Master) GetMasterState() MasterState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.masterState
}

// newLineage builds the controller stack of a lineage; caller holds the lock
func (m *Master) newLineage(name string) *lineage {
	logger := logging.WithPrefix(m.logger, "lineage: "+name)
	rec := reconciler.NewReconciler(reconciler.Config{
		Policy:         m.options.TerminationPolicy,
		ExpectationTTL: m.options.ExpectationTTL,
	}, logger)
	controller := rollout.NewController(name, rollout.ControllerConfig{HistoryLimit: m.options.HistoryLimit}, rec, m.sink, logger)
	return newLineage(name, controller, m.registry, m.dispatcher, m.options.ReconcileInterval, logger)
}

func (m *Master) commandTarget(name string) (*lineage, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.acceptingCommands(); err != nil {
		return nil, err
	}
	l, exists := m.lineages[name]
	if !exists {
		return nil, errors.NewNotFoundError("lineage not found", nil).WithContext("lineage", name)
	}
	return l, nil
}

// acceptingCommands rejects commands once shutdown began; caller holds the lock
func (m *Master) acceptingCommands() error {
	if m.masterState == MasterStateStopping || m.masterState == MasterStateStopped {
		return errors.NewConflictError("master is shutting down", nil).WithContext("master_state", string(m.masterState))
	}
	return nil
}

func (m *Master) getLineage(name string) (*lineage, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	l, exists := m.lineages[name]
	if !exists {
		return nil, errors.NewNotFoundError("lineage not found", nil).WithContext("lineage", name)
	}
	return l, nil
}

func (m *Master) getAllLineages() []*lineage {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make([]*lineage, 0, len(m.lineages))
	for _, l := range m.lineages {
		result = append(result, l)
	}
	return result
}

func (m *Master) setMasterState(state MasterState) {
	m.mutex.Lock()
	m.masterState = state
	m.mutex.Unlock()
}

// probesFor resolves probes from the template the unit's version was rolled out with
func (m *Master) probesFor(record units.UnitRecord) (monitoring.ProbeSet, bool) {
	l, err := m.getLineage(record.Lineage)
	if err != nil {
		return monitoring.ProbeSet{}, false
	}
	template, ok := l.controller.TemplateFor(record.Version)
	if !ok {
		return monitoring.ProbeSet{}, false
	}
	return template.Probes, true
}

func (m *Master) unitChanged(record units.UnitRecord, removed bool) {
	if removed {
		m.evaluator.Forget(record.ID)
	}
	if l, err := m.getLineage(record.Lineage); err == nil {
		l.trigger()
	}
}
