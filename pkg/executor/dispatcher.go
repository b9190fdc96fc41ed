package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/events"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/reconciler"
)

// TemplateResolver returns the unit template for a version of the lineage
type TemplateResolver func(version string) (desired.UnitTemplate, bool)

// FailureHandler is called once an action exhausted its retries
type FailureHandler func(action reconciler.Action, err error)

type DispatcherConfig struct {
	Backoff       wait.Backoff
	ActionTimeout time.Duration
}

const DefaultActionTimeout = 30 * time.Second

func DefaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 500 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    5,
		Cap:      30 * time.Second,
	}
}

// Dispatcher runs each action in its own goroutine with exponential backoff.
// Callers do not wait; outcomes show up in the registry.
type Dispatcher struct {
	ctx      context.Context
	config   DispatcherConfig
	executor Executor
	sink     events.Sink
	logger   logging.Logger

	wg sync.WaitGroup
}

// NewDispatcher returns a dispatcher whose actions are cancelled with ctx
func NewDispatcher(ctx context.Context, config DispatcherConfig, executor Executor, sink events.Sink, logger logging.Logger) *Dispatcher {
	if config.Backoff.Steps <= 0 {
		config.Backoff = DefaultBackoff()
	}
	if config.ActionTimeout <= 0 {
		config.ActionTimeout = DefaultActionTimeout
	}
	if sink == nil {
		sink = events.NopSink
	}
	return &Dispatcher{
		ctx:      ctx,
		config:   config,
		executor: executor,
		sink:     sink,
		logger:   logger,
	}
}

func (d *Dispatcher) Dispatch(actions []reconciler.Action, templates TemplateResolver, onFailure FailureHandler) {
	for _, action := range actions {
		if action.Kind == reconciler.ActionNoOp {
			continue
		}
		d.wg.Add(1)
		go d.run(action, templates, onFailure)
	}
}

// Wait blocks until every dispatched action finished or gave up
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(action reconciler.Action, templates TemplateResolver, onFailure FailureHandler) {
	defer d.wg.Done()

	attempts := 0
	var lastErr error
	err := wait.ExponentialBackoffWithContext(d.ctx, d.config.Backoff, func(ctx context.Context) (bool, error) {
		attempts++
		lastErr = d.execute(ctx, action, templates)
		if lastErr == nil {
			return true, nil
		}
		if errors.IsValidationError(lastErr) {
			return false, lastErr
		}
		d.logger.Warnf("Action attempt failed, action: %s, attempt: %d, error: %v", action, attempts, lastErr)
		return false, nil
	})

	if err == nil {
		d.succeeded(action)
		return
	}

	if d.ctx.Err() != nil {
		d.logger.Infof("Action cancelled, action: %s", action)
		return
	}

	failure := errors.NewActionFailedError(fmt.Sprintf("%s gave up after %d attempts", action.Kind, attempts), lastErr).
		WithContext("unit_id", action.UnitID).
		WithContext("lineage", action.Lineage)
	d.logger.Errorf("Action failed, action: %s, attempts: %d, error: %v", action, attempts, lastErr)
	if onFailure != nil {
		onFailure(action, failure)
	}
}

func (d *Dispatcher) execute(ctx context.Context, action reconciler.Action, templates TemplateResolver) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.ActionTimeout)
	defer cancel()

	switch action.Kind {
	case reconciler.ActionCreateUnit:
		template, ok := templates(action.Version)
		if !ok {
			return errors.NewValidationError("no template for version", nil).WithContext("version", action.Version)
		}
		return d.executor.CreateUnit(ctx, UnitSpec{
			ID:        action.UnitID,
			Lineage:   action.Lineage,
			Version:   action.Version,
			Execution: template.Execution,
		})
	case reconciler.ActionTerminateUnit:
		return d.executor.TerminateUnit(ctx, action.UnitID)
	default:
		return errors.NewValidationError("unsupported action kind: "+string(action.Kind), nil)
	}
}

func (d *Dispatcher) succeeded(action reconciler.Action) {
	eventType := events.EventUnitCreated
	if action.Kind == reconciler.ActionTerminateUnit {
		eventType = events.EventUnitTerminated
	}
	d.logger.Infof("Action completed, action: %s", action)
	d.sink.Emit(events.Event{
		Type:    eventType,
		Lineage: action.Lineage,
		UnitID:  action.UnitID,
		Version: action.Version,
		Message: action.Reason,
	})
}
