package master

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/executor"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/reconciler"
	"github.com/core-tools/hsu-fleet/pkg/rollout"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

// lineage serializes the reconcile passes of one lineage. Passes run on a
// ticker and whenever trigger is called.
type lineage struct {
	name       string
	controller *rollout.Controller
	registry   units.Registry
	dispatcher *executor.Dispatcher
	interval   time.Duration
	logger     logging.Logger

	triggerChan chan struct{}
	stopChan    chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newLineage(name string, controller *rollout.Controller, registry units.Registry, dispatcher *executor.Dispatcher, interval time.Duration, logger logging.Logger) *lineage {
	return &lineage{
		name:        name,
		controller:  controller,
		registry:    registry,
		dispatcher:  dispatcher,
		interval:    interval,
		logger:      logger,
		triggerChan: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}
}

func (l *lineage) start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.logger.Infof("Starting reconcile loop, interval: %v", l.interval)
		l.wg.Add(1)
		go l.loop(ctx)
	})
}

func (l *lineage) stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// trigger requests a pass; requests made while one is pending are coalesced
func (l *lineage) trigger() {
	select {
	case l.triggerChan <- struct{}{}:
	default:
	}
}

func (l *lineage) loop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.reconcileOnce()
	for {
		select {
		case <-l.triggerChan:
			l.reconcileOnce()
		case <-ticker.C:
			l.reconcileOnce()
		case <-l.stopChan:
			l.logger.Debugf("Reconcile loop stopping")
			return
		case <-ctx.Done():
			l.logger.Debugf("Reconcile loop cancelled")
			return
		}
	}
}

func (l *lineage) reconcileOnce() {
	observed := l.registry.List(units.Filter{Lineage: l.name})
	actions := l.controller.Step(observed)
	if reconciler.IsNoOp(actions) {
		return
	}

	l.logger.Debugf("Dispatching actions, count: %d, observed: %d", len(actions), len(observed))
	l.dispatcher.Dispatch(actions, l.controller.TemplateFor, l.actionFailed)
}

func (l *lineage) actionFailed(action reconciler.Action, err error) {
	l.controller.ReportActionFailed(action, err)
	l.trigger()
}
