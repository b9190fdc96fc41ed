// Package executor carries reconciler actions across the execution boundary:
// a dispatcher with retries, and executors that run units as local processes
// or simulate them in memory.
package executor

import (
	"context"

	"github.com/core-tools/hsu-fleet/pkg/process"
)

// UnitSpec is everything an executor needs to start one unit
type UnitSpec struct {
	ID        string
	Lineage   string
	Version   string
	Execution process.ExecutionConfig
}

// Executor creates and terminates units. Implementations register created units
// in the registry and remove them once terminated. TerminateUnit of an unknown
// unit succeeds.
type Executor interface {
	CreateUnit(ctx context.Context, spec UnitSpec) error
	TerminateUnit(ctx context.Context, id string) error
}
