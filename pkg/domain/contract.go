package domain

import (
	"context"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/rollout"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

// Contract is the orchestration API, served by the master and reached remotely
// through the control gateway
type Contract interface {
	Status(ctx context.Context) (string, error)
	Submit(ctx context.Context, state desired.DesiredState) (rollout.RolloutState, error)
	Pause(ctx context.Context, lineage string) (rollout.RolloutState, error)
	Resume(ctx context.Context, lineage string) (rollout.RolloutState, error)
	// Rollback targets revision, or the previous revision when it is 0
	Rollback(ctx context.Context, lineage string, revision int) (rollout.RolloutState, error)
	GetRollout(ctx context.Context, lineage string) (rollout.RolloutState, error)
	History(ctx context.Context, lineage string) ([]rollout.Revision, error)
	// ListUnits lists the units of lineage, or of every lineage when it is empty
	ListUnits(ctx context.Context, lineage string) ([]units.UnitRecord, error)
}
