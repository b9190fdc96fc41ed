package reconciler

import (
	"fmt"
)

type ActionKind string

const (
	ActionCreateUnit    ActionKind = "CreateUnit"
	ActionTerminateUnit ActionKind = "TerminateUnit"
	ActionNoOp          ActionKind = "NoOp"
)

// Why an action was planned
const (
	ReasonScaleUp   = "scale-up"
	ReasonScaleDown = "scale-down"
	ReasonOutdated  = "outdated"
	ReasonFailed    = "failed"
	ReasonHold      = "hold"
	ReasonHalted    = "halted"
	ReasonSteady    = "steady"
)

// Action is one step toward the desired state. For CreateUnit, UnitID is the
// identity the new unit must be registered under.
type Action struct {
	Kind    ActionKind
	Lineage string
	UnitID  string
	Version string
	Reason  string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionCreateUnit:
		return fmt.Sprintf("%s(%s@%s, %s)", a.Kind, a.UnitID, a.Version, a.Reason)
	case ActionTerminateUnit:
		return fmt.Sprintf("%s(%s, %s)", a.Kind, a.UnitID, a.Reason)
	default:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Reason)
	}
}

// IsNoOp reports whether actions contains nothing to execute
func IsNoOp(actions []Action) bool {
	for _, action := range actions {
		if action.Kind != ActionNoOp {
			return false
		}
	}
	return true
}

func noOp(lineage, reason string) Action {
	return Action{Kind: ActionNoOp, Lineage: lineage, Reason: reason}
}
