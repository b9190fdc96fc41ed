package rollout

import (
	"time"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/errors"
)

const DefaultHistoryLimit = 10

type Revision struct {
	Number      int                  `json:"number"`
	Template    desired.UnitTemplate `json:"-"`
	Version     string               `json:"version"`
	SubmittedAt time.Time            `json:"submitted_at"`
}

// history keeps one revision per template version. Re-submitting an older
// version moves it to a new number.
type history struct {
	limit     int
	revisions []Revision
}

func (h *history) latest() (Revision, bool) {
	if len(h.revisions) == 0 {
		return Revision{}, false
	}
	return h.revisions[len(h.revisions)-1], true
}

// record returns the revision for template, creating one when the version changes
func (h *history) record(template desired.UnitTemplate, now time.Time) Revision {
	latest, ok := h.latest()
	if ok && latest.Version == template.Version {
		latest.Template = template
		h.revisions[len(h.revisions)-1] = latest
		return latest
	}

	number := 1
	if ok {
		number = latest.Number + 1
	}

	kept := h.revisions[:0]
	for _, revision := range h.revisions {
		if revision.Version != template.Version {
			kept = append(kept, revision)
		}
	}
	revision := Revision{Number: number, Template: template, Version: template.Version, SubmittedAt: now}
	h.revisions = append(kept, revision)

	if h.limit > 0 && len(h.revisions) > h.limit {
		h.revisions = h.revisions[len(h.revisions)-h.limit:]
	}
	return revision
}

// find resolves a rollback target; 0 means the revision before the latest
func (h *history) find(number int) (Revision, error) {
	if number == 0 {
		if len(h.revisions) < 2 {
			return Revision{}, errors.NewNotFoundError("no previous revision to roll back to", nil)
		}
		return h.revisions[len(h.revisions)-2], nil
	}
	for _, revision := range h.revisions {
		if revision.Number == number {
			return revision, nil
		}
	}
	return Revision{}, errors.NewNotFoundError("revision not found", nil).WithContext("revision", number)
}

// forVersion returns the template a version was submitted with
func (h *history) forVersion(version string) (desired.UnitTemplate, bool) {
	for i := len(h.revisions) - 1; i >= 0; i-- {
		if h.revisions[i].Version == version {
			return h.revisions[i].Template, true
		}
	}
	return desired.UnitTemplate{}, false
}

func (h *history) list() []Revision {
	result := make([]Revision, len(h.revisions))
	copy(result, h.revisions)
	return result
}
