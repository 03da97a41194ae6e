// Package planupdate is the Plan Updater: it writes a run's outcome back
// into the originating plan structure, keyed by task identifier,
// idempotently so a repeated write-back of the same outcome is a no-op.
package planupdate

import (
	"reflect"

	"github.com/swarmforge/conductor/internal/task"
)

// PlanResult is the subset of a plan's structure the updater can write
// into: a bag of per-task outcomes the caller's plan representation
// embeds or wraps.
type PlanResult struct {
	TaskOutcomes map[string]task.Result
	Version      int
}

// Apply writes results into dst by task ID, only bumping dst.Version if
// at least one outcome actually changed — repeated application of an
// identical result set is a no-op.
func Apply(dst *PlanResult, results map[string]task.Result) {
	if dst.TaskOutcomes == nil {
		dst.TaskOutcomes = make(map[string]task.Result)
	}

	changed := false
	for id, res := range results {
		existing, ok := dst.TaskOutcomes[id]
		if ok && reflect.DeepEqual(existing, res) {
			continue
		}
		dst.TaskOutcomes[id] = res
		changed = true
	}

	if changed {
		dst.Version++
	}
}
