// Package phase implements the Phase Manager: it walks the dependency
// graph level by level, dispatching each level's ready tasks and
// deciding, on failure, whether the run continues past the failed
// branch, halts entirely, or triggers a rollback.
package phase

import (
	"context"

	"github.com/swarmforge/conductor/internal/graph"
	"github.com/swarmforge/conductor/internal/task"
)

// FailurePolicy controls how a phase reacts to a task failure within it.
type FailurePolicy string

const (
	// PolicyContinue skips the failed task's descendants but keeps
	// running every other ready task in the level and subsequent levels.
	PolicyContinue FailurePolicy = "continue"
	// PolicyHalt stops dispatching any further tasks once one fails.
	PolicyHalt FailurePolicy = "halt"
	// PolicyRollback behaves like PolicyHalt but additionally signals
	// the caller that already-succeeded tasks should be unwound.
	PolicyRollback FailurePolicy = "rollback"
)

// Executor runs a single task to completion and returns its result.
type Executor func(ctx context.Context, t *task.Task) task.Result

// Manager drives a Graph through its levels, calling Executor for each
// ready task and applying FailurePolicy when one fails.
type Manager struct {
	g      *graph.Graph
	policy FailurePolicy
	run    Executor
}

// New builds a phase Manager over g, dispatching ready tasks through run
// and reacting to failures per policy.
func New(g *graph.Graph, policy FailurePolicy, run Executor) *Manager {
	if policy == "" {
		policy = PolicyContinue
	}
	return &Manager{g: g, policy: policy, run: run}
}

// Outcome summarizes how the phased run ended.
type Outcome struct {
	Results     map[string]task.Result
	RolledBack  bool
	Halted      bool
}

// Run executes every level of the graph in order, skipping descendants
// of failed tasks per PolicyContinue, or stopping early per
// PolicyHalt/PolicyRollback. Each level's ready tasks run concurrently.
func (m *Manager) Run(ctx context.Context) (Outcome, error) {
	results := make(map[string]task.Result)
	skipped := make(map[string]bool)
	var halted, rolledBack bool

	for _, level := range m.g.Levels() {
		if halted {
			break
		}
		if ctx.Err() != nil {
			halted = true
			break
		}
		levelResults := m.runLevel(ctx, level, skipped)
		for id, res := range levelResults {
			results[id] = res
			if res.Status == task.StatusFailed {
				m.propagateSkip(id, skipped)
				switch m.policy {
				case PolicyHalt:
					halted = true
				case PolicyRollback:
					halted = true
					rolledBack = true
				}
				if res.ForceHalt {
					halted = true
				}
			}
		}
	}

	for id := range skipped {
		if _, already := results[id]; !already {
			results[id] = task.Result{TaskID: id, Status: task.StatusSkipped}
		}
	}

	// A Run cancelled mid-flight never dispatches the tasks it hadn't
	// reached yet (spec.md §5: "no further tasks enter RUNNING"); report
	// them as cancelled rather than silently dropping them from the
	// Outcome.
	if ctx.Err() != nil {
		for _, id := range m.g.TaskIDs() {
			if _, already := results[id]; !already {
				results[id] = task.Result{TaskID: id, Status: task.StatusCancelled}
			}
		}
	}

	return Outcome{Results: results, Halted: halted, RolledBack: rolledBack}, nil
}

func (m *Manager) runLevel(ctx context.Context, level []string, skipped map[string]bool) map[string]task.Result {
	type out struct {
		id  string
		res task.Result
	}
	ch := make(chan out, len(level))
	count := 0
	for _, id := range level {
		if skipped[id] {
			continue
		}
		t, ok := m.g.Task(id)
		if !ok {
			continue
		}
		count++
		go func(t *task.Task) {
			ch <- out{id: t.ID, res: m.run(ctx, t)}
		}(t)
	}

	results := make(map[string]task.Result, count)
	for i := 0; i < count; i++ {
		o := <-ch
		results[o.id] = o.res
	}
	return results
}

// propagateSkip marks every downstream descendant of a failed task as
// skipped, recursively, so they never get dispatched.
func (m *Manager) propagateSkip(failedID string, skipped map[string]bool) {
	var walk func(id string)
	walk = func(id string) {
		for _, child := range m.g.Children(id) {
			if skipped[child] {
				continue
			}
			skipped[child] = true
			walk(child)
		}
	}
	walk(failedID)
}
