package phase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/conductor/internal/graph"
	"github.com/swarmforge/conductor/internal/task"
)

func buildGraph(t *testing.T, ids []string, deps map[string][]string) *graph.Graph {
	t.Helper()
	tasks := make([]*task.Task, len(ids))
	for i, id := range ids {
		tasks[i] = &task.Task{ID: id, DependsOn: deps[id]}
	}
	g, err := graph.Build(tasks)
	require.NoError(t, err)
	return g
}

func TestPhaseContinuePolicySkipsDescendants(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, map[string][]string{
		"b": {"a"},
		"c": {"b"},
	})

	m := New(g, PolicyContinue, func(ctx context.Context, tk *task.Task) task.Result {
		if tk.ID == "a" {
			return task.Result{TaskID: tk.ID, Status: task.StatusFailed}
		}
		return task.Result{TaskID: tk.ID, Status: task.StatusSucceeded}
	})

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, outcome.Results["a"].Status)
	require.Equal(t, task.StatusSkipped, outcome.Results["b"].Status)
	require.Equal(t, task.StatusSkipped, outcome.Results["c"].Status)
	require.False(t, outcome.Halted)
}

func TestPhaseHaltPolicyStopsFurtherLevels(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "x"}, map[string][]string{
		"b": {"a"},
	})

	ran := make(map[string]bool)
	m := New(g, PolicyHalt, func(ctx context.Context, tk *task.Task) task.Result {
		ran[tk.ID] = true
		if tk.ID == "a" {
			return task.Result{TaskID: tk.ID, Status: task.StatusFailed}
		}
		return task.Result{TaskID: tk.ID, Status: task.StatusSucceeded}
	})

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Halted)
	require.False(t, outcome.RolledBack)
	require.False(t, ran["b"])
}

func TestPhaseRollbackPolicyFlagsRollback(t *testing.T) {
	g := buildGraph(t, []string{"a"}, nil)
	m := New(g, PolicyRollback, func(ctx context.Context, tk *task.Task) task.Result {
		return task.Result{TaskID: tk.ID, Status: task.StatusFailed}
	})

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Halted)
	require.True(t, outcome.RolledBack)
}

func TestPhaseAllSucceed(t *testing.T) {
	g := buildGraph(t, []string{"a", "b"}, map[string][]string{"b": {"a"}})
	m := New(g, PolicyContinue, func(ctx context.Context, tk *task.Task) task.Result {
		return task.Result{TaskID: tk.ID, Status: task.StatusSucceeded}
	})

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StatusSucceeded, outcome.Results["a"].Status)
	require.Equal(t, task.StatusSucceeded, outcome.Results["b"].Status)
}
