package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/conductor/internal/task"
)

func TestTransitionHappyPath(t *testing.T) {
	var moves [][2]task.Status
	m := New(func(taskID string, from, to task.Status) {
		moves = append(moves, [2]task.Status{from, to})
	})
	m.Seed("t1")

	require.NoError(t, m.Transition("t1", task.StatusScheduled))
	require.NoError(t, m.Transition("t1", task.StatusReady))
	require.NoError(t, m.Transition("t1", task.StatusRunning))
	require.NoError(t, m.Transition("t1", task.StatusSucceeded))
	require.NoError(t, m.Transition("t1", task.StatusValidated))
	require.NoError(t, m.Transition("t1", task.StatusReported))

	cur, ok := m.Current("t1")
	require.True(t, ok)
	require.Equal(t, task.StatusReported, cur)
	require.Len(t, moves, 6)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	m := New(nil)
	m.Seed("t1")
	err := m.Transition("t1", task.StatusRunning)
	require.Error(t, err)
}

func TestTransitionTerminalStatesHaveNoExits(t *testing.T) {
	m := New(nil)
	m.Seed("t1")
	require.NoError(t, m.Transition("t1", task.StatusScheduled))
	require.NoError(t, m.Transition("t1", task.StatusReady))
	require.NoError(t, m.Transition("t1", task.StatusSkipped))
	require.Error(t, m.Transition("t1", task.StatusRunning))
}

func TestTransitionFailedCanBeSkippedOrReported(t *testing.T) {
	m := New(nil)
	m.Seed("t1")
	require.NoError(t, m.Transition("t1", task.StatusScheduled))
	require.NoError(t, m.Transition("t1", task.StatusReady))
	require.NoError(t, m.Transition("t1", task.StatusRunning))
	require.NoError(t, m.Transition("t1", task.StatusFailed))
	require.NoError(t, m.Transition("t1", task.StatusReported))

	m.Seed("t2")
	require.NoError(t, m.Transition("t2", task.StatusScheduled))
	require.NoError(t, m.Transition("t2", task.StatusReady))
	require.NoError(t, m.Transition("t2", task.StatusRunning))
	require.NoError(t, m.Transition("t2", task.StatusFailed))
	require.NoError(t, m.Transition("t2", task.StatusSkipped))
}
