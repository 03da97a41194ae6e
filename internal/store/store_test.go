package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmforge/conductor/internal/plan"
	"github.com/swarmforge/conductor/internal/statemachine"
	"github.com/swarmforge/conductor/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAndGetPlanRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := plan.Plan{Items: []plan.WorkItem{{ID: "a", Capability: "echo", Version: "v1"}}}

	require.NoError(t, s.PutPlan(ctx, "pipeline-a", p))

	got, ok, err := s.GetPlan(ctx, "pipeline-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p, got)
}

func TestGetPlanMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetPlan(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutPlanArchivesPriorVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPlan(ctx, "p", plan.Plan{Input: map[string]any{"v": 1}}))
	require.NoError(t, s.PutPlan(ctx, "p", plan.Plan{Input: map[string]any{"v": 2}}))

	versions, err := s.GetPlanVersions(ctx, "p", 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, float64(1), versions[0].Input["v"])
}

func TestListPlansReflectsCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutPlan(ctx, "a", plan.Plan{}))
	require.NoError(t, s.PutPlan(ctx, "b", plan.Plan{}))

	require.ElementsMatch(t, []string{"a", "b"}, s.ListPlans(ctx))
}

func TestDeletePlanRemovesFromCacheAndDB(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutPlan(ctx, "a", plan.Plan{}))
	require.NoError(t, s.DeletePlan(ctx, "a"))

	_, ok, err := s.GetPlan(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutAndGetRunRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := &RunRecord{
		RunID:     "run-1",
		PlanName:  "pipeline-a",
		Results:   map[string]task.Result{"a": {TaskID: "a", Status: task.StatusValidated}},
		StartTime: time.Now(),
	}
	require.NoError(t, s.PutRun(ctx, rec))

	got, ok, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StatusValidated, got.Results["a"].Status)
}

func TestListRunsFiltersByPlanAndTimeRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutRun(ctx, &RunRecord{RunID: "r1", PlanName: "p", StartTime: now.Add(-time.Hour)}))
	require.NoError(t, s.PutRun(ctx, &RunRecord{RunID: "r2", PlanName: "p", StartTime: now}))
	require.NoError(t, s.PutRun(ctx, &RunRecord{RunID: "r3", PlanName: "other", StartTime: now}))

	runs, err := s.ListRuns(ctx, "p", now.Add(-time.Minute), now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "r2", runs[0].RunID)
}

func TestScheduleRoundTripsAsRawBytes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSchedule(ctx, "nightly", []byte(`{"cron_expr":"0 0 * * *"}`)))

	all, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Contains(t, all, "nightly")

	require.NoError(t, s.DeleteSchedule(ctx, "nightly"))
	all, err = s.ListSchedules(ctx)
	require.NoError(t, err)
	require.NotContains(t, all, "nightly")
}

func TestPersistTransitionIsQueryableViaStats(t *testing.T) {
	s := openTestStore(t)
	s.PersistTransition("run-1", statemachine.TransitionEvent{
		TaskID: "a", From: task.StatusRunning, To: task.StatusSucceeded, At: time.Now(),
	})

	stats := s.GetStats()
	require.Equal(t, 1, stats["transitions_count"])
}
