package runschedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmforge/conductor/internal/capability"
	"github.com/swarmforge/conductor/internal/gate"
	"github.com/swarmforge/conductor/internal/plan"
	"github.com/swarmforge/conductor/internal/resilience"
	"github.com/swarmforge/conductor/internal/run"
	"github.com/swarmforge/conductor/internal/schema"
	"github.com/swarmforge/conductor/internal/store"
	"github.com/swarmforge/conductor/internal/transport"
)

func newFixture(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(&capability.Capability{
		Name: "echo", Version: "v1", Transport: capability.TransportInProcess,
		InputSchema: &schema.Schema{Kind: schema.KindAny}, OutputSchema: &schema.Schema{Kind: schema.KindAny},
		TimeoutMS: 1000,
	}))
	transports := transport.NewRegistry()
	transports.Register(string(capability.TransportInProcess), transport.NewInProcessClient(map[string]transport.InProcessFunc{
		"echo": func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}))

	runner, err := run.New(run.Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        gate.NewChain(nil),
		NewBreaker: func() *resilience.CircuitBreaker {
			return resilience.NewCircuitBreaker(time.Second, 4, 4, 0.9, time.Millisecond, 1)
		},
	})
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.PutPlan(context.Background(), "pipeline-a", plan.Plan{
		Items: []plan.WorkItem{{ID: "a", Capability: "echo", Version: "v1", Input: map[string]any{}}},
	}))

	sched := New(st, runner, noop.NewMeterProvider().Meter("test"))
	return sched, st
}

func TestAddScheduleRejectsEmptyTrigger(t *testing.T) {
	sched, _ := newFixture(t)
	err := sched.AddSchedule(context.Background(), &ScheduleConfig{PlanName: "pipeline-a", Enabled: true})
	require.Error(t, err)
}

func TestAddScheduleCronPersists(t *testing.T) {
	sched, _ := newFixture(t)
	err := sched.AddSchedule(context.Background(), &ScheduleConfig{
		PlanName: "pipeline-a", CronExpr: "*/5 * * * * *", Enabled: true,
	})
	require.NoError(t, err)

	schedules, err := sched.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.Equal(t, "pipeline-a", schedules[0].PlanName)
}

func TestTriggerEventRunsMatchingSchedule(t *testing.T) {
	sched, st := newFixture(t)
	require.NoError(t, sched.AddSchedule(context.Background(), &ScheduleConfig{
		PlanName: "pipeline-a", EventType: "order.created", Enabled: true,
		EventFilter: map[string]any{"region": "us"},
	}))

	sched.TriggerEvent(context.Background(), "order.created", map[string]any{"region": "us"})

	require.Eventually(t, func() bool {
		runs, err := st.ListRuns(context.Background(), "pipeline-a", time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
		return err == nil && len(runs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTriggerEventSkipsNonMatchingFilter(t *testing.T) {
	sched, st := newFixture(t)
	require.NoError(t, sched.AddSchedule(context.Background(), &ScheduleConfig{
		PlanName: "pipeline-a", EventType: "order.created", Enabled: true,
		EventFilter: map[string]any{"region": "us"},
	}))

	sched.TriggerEvent(context.Background(), "order.created", map[string]any{"region": "eu"})

	time.Sleep(50 * time.Millisecond)
	runs, err := st.ListRuns(context.Background(), "pipeline-a", time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestRemoveScheduleDropsEventHandler(t *testing.T) {
	sched, _ := newFixture(t)
	require.NoError(t, sched.AddSchedule(context.Background(), &ScheduleConfig{
		PlanName: "pipeline-a", EventType: "order.created", Enabled: true,
	}))
	require.NoError(t, sched.RemoveSchedule(context.Background(), "pipeline-a"))

	schedules, err := sched.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Empty(t, schedules)
}
