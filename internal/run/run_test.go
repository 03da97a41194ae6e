package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/conductor/internal/capability"
	"github.com/swarmforge/conductor/internal/gate"
	"github.com/swarmforge/conductor/internal/phase"
	"github.com/swarmforge/conductor/internal/plan"
	"github.com/swarmforge/conductor/internal/planupdate"
	"github.com/swarmforge/conductor/internal/resilience"
	"github.com/swarmforge/conductor/internal/schema"
	"github.com/swarmforge/conductor/internal/statemachine"
	"github.com/swarmforge/conductor/internal/task"
	"github.com/swarmforge/conductor/internal/transport"
)

type stubGate struct {
	name    string
	outcome gate.Outcome
	err     error
}

func (s stubGate) Name() string { return s.name }
func (s stubGate) Evaluate(ctx context.Context, in gate.Input) (gate.Outcome, error) {
	return s.outcome, s.err
}

func passGate() *gate.Chain {
	return gate.NewChain([]gate.Gate{stubGate{name: "pass", outcome: gate.Outcome{Gate: "pass", Passed: true, Score: 1}}})
}

func criticalGate() *gate.Chain {
	return gate.NewChain([]gate.Gate{stubGate{name: "critical", outcome: gate.Outcome{
		Gate: "critical", Passed: false,
		Findings: []gate.Finding{{Gate: "critical", Severity: gate.SeverityCritical, Message: "rejected"}},
	}}})
}

func registerEcho(t *testing.T, reg *capability.Registry, name string, maxInFlight int, fn transport.InProcessFunc) *transport.Registry {
	t.Helper()
	require.NoError(t, reg.Register(&capability.Capability{
		Name:         name,
		Version:      "v1",
		Transport:    capability.TransportInProcess,
		InputSchema:  &schema.Schema{Kind: schema.KindAny},
		OutputSchema: &schema.Schema{Kind: schema.KindAny},
		MaxInFlight:  maxInFlight,
		TimeoutMS:    1000,
	}))
	transports := transport.NewRegistry()
	transports.Register(string(capability.TransportInProcess), transport.NewInProcessClient(map[string]transport.InProcessFunc{
		name: fn,
	}))
	return transports
}

func newBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(time.Second, 4, 4, 0.9, time.Millisecond, 1)
}

// S1: linear pipeline A -> B -> C, each step's output feeding the next.
func TestExecuteLinearPipeline(t *testing.T) {
	reg := capability.NewRegistry()
	transports := registerEcho(t, reg, "echo", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"v": input["v"]}, nil
	})

	r, err := New(Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        passGate(),
		NewBreaker:   newBreaker,
	})
	require.NoError(t, err)

	p := plan.Plan{
		Items: []plan.WorkItem{
			{ID: "a", Capability: "echo", Version: "v1", Input: map[string]any{"v": "$input.seed"}},
			{ID: "b", Capability: "echo", Version: "v1", Input: map[string]any{"v": "$steps.a.output.v"}},
			{ID: "c", Capability: "echo", Version: "v1", Input: map[string]any{"v": "$steps.b.output.v"}},
		},
		Input: map[string]any{"seed": "hello"},
	}

	res, err := r.Execute(context.Background(), NewRunID(), p, nil)
	require.NoError(t, err)
	require.False(t, res.Halted)
	require.False(t, res.Rolledback)
	require.Len(t, res.Bundle.Artifacts, 3)
}

// S2: fan-out/fan-in, A -> {B1,B2,B3} -> D.
func TestExecuteFanOutFanIn(t *testing.T) {
	reg := capability.NewRegistry()
	transports := registerEcho(t, reg, "echo", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	r, err := New(Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        passGate(),
		NewBreaker:   newBreaker,
	})
	require.NoError(t, err)

	p := plan.Plan{
		Items: []plan.WorkItem{
			{ID: "a", Capability: "echo", Version: "v1", Input: map[string]any{}},
			{ID: "b1", Capability: "echo", Version: "v1", Input: map[string]any{"v": "$steps.a.output.ok"}},
			{ID: "b2", Capability: "echo", Version: "v1", Input: map[string]any{"v": "$steps.a.output.ok"}},
			{ID: "b3", Capability: "echo", Version: "v1", Input: map[string]any{"v": "$steps.a.output.ok"}},
			{ID: "d", Capability: "echo", Version: "v1", Input: map[string]any{
				"all": []any{"$steps.b1.output.ok", "$steps.b2.output.ok", "$steps.b3.output.ok"},
			}},
		},
	}

	res, err := r.Execute(context.Background(), NewRunID(), p, nil)
	require.NoError(t, err)
	require.False(t, res.Halted)
	require.Len(t, res.Bundle.Artifacts, 5)
}

// S3: a capability fails transiently once and succeeds on retry.
func TestExecuteRetryableTransportFailureRecovers(t *testing.T) {
	reg := capability.NewRegistry()
	calls := 0
	transports := registerEcho(t, reg, "flaky", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("rate limit exceeded")
		}
		return map[string]any{"done": true}, nil
	})

	var transitions []statemachine.TransitionEvent
	r, err := New(Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        passGate(),
		NewBreaker:   newBreaker,
		PersistTransition: func(runID string, evt statemachine.TransitionEvent) {
			transitions = append(transitions, evt)
		},
	})
	require.NoError(t, err)

	p := plan.Plan{Items: []plan.WorkItem{
		{ID: "a", Capability: "flaky", Version: "v1", Retry: 3, Input: map[string]any{}},
	}}

	upd := &planupdate.PlanResult{}
	res, err := r.Execute(context.Background(), NewRunID(), p, upd)
	require.NoError(t, err)
	require.False(t, res.Halted)
	require.Equal(t, 2, calls)
	require.Equal(t, task.StatusReported, upd.TaskOutcomes["a"].Status)
	require.Equal(t, 2, upd.TaskOutcomes["a"].Attempts)

	var sawRetrying bool
	for _, evt := range transitions {
		if evt.TaskID == "a" && evt.To == task.StatusRetrying {
			sawRetrying = true
		}
	}
	require.True(t, sawRetrying, "expected a RETRYING transition for task a, got %+v", transitions)
}

// S4: a critical gate finding fails the task without retry, skipping
// downstream descendants under the default continue policy.
func TestExecuteCriticalGateFailsTaskAndSkipsDescendants(t *testing.T) {
	reg := capability.NewRegistry()
	transports := registerEcho(t, reg, "echo", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"v": 1}, nil
	})

	r, err := New(Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        criticalGate(),
		NewBreaker:   newBreaker,
	})
	require.NoError(t, err)

	p := plan.Plan{Items: []plan.WorkItem{
		{ID: "a", Capability: "echo", Version: "v1", Input: map[string]any{}},
		{ID: "b", Capability: "echo", Version: "v1", DependsOn: []string{"a"}, Input: map[string]any{}},
	}}

	res, err := r.Execute(context.Background(), NewRunID(), p, nil)
	require.NoError(t, err)
	require.False(t, res.Halted)
	require.Equal(t, task.StatusFailed, res.Bundle.Results["a"].Status)
	require.Equal(t, task.StatusSkipped, res.Bundle.Results["b"].Status)
}

// A critical gate finding on a task marked required forces the whole run
// to halt, bypassing the default continue policy, and carries the gate's
// score through to the task's result.
func TestExecuteCriticalGateOnRequiredTaskForcesHalt(t *testing.T) {
	reg := capability.NewRegistry()
	transports := registerEcho(t, reg, "echo", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"v": 1}, nil
	})

	r, err := New(Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        criticalGate(),
		NewBreaker:   newBreaker,
	})
	require.NoError(t, err)

	p := plan.Plan{Items: []plan.WorkItem{
		{ID: "a", Capability: "echo", Version: "v1", Required: true, Input: map[string]any{}},
		{ID: "b", Capability: "echo", Version: "v1", Input: map[string]any{}},
	}}

	res, err := r.Execute(context.Background(), NewRunID(), p, nil)
	require.NoError(t, err)
	require.True(t, res.Halted)
	require.Equal(t, task.StatusFailed, res.Bundle.Results["a"].Status)
	require.Zero(t, res.Bundle.Results["a"].QualityScore)
}

// S5: a cyclic plan is rejected by the Task Extractor before any task runs.
func TestExecuteRejectsCyclicPlan(t *testing.T) {
	reg := capability.NewRegistry()
	transports := registerEcho(t, reg, "echo", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	r, err := New(Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        passGate(),
		NewBreaker:   newBreaker,
	})
	require.NoError(t, err)

	p := plan.Plan{Items: []plan.WorkItem{
		{ID: "a", Capability: "echo", Version: "v1", DependsOn: []string{"b"}},
		{ID: "b", Capability: "echo", Version: "v1", DependsOn: []string{"a"}},
	}}

	_, err = r.Execute(context.Background(), NewRunID(), p, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle_detected")
}

// S6: pre-cancelled context halts the run before any task is validated.
func TestExecuteHonorsCancellation(t *testing.T) {
	reg := capability.NewRegistry()
	transports := registerEcho(t, reg, "echo", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r, err := New(Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        passGate(),
		NewBreaker:   newBreaker,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := plan.Plan{Items: []plan.WorkItem{
		{ID: "a", Capability: "echo", Version: "v1", Input: map[string]any{}},
	}}

	res, err := r.Execute(ctx, NewRunID(), p, nil)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, res.Bundle.Results["a"].Status)
}

// Strategy selection changes the allocator's shape, not its correctness:
// a conservative strategy still completes a fan-out plan, serialized.
func TestExecuteConservativeStrategySerializes(t *testing.T) {
	reg := capability.NewRegistry()
	transports := registerEcho(t, reg, "echo", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	r, err := New(Config{
		Capabilities: reg,
		Transports:   transports,
		Gates:        passGate(),
		Strategy:     StrategyConservative,
		NewBreaker:   newBreaker,
	})
	require.NoError(t, err)

	p := plan.Plan{Items: []plan.WorkItem{
		{ID: "a", Capability: "echo", Version: "v1", Input: map[string]any{}},
		{ID: "b", Capability: "echo", Version: "v1", Input: map[string]any{}},
	}}

	res, err := r.Execute(context.Background(), NewRunID(), p, nil)
	require.NoError(t, err)
	require.Len(t, res.Bundle.Artifacts, 2)
}

// A halt policy stops the run after the first failure, never scheduling
// later levels.
func TestExecuteHaltPolicyStopsAfterFailure(t *testing.T) {
	reg := capability.NewRegistry()
	transports := registerEcho(t, reg, "echo", 0, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	r, err := New(Config{
		Capabilities:  reg,
		Transports:    transports,
		Gates:         passGate(),
		FailurePolicy: phase.PolicyHalt,
		NewBreaker:    newBreaker,
	})
	require.NoError(t, err)

	p := plan.Plan{Items: []plan.WorkItem{
		{ID: "a", Capability: "echo", Version: "v1", Input: map[string]any{}},
	}}

	res, err := r.Execute(context.Background(), NewRunID(), p, nil)
	require.NoError(t, err)
	require.True(t, res.Halted)
}
