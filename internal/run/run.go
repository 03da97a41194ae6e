// Package run implements the Run: the top-level orchestration entrypoint
// that wires Task Extractor -> Dependency Graph -> Phase Manager ->
// Resource Allocator -> Agent Invoker -> Gate Runner -> Result Aggregator
// -> Plan Updater, with the Status Tracker and Metrics Collector
// observing every boundary, per spec.md §2's control-flow line.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmforge/conductor/internal/aggregator"
	"github.com/swarmforge/conductor/internal/allocator"
	"github.com/swarmforge/conductor/internal/artifact"
	"github.com/swarmforge/conductor/internal/capability"
	"github.com/swarmforge/conductor/internal/decision"
	"github.com/swarmforge/conductor/internal/gate"
	"github.com/swarmforge/conductor/internal/graph"
	"github.com/swarmforge/conductor/internal/invoker"
	"github.com/swarmforge/conductor/internal/lineage"
	"github.com/swarmforge/conductor/internal/metricscol"
	"github.com/swarmforge/conductor/internal/phase"
	"github.com/swarmforge/conductor/internal/plan"
	"github.com/swarmforge/conductor/internal/planupdate"
	"github.com/swarmforge/conductor/internal/resilience"
	"github.com/swarmforge/conductor/internal/rollback"
	"github.com/swarmforge/conductor/internal/schema"
	"github.com/swarmforge/conductor/internal/statemachine"
	"github.com/swarmforge/conductor/internal/status"
	"github.com/swarmforge/conductor/internal/task"
	"github.com/swarmforge/conductor/internal/transport"
)

// Strategy selects the parallel-blocking policy spec.md §4.2 describes.
type Strategy string

const (
	// StrategyMax releases every ready task, bounded only by the global
	// concurrency ceiling.
	StrategyMax Strategy = "max"
	// StrategyByResource limits each capability to its declared
	// MaxInFlight ceiling.
	StrategyByResource Strategy = "by-resource"
	// StrategyByCapability allows only one in-flight invocation per
	// capability at a time.
	StrategyByCapability Strategy = "by-capability"
	// StrategyConservative allows only one in-flight task globally,
	// regardless of level width.
	StrategyConservative Strategy = "conservative"
)

// Config bundles every dependency a Runner needs. Capabilities,
// Transports and Gates are required; everything else has a sensible
// default.
type Config struct {
	Capabilities *capability.Registry
	Transports   *transport.Registry
	Gates        *gate.Chain

	MaxGlobalConcurrency int
	Strategy             Strategy
	FailurePolicy        phase.FailurePolicy
	DecisionRules        []decision.Rule
	RollbackHandler      rollback.Handler

	StatusTracker *status.Tracker
	Metrics       *metricscol.Collector

	NewBreaker func() *resilience.CircuitBreaker
	NewLimiter func() *resilience.RateLimiter

	// PersistTransition, if set, is offered every task state transition
	// in addition to the StatusTracker, e.g. a store.Store sink.
	PersistTransition func(runID string, evt statemachine.TransitionEvent)
}

// Runner executes Plans against a fixed set of registered capabilities,
// transports, and gates. One Runner may drive many sequential or
// concurrent Runs; a Run's identity is just the runID passed to
// Execute.
type Runner struct {
	cfg        Config
	invoker    *invoker.Invoker
	allocator  *allocator.Allocator
	decision   *decision.Engine
	rollback   *rollback.Registry
	statusSink *status.Tracker
	metrics    *metricscol.Collector
}

// New validates cfg and builds a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Capabilities == nil {
		return nil, fmt.Errorf("run: Config.Capabilities is required")
	}
	if cfg.Transports == nil {
		return nil, fmt.Errorf("run: Config.Transports is required")
	}
	if cfg.Gates == nil {
		return nil, fmt.Errorf("run: Config.Gates is required")
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = phase.PolicyContinue
	}
	if cfg.MaxGlobalConcurrency <= 0 {
		cfg.MaxGlobalConcurrency = 16
	}
	if cfg.NewBreaker == nil {
		cfg.NewBreaker = func() *resilience.CircuitBreaker {
			return resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 5*time.Second, 2)
		}
	}
	if cfg.StatusTracker == nil {
		cfg.StatusTracker = status.New()
	}

	alloc := buildAllocator(cfg)
	inv := invoker.New(cfg.Capabilities, cfg.Transports, cfg.NewBreaker)
	rb := rollback.NewRegistry()
	if cfg.RollbackHandler != nil {
		rb.Register(cfg.RollbackHandler)
	}

	return &Runner{
		cfg:        cfg,
		invoker:    inv,
		allocator:  alloc,
		decision:   decision.New(cfg.DecisionRules...),
		rollback:   rb,
		statusSink: cfg.StatusTracker,
		metrics:    cfg.Metrics,
	}, nil
}

func buildAllocator(cfg Config) *allocator.Allocator {
	var opts []allocator.Option
	global := cfg.MaxGlobalConcurrency

	switch cfg.Strategy {
	case StrategyConservative:
		global = 1
	case StrategyByResource:
		for _, c := range cfg.Capabilities.List() {
			if c.MaxInFlight > 0 {
				opts = append(opts, allocator.WithCapabilityLimit(c.Key(), c.MaxInFlight))
			}
		}
	case StrategyByCapability:
		for _, c := range cfg.Capabilities.List() {
			opts = append(opts, allocator.WithCapabilityLimit(c.Key(), 1))
		}
	}

	var newLimiter func() *resilience.RateLimiter
	if cfg.NewLimiter != nil {
		newLimiter = cfg.NewLimiter
	}
	return allocator.New(global, newLimiter, opts...)
}

// Result is everything a completed (or aborted) Run produces: the
// aggregated artifact bundle and whether the run halted or rolled back.
// Fatal errors are returned by Execute alongside it, not stored in it.
type Result struct {
	Bundle aggregator.Bundle
	Halted bool
	Rolledback bool
}

// Execute runs one Plan end to end: extraction, phased dispatch,
// validation, and aggregation. runID identifies this execution for the
// Status Tracker and any persistence sink; p.Input is the Run-wide value
// addressable as $input.* inside work item expressions. When upd is
// non-nil, validated tasks move to REPORTED and the per-task outcomes are
// written back into it.
func (r *Runner) Execute(ctx context.Context, runID string, p plan.Plan, upd *planupdate.PlanResult) (Result, error) {
	tasks, g, err := plan.Extract(p, r.cfg.Capabilities)
	if err != nil {
		return Result{}, fmt.Errorf("run %s: extraction failed: %w", runID, err)
	}

	sm := statemachine.New(func(taskID string, from, to task.Status) {
		r.statusSink.Record(runID, taskID, from, to)
		if r.cfg.PersistTransition != nil {
			r.cfg.PersistTransition(runID, statemachine.TransitionEvent{
				TaskID: taskID, From: from, To: to, At: time.Now(),
			})
		}
	})
	for _, t := range tasks {
		sm.Seed(t.ID)
		_ = sm.Transition(t.ID, task.StatusScheduled)
		_ = sm.Transition(t.ID, task.StatusReady)
	}

	artifacts := artifact.New()
	lin := lineage.New()

	var outMu sync.Mutex
	outputs := make(map[string]map[string]any)
	byTask := make(map[string]*artifact.Artifact)

	exec := func(ctx context.Context, t *task.Task) task.Result {
		return r.runTask(ctx, runID, t, sm, g, p.Input, &outMu, outputs, byTask, lin, artifacts)
	}

	mgr := phase.New(g, r.cfg.FailurePolicy, exec)
	outcome, err := mgr.Run(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("run %s: phase execution failed: %w", runID, err)
	}

	if outcome.RolledBack {
		var produced []*artifact.Artifact
		outMu.Lock()
		for id, res := range outcome.Results {
			if res.Status == task.StatusSucceeded || res.Status == task.StatusValidated {
				if art, ok := byTask[id]; ok {
					produced = append(produced, art)
				}
			}
		}
		outMu.Unlock()
		if rbErr := r.rollback.Unwind(ctx, produced); rbErr != nil {
			return Result{}, fmt.Errorf("run %s: rollback failed: %w", runID, rbErr)
		}
	}

	agg := aggregator.New(artifacts)
	bundle, err := agg.Aggregate(outcome.Results)
	if err != nil {
		return Result{}, fmt.Errorf("run %s: aggregation failed: %w", runID, err)
	}

	if upd != nil {
		for id, res := range outcome.Results {
			if res.Status == task.StatusValidated && sm.Transition(id, task.StatusReported) == nil {
				res.Status = task.StatusReported
				outcome.Results[id] = res
			}
		}
		planupdate.Apply(upd, outcome.Results)
	}

	return Result{Bundle: bundle, Halted: outcome.Halted, Rolledback: outcome.RolledBack}, nil
}

// runTask is the Executor the Phase Manager drives for a single ready
// task: resource grant, reference substitution, input validation,
// invocation with retry, gate evaluation, and state transitions.
func (r *Runner) runTask(
	ctx context.Context,
	runID string,
	t *task.Task,
	sm *statemachine.Machine,
	g *graph.Graph,
	runInput map[string]any,
	outMu *sync.Mutex,
	outputs map[string]map[string]any,
	byTask map[string]*artifact.Artifact,
	lin *lineage.Graph,
	artifacts *artifact.Store,
) task.Result {
	start := time.Now()
	cap, ok := r.cfg.Capabilities.Get(t.Capability, t.Version)
	if !ok {
		_ = sm.Transition(t.ID, task.StatusFailed)
		return failResult(t, start, 0, newError(CodeSchemaUnknown, t.ID, false, fmt.Errorf("capability %s@%s not registered", t.Capability, t.Version)))
	}

	release, err := r.allocator.Acquire(ctx, cap.Key())
	if err != nil {
		_ = sm.Transition(t.ID, task.StatusFailed)
		return failResult(t, start, 0, newError(CodeResourceExhausted, t.ID, true, err))
	}
	defer release()

	if r.metrics != nil {
		done := r.metrics.TaskStarted(ctx)
		defer done()
	}

	if err := sm.Transition(t.ID, task.StatusRunning); err != nil {
		return failResult(t, start, 0, newError(CodeInternalError, t.ID, false, err))
	}

	outMu.Lock()
	snapshot := make(map[string]map[string]any, len(outputs))
	for k, v := range outputs {
		snapshot[k] = v
	}
	outMu.Unlock()

	resolver := graph.NewResolver(runInput, snapshot)
	resolvedInput, err := resolver.Resolve(toAny(t.RawInput))
	if err != nil {
		_ = sm.Transition(t.ID, task.StatusFailed)
		return failResult(t, start, 0, newError(CodeReferenceUnresolved, t.ID, false, err))
	}
	resolvedMap, _ := resolvedInput.(map[string]any)
	if resolvedMap == nil {
		resolvedMap = map[string]any{}
	}

	if violations := schema.Validate(resolvedMap, cap.InputSchema); len(violations) > 0 {
		_ = sm.Transition(t.ID, task.StatusFailed)
		return failResult(t, start, 0, newError(CodeInputValidationError, t.ID, false, violations[0]))
	}

	// Drive each retry attempt through the State Machine so RETRYING is
	// observable between attempts, per spec.md §4.4's transition table:
	// RUNNING -> FAILED -> RETRYING -> RUNNING, not a private retry loop
	// hidden inside the invoker.
	var output map[string]any
	var invokeErr error
	maxAttempts := r.invoker.MaxAttempts(t)
	attempts := 0

retryLoop:
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		output, invokeErr = r.invoker.Attempt(ctx, t, resolvedMap)
		if invokeErr == nil {
			break retryLoop
		}
		if ctx.Err() != nil {
			break retryLoop
		}
		if !classify(invokeErr).Retryable() || attempts == maxAttempts {
			break retryLoop
		}

		_ = sm.Transition(t.ID, task.StatusFailed)
		if err := sm.Transition(t.ID, task.StatusRetrying); err != nil {
			break retryLoop
		}
		if r.metrics != nil {
			r.metrics.RecordRetry(ctx, t.Capability)
		}
		select {
		case <-ctx.Done():
			break retryLoop
		case <-time.After(resilience.BackoffDelay(attempts-1, 200*time.Millisecond)):
		}
		if err := sm.Transition(t.ID, task.StatusRunning); err != nil {
			break retryLoop
		}
	}

	if invokeErr != nil && ctx.Err() != nil {
		_ = sm.Transition(t.ID, task.StatusCancelled)
		return task.Result{
			TaskID: t.ID, Status: task.StatusCancelled,
			Err:        newError(CodeCancelled, t.ID, false, ctx.Err()).Error(),
			Attempts:   attempts,
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	if invokeErr != nil {
		_ = sm.Transition(t.ID, task.StatusFailed)
		if r.metrics != nil {
			r.metrics.RecordFailure(ctx, t.Capability)
		}
		category := classify(invokeErr)
		action := r.decision.Decide(category)
		res := failResult(t, start, attempts, newError(toErrorCode(category, ""), t.ID, category.Retryable(), invokeErr))
		if action == decision.ActionSkip {
			res.Status = task.StatusFailed
		}
		return res
	}

	outMu.Lock()
	outputs[t.ID] = output
	outMu.Unlock()

	for _, parent := range g.Parents(t.ID) {
		lin.RecordReference(parent, t.ID)
	}

	if err := sm.Transition(t.ID, task.StatusSucceeded); err != nil {
		return failResult(t, start, attempts, newError(CodeInternalError, t.ID, false, err))
	}

	report, gerr := r.cfg.Gates.Run(ctx, gate.Input{TaskID: t.ID, Capability: t.Capability, Output: output})
	if gerr != nil {
		_ = sm.Transition(t.ID, task.StatusFailed)
		return failResult(t, start, attempts, newError(CodeInternalError, t.ID, false, gerr))
	}
	if report.ShortCircuit != "" {
		_ = sm.Transition(t.ID, task.StatusFailed)
		reason := fmt.Sprintf("gate_failed:%s", report.ShortCircuit)
		action := r.decision.DecideGateCritical(t.Required)
		return task.Result{
			TaskID: t.ID, Status: task.StatusFailed, Err: reason,
			Attempts: attempts, DurationMS: time.Since(start).Milliseconds(),
			QualityScore: report.Score, ForceHalt: action == decision.ActionHalt,
		}
	}

	if err := sm.Transition(t.ID, task.StatusValidated); err != nil {
		return failResult(t, start, attempts, newError(CodeInternalError, t.ID, false, err))
	}

	art, err := artifacts.Put(t.ID, t.Capability, output)
	if err != nil {
		return failResult(t, start, attempts, newError(CodeInternalError, t.ID, false, err))
	}
	outMu.Lock()
	byTask[t.ID] = art
	outMu.Unlock()

	return task.Result{
		TaskID: t.ID, Status: task.StatusValidated, Output: output,
		Attempts: attempts, DurationMS: time.Since(start).Milliseconds(),
		QualityScore: report.Score,
	}
}

func failResult(t *task.Task, start time.Time, attempts int, err *Error) task.Result {
	if attempts <= 0 {
		attempts = 1
	}
	return task.Result{
		TaskID: t.ID, Status: task.StatusFailed, Err: err.Error(),
		Attempts: attempts, DurationMS: time.Since(start).Milliseconds(),
	}
}

func toAny(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewRunID generates a fresh, unique Run identifier.
func NewRunID() string { return uuid.NewString() }
