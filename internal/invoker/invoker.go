// Package invoker is the Agent Invoker: it resolves a task's capability,
// picks the bound transport, and executes one call under a circuit
// breaker and per-attempt timeout, recording the raw result for the
// schema gate. Retrying a failed attempt and driving the task through
// the FAILED -> RETRYING -> RUNNING cycle between attempts is the
// caller's responsibility (internal/run), since only the caller holds
// the State Machine that must observe each attempt boundary.
package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmforge/conductor/internal/capability"
	"github.com/swarmforge/conductor/internal/resilience"
	"github.com/swarmforge/conductor/internal/task"
	"github.com/swarmforge/conductor/internal/transport"
)

// Invoker dispatches tasks to their bound capability implementation.
type Invoker struct {
	registry   *capability.Registry
	transports *transport.Registry
	mu         sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
	newBreaker func() *resilience.CircuitBreaker
}

// New builds an Invoker over registry and transports. newBreaker
// constructs a fresh CircuitBreaker the first time a capability is
// invoked, so breaker tuning lives in one place at call sites.
func New(registry *capability.Registry, transports *transport.Registry, newBreaker func() *resilience.CircuitBreaker) *Invoker {
	return &Invoker{
		registry:   registry,
		transports: transports,
		breakers:   make(map[string]*resilience.CircuitBreaker),
		newBreaker: newBreaker,
	}
}

// MaxAttempts returns the capped number of attempts configured for t
// (at least 1). The caller loops this many times, invoking Attempt once
// per iteration and deciding retry-ability itself.
func (inv *Invoker) MaxAttempts(t *task.Task) int {
	if t.RetryBudget <= 0 {
		return 1
	}
	return t.RetryBudget
}

// Attempt makes exactly one invocation of t's capability via its bound
// transport, under the capability's circuit breaker and per-attempt
// timeout. It does not retry: the caller drives retries and the
// corresponding State Machine transitions between attempts.
func (inv *Invoker) Attempt(ctx context.Context, t *task.Task, resolvedInput map[string]any) (map[string]any, error) {
	cap, ok := inv.registry.Get(t.Capability, t.Version)
	if !ok {
		return nil, fmt.Errorf("no capability registered for %s@%s", t.Capability, t.Version)
	}
	client, ok := inv.transports.Get(string(cap.Transport))
	if !ok {
		return nil, fmt.Errorf("no transport client registered for %q", cap.Transport)
	}

	breaker := inv.breakerFor(cap.Key())
	if !breaker.Allow() {
		return nil, fmt.Errorf("circuit open for capability %q", cap.Key())
	}

	timeout := time.Duration(cap.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.Invoke(callCtx, transport.Request{
		Capability: cap.Name,
		Endpoint:   cap.Endpoint,
		Input:      resolvedInput,
	})
	breaker.RecordResult(err == nil)
	if err != nil {
		return nil, err
	}
	return resp.Output, nil
}

func (inv *Invoker) breakerFor(key string) *resilience.CircuitBreaker {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if b, ok := inv.breakers[key]; ok {
		return b
	}
	b := inv.newBreaker()
	inv.breakers[key] = b
	return b
}
