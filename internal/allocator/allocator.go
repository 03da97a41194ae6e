// Package allocator is the Resource Allocator: it bounds how many tasks
// may run concurrently, both globally and per capability, and layers a
// burst-control rate limiter on top of the concurrency ceiling.
package allocator

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmforge/conductor/internal/resilience"
)

// Allocator grants and releases execution slots for tasks, one global
// semaphore plus an optional per-capability semaphore and rate limiter.
type Allocator struct {
	global chan struct{}

	mu         sync.Mutex
	perCap     map[string]chan struct{}
	capLimits  map[string]int
	limiters   map[string]*resilience.RateLimiter
	newLimiter func() *resilience.RateLimiter
}

// Option configures a capability-specific ceiling ahead of first use.
type Option func(*Allocator)

// WithCapabilityLimit caps concurrent in-flight invocations of capability
// to max, independent of the global ceiling.
func WithCapabilityLimit(capability string, max int) Option {
	return func(a *Allocator) { a.capLimits[capability] = max }
}

// New builds an Allocator with a global concurrency ceiling of maxGlobal.
// newLimiter, if non-nil, constructs a RateLimiter lazily the first time a
// capability is seen.
func New(maxGlobal int, newLimiter func() *resilience.RateLimiter, opts ...Option) *Allocator {
	if maxGlobal <= 0 {
		maxGlobal = 1
	}
	a := &Allocator{
		global:     make(chan struct{}, maxGlobal),
		perCap:     make(map[string]chan struct{}),
		capLimits:  make(map[string]int),
		limiters:   make(map[string]*resilience.RateLimiter),
		newLimiter: newLimiter,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Release is returned by Acquire and must be called exactly once to
// return the slot(s) taken.
type Release func()

// Acquire blocks until a global slot (and, if the capability has a
// dedicated ceiling, a per-capability slot) is available. It returns a
// Release to give the slot(s) back, or an error if ctx is cancelled
// first. If a rate limiter is configured for the capability and denies
// the request, Acquire returns an error at once without waiting.
func (a *Allocator) Acquire(ctx context.Context, capability string) (Release, error) {
	if limiter := a.limiterFor(capability); limiter != nil && !limiter.Allow() {
		return nil, fmt.Errorf("rate limit exceeded for capability %q", capability)
	}

	select {
	case a.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	capSlot := a.capSlotFor(capability)
	if capSlot != nil {
		select {
		case capSlot <- struct{}{}:
		case <-ctx.Done():
			<-a.global
			return nil, ctx.Err()
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if capSlot != nil {
			<-capSlot
		}
		<-a.global
	}, nil
}

func (a *Allocator) capSlotFor(capability string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	max, hasLimit := a.capLimits[capability]
	if !hasLimit {
		return nil
	}
	slot, ok := a.perCap[capability]
	if !ok {
		slot = make(chan struct{}, max)
		a.perCap[capability] = slot
	}
	return slot
}

func (a *Allocator) limiterFor(capability string) *resilience.RateLimiter {
	if a.newLimiter == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[capability]
	if !ok {
		l = a.newLimiter()
		a.limiters[capability] = l
	}
	return l
}
