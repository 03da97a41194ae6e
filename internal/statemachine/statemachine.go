// Package statemachine enforces the orchestration state machine's fixed
// transition table over a task.Status, rejecting any transition the
// table does not explicitly allow.
package statemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmforge/conductor/internal/task"
)

// TransitionEvent is the payload a persistence hook receives for one
// successful transition, per spec.md §4.4 ("old state, new state,
// timestamp, reason code, and optional payload reference").
type TransitionEvent struct {
	TaskID string
	From   task.Status
	To     task.Status
	At     time.Time
	Reason string
}

// transitions is the closed table of legal task.Status transitions.
var transitions = map[task.Status][]task.Status{
	task.StatusPending:   {task.StatusScheduled, task.StatusCancelled},
	task.StatusScheduled: {task.StatusReady, task.StatusCancelled},
	task.StatusReady:     {task.StatusRunning, task.StatusSkipped, task.StatusCancelled},
	task.StatusRunning:   {task.StatusSucceeded, task.StatusFailed, task.StatusCancelled},
	task.StatusSucceeded: {task.StatusValidated, task.StatusFailed},
	task.StatusFailed:    {task.StatusRetrying, task.StatusReported, task.StatusSkipped},
	task.StatusRetrying:  {task.StatusRunning, task.StatusCancelled},
	task.StatusValidated: {task.StatusReported},
	task.StatusReported:  {},
	task.StatusSkipped:   {},
	task.StatusCancelled: {},
}

// TransitionFunc is notified, non-blocking, whenever a task successfully
// transitions between states.
type TransitionFunc func(taskID string, from, to task.Status)

// Machine enforces the transition table for a set of tasks, keyed by ID.
type Machine struct {
	mu     sync.Mutex
	state  map[string]task.Status
	onMove TransitionFunc
}

// New builds a Machine. onMove may be nil.
func New(onMove TransitionFunc) *Machine {
	return &Machine{state: make(map[string]task.Status), onMove: onMove}
}

// Seed registers taskID at task.StatusPending if not already tracked.
func (m *Machine) Seed(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state[taskID]; !ok {
		m.state[taskID] = task.StatusPending
	}
}

// Current returns the tracked status for taskID.
func (m *Machine) Current(taskID string) (task.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[taskID]
	return s, ok
}

// Transition moves taskID from its current status to to, returning an
// error if the move is not in the transition table.
func (m *Machine) Transition(taskID string, to task.Status) error {
	m.mu.Lock()
	from, ok := m.state[taskID]
	if !ok {
		from = task.StatusPending
	}
	if !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition for task %q: %s -> %s", taskID, from, to)
	}
	m.state[taskID] = to
	onMove := m.onMove
	m.mu.Unlock()

	if onMove != nil {
		onMove(taskID, from, to)
	}
	return nil
}

func allowed(from, to task.Status) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
