// Package cancel implements the Cancellation Manager: it tracks every
// in-flight Run's cancel func, lets an operator cancel a Run by ID, and
// periodically forgets terminal Runs once they have aged past retention.
package cancel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Status closes the set of states a tracked Run can occupy from the
// cancellation manager's point of view.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Entry is one Run under cancellation tracking.
type Entry struct {
	RunID       string
	CancelFunc  context.CancelFunc
	Status      Status
	Reason      string
	StartedAt   time.Time
	CancelledAt time.Time
	EndedAt     time.Time
}

// Manager tracks cancel funcs for every active Run, keyed by run ID.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// New builds a Manager that records cancellation counts against meter.
func New(meter metric.Meter) *Manager {
	cancellations, _ := meter.Int64Counter("conductor_run_cancellations_total")
	return &Manager{
		entries:       make(map[string]*Entry),
		cancellations: cancellations,
		tracer:        otel.Tracer("conductor-cancel"),
	}
}

// Register begins tracking runID as running, with cancelFunc as the
// hook Cancel invokes to actually stop it.
func (m *Manager) Register(runID string, cancelFunc context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[runID] = &Entry{
		RunID:      runID,
		CancelFunc: cancelFunc,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
	}
}

// Cancel invokes runID's cancel func and marks it cancelled. It fails if
// runID is unknown or already terminal.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) error {
	ctx, span := m.tracer.Start(ctx, "cancel.cancel",
		trace.WithAttributes(attribute.String("run_id", runID), attribute.String("reason", reason)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[runID]
	if !ok {
		return fmt.Errorf("run not found or already completed: %s", runID)
	}
	if e.Status != StatusRunning {
		return fmt.Errorf("run %s is not running (status: %s)", runID, e.Status)
	}

	e.CancelFunc()
	e.Reason = reason
	e.CancelledAt = time.Now()
	e.Status = StatusCancelled

	m.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	span.AddEvent("run_cancelled")
	return nil
}

// Complete marks runID as having reached a terminal, non-cancelled
// status; it stays tracked until Cleanup ages it out.
func (m *Manager) Complete(runID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[runID]; ok {
		e.Status = status
		e.EndedAt = time.Now()
	}
}

// Status reports runID's last known status.
func (m *Manager) Status(runID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[runID]
	if !ok {
		return "", false
	}
	return e.Status, true
}

// ListActive returns every currently-running Run under tracking.
func (m *Manager) ListActive() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.Status == StatusRunning {
			out = append(out, e)
		}
	}
	return out
}

// Cleanup drops terminal entries whose completion time is older than
// retention, returning how many were removed.
func (m *Manager) Cleanup(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for runID, e := range m.entries {
		if e.Status == StatusRunning {
			continue
		}
		completed := e.EndedAt
		if e.Status == StatusCancelled {
			completed = e.CancelledAt
		}
		if !completed.IsZero() && now.Sub(completed) > retention {
			delete(m.entries, runID)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup on interval until ctx is cancelled.
func (m *Manager) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(retention)
		}
	}
}

// CancelAll cancels every running Run, e.g. during process shutdown, and
// removes all entries from tracking.
func (m *Manager) CancelAll(ctx context.Context, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := 0
	for runID, e := range m.entries {
		if e.Status == StatusRunning {
			e.CancelFunc()
			e.Reason = reason
			e.CancelledAt = time.Now()
			e.Status = StatusCancelled
			m.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
			cancelled++
		}
		delete(m.entries, runID)
	}
	return cancelled
}

// Metrics returns a point-in-time snapshot of entry counts by status.
func (m *Manager) Metrics() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[string]int{"total": len(m.entries), "running": 0, "completed": 0, "failed": 0, "cancelled": 0}
	for _, e := range m.entries {
		switch e.Status {
		case StatusRunning:
			out["running"]++
		case StatusCompleted:
			out["completed"]++
		case StatusFailed:
			out["failed"]++
		case StatusCancelled:
			out["cancelled"]++
		}
	}
	return out
}
