// Package runschedule is the cron- and event-driven Run trigger: it
// loads a named Plan from the Run/Plan store and hands it to a Runner on
// a cron cadence or in response to a matching bus Event.
package runschedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmforge/conductor/internal/eventbus"
	"github.com/swarmforge/conductor/internal/planupdate"
	"github.com/swarmforge/conductor/internal/run"
	"github.com/swarmforge/conductor/internal/store"
)

// ScheduleConfig defines when and how to trigger a Run of a stored Plan.
type ScheduleConfig struct {
	PlanName      string            `json:"plan_name"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type eventHandler struct {
	schedules   []*ScheduleConfig
	mu          sync.Mutex
	running     int
	lastTrigger time.Time
}

// Scheduler owns cron entries and event-type handlers, triggering Runs
// against a Runner for Plans it loads from store.
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	runner *run.Runner

	mu            sync.RWMutex
	eventHandlers map[string]*eventHandler

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// New builds a Scheduler triggering Runs of Plans loaded from st via
// runner, recording counters against meter.
func New(st *store.Store, runner *run.Runner, meter metric.Meter) *Scheduler {
	scheduleRuns, _ := meter.Int64Counter("conductor_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("conductor_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("conductor_schedule_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         st,
		runner:        runner,
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("conductor-runschedule"),
	}
}

// Start begins dispatching cron-triggered schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits, up to ctx's deadline, for in-flight cron jobs to drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers and persists cfg, wiring it to either cron or an
// event-type handler depending on which it names.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "runschedule.add_schedule",
		trace.WithAttributes(attribute.String("plan", cfg.PlanName), attribute.String("cron", cfg.CronExpr)))
	defer span.End()

	switch {
	case cfg.CronExpr != "":
		if _, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.triggerRun(context.Background(), cfg)
		}); err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
	case cfg.EventType != "":
		s.registerEventHandler(cfg)
	default:
		return fmt.Errorf("either cron_expr or event_type must be specified")
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.store.PutSchedule(ctx, cfg.PlanName, data)
}

// RemoveSchedule drops cfg's event-handler registrations and its
// persisted copy. The cron library has no remove-by-name primitive, so a
// cron-based schedule is disabled only by restarting the Scheduler
// without re-adding it.
func (s *Scheduler) RemoveSchedule(ctx context.Context, planName string) error {
	s.mu.Lock()
	for eventType, h := range s.eventHandlers {
		remaining := h.schedules[:0]
		for _, cfg := range h.schedules {
			if cfg.PlanName != planName {
				remaining = append(remaining, cfg)
			}
		}
		h.schedules = remaining
		if len(h.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	return s.store.DeleteSchedule(ctx, planName)
}

// ListSchedules decodes every persisted schedule.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	raw, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ScheduleConfig, 0, len(raw))
	for _, data := range raw {
		var cfg ScheduleConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			continue
		}
		out = append(out, &cfg)
	}
	return out, nil
}

// HandleEvent adapts an eventbus.Event into TriggerEvent, suited to
// registering directly as an eventbus.Handler.
func (s *Scheduler) HandleEvent(ctx context.Context, evt eventbus.Event) {
	s.TriggerEvent(ctx, evt.Type, evt.Payload)
}

// TriggerEvent fires every enabled, filter-matching, concurrency-eligible
// schedule registered for eventType.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, payload map[string]any) {
	ctx, span := s.tracer.Start(ctx, "runschedule.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		return
	}

	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, cfg := range h.schedules {
		if !cfg.Enabled || !matchesFilter(payload, cfg.EventFilter) {
			continue
		}

		h.mu.Lock()
		if cfg.MaxConcurrent > 0 && h.running >= cfg.MaxConcurrent {
			h.mu.Unlock()
			continue
		}
		h.running++
		h.lastTrigger = time.Now()
		h.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() {
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()

			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			s.triggerRun(execCtx, cfg)
		}(cfg)
	}
}

// triggerRun loads cfg's Plan and executes it, recording the outcome.
func (s *Scheduler) triggerRun(ctx context.Context, cfg *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "runschedule.trigger_run", trace.WithAttributes(attribute.String("plan", cfg.PlanName)))
	defer span.End()
	start := time.Now()

	p, found, err := s.store.GetPlan(ctx, cfg.PlanName)
	if err != nil || !found {
		slog.Error("scheduled plan load failed", "plan", cfg.PlanName, "found", found, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("plan", cfg.PlanName)))
		return
	}

	runID := run.NewRunID()
	upd := &planupdate.PlanResult{}
	_, err = s.runner.Execute(ctx, runID, p, upd)
	if err != nil {
		slog.Error("scheduled run failed", "plan", cfg.PlanName, "run_id", runID, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("plan", cfg.PlanName)))
		return
	}

	_ = s.store.PutRun(ctx, &store.RunRecord{
		RunID: runID, PlanName: cfg.PlanName, Plan: p,
		Results: upd.TaskOutcomes, StartTime: start, EndTime: time.Now(), Status: "completed",
	})

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("plan", cfg.PlanName)))
	slog.Info("scheduled run completed", "plan", cfg.PlanName, "run_id", runID, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) registerEventHandler(cfg *ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.eventHandlers[cfg.EventType]
	if !ok {
		h = &eventHandler{}
		s.eventHandlers[cfg.EventType] = h
	}
	h.schedules = append(h.schedules, cfg)
}

func matchesFilter(payload, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, want := range filter {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// GetScheduleStats reports in-flight scheduler bookkeeping.
func (s *Scheduler) GetScheduleStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eventStats := make(map[string]any, len(s.eventHandlers))
	total := 0
	for eventType, h := range s.eventHandlers {
		h.mu.Lock()
		eventStats[eventType] = map[string]any{
			"schedules": len(h.schedules),
			"running":   h.running,
		}
		total += len(h.schedules)
		h.mu.Unlock()
	}

	return map[string]any{
		"cron_entries":        len(s.cron.Entries()),
		"event_handlers":      len(s.eventHandlers),
		"total_schedules":     total + len(s.cron.Entries()),
		"event_handler_stats": eventStats,
	}
}

// RestoreSchedules re-registers every persisted, enabled schedule, e.g.
// on process startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, cfg := range schedules {
		if !cfg.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, cfg); err != nil {
			slog.Error("failed to restore schedule", "plan", cfg.PlanName, "error", err)
		}
	}
	return nil
}
