// Command conductor is the thin HTTP entrypoint wiring every component
// of the orchestration runtime into one process: a Plan registry, a Run
// trigger and cancellation surface, and the cron/event Scheduler, all
// observed through the shared telemetry stack.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"

	"github.com/swarmforge/conductor/internal/cancel"
	"github.com/swarmforge/conductor/internal/capability"
	"github.com/swarmforge/conductor/internal/conductorenv"
	"github.com/swarmforge/conductor/internal/eventbus"
	"github.com/swarmforge/conductor/internal/gate"
	"github.com/swarmforge/conductor/internal/metricscol"
	"github.com/swarmforge/conductor/internal/plan"
	"github.com/swarmforge/conductor/internal/planupdate"
	"github.com/swarmforge/conductor/internal/run"
	"github.com/swarmforge/conductor/internal/runschedule"
	"github.com/swarmforge/conductor/internal/schema"
	"github.com/swarmforge/conductor/internal/status"
	"github.com/swarmforge/conductor/internal/store"
	"github.com/swarmforge/conductor/internal/telemetry"
	"github.com/swarmforge/conductor/internal/transport"
)

const securityPolicy = `package conductor.security

import rego.v1

deny contains msg if {
	some key, value in input.output
	is_string(value)
	regex.match(` + "`" + `(?i)(api[_-]?key|secret|password)\s*[:=]` + "`" + `, value)
	msg := sprintf("output field %q appears to contain a credential", [key])
}
`

func main() {
	service := "conductor"
	logger := telemetry.InitLogging(service)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, metricsHandler := telemetry.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	cfg := conductorenv.Load()

	st, err := store.Open(cfg.DataDir, meter)
	if err != nil {
		slog.Error("store open failed", "error", err)
		return
	}
	defer st.Close()

	caps := capability.NewRegistry()
	transports := transport.NewRegistry()
	transports.Register(string(capability.TransportHTTP), transport.NewHTTPClient(30*time.Second))

	secGate, err := gate.NewSecurityGate(ctx, "conductor.security", map[string]string{"security.rego": securityPolicy})
	if err != nil {
		slog.Error("security gate init failed", "error", err)
		return
	}
	chain := gate.NewChain([]gate.Gate{
		gate.NewSchemaGate(func(capName string) (*schema.Schema, bool) {
			c, ok := caps.Get(capName, latestVersion(caps, capName))
			if !ok {
				return nil, false
			}
			return c.OutputSchema, true
		}),
		gate.NewSyntaxGate(),
		gate.NewDependencyGate(func(name string) bool {
			if _, ok := caps.Get(name, latestVersion(caps, name)); ok {
				return true
			}
			return false
		}),
		secGate,
		gate.NewTestingGate(func(string) []gate.Probe { return nil }),
	})

	metrics, err := metricscol.New(meter)
	if err != nil {
		slog.Error("metrics collector init failed", "error", err)
		return
	}

	tracker := status.New()
	cancelMgr := cancel.New(meter)

	runner, err := run.New(run.Config{
		Capabilities:         caps,
		Transports:           transports,
		Gates:                chain,
		MaxGlobalConcurrency: cfg.MaxGlobalConcurrency,
		Strategy:             cfg.Strategy,
		FailurePolicy:        cfg.FailurePolicy,
		StatusTracker:        tracker,
		Metrics:              metrics,
		PersistTransition:    st.PersistTransition,
	})
	if err != nil {
		slog.Error("runner init failed", "error", err)
		return
	}

	sched := runschedule.New(st, runner, meter)
	if err := sched.RestoreSchedules(ctx); err != nil {
		slog.Warn("schedule restore failed", "error", err)
	}
	sched.Start()

	var bus *eventbus.Bus
	if cfg.NATSURL != "" {
		if b, err := eventbus.Connect(cfg.NATSURL); err != nil {
			slog.Warn("eventbus connect failed, continuing without it", "error", err)
		} else {
			bus = b
			defer bus.Close()
			if _, err := bus.Subscribe("conductor.events.>", func(ctx context.Context, evt eventbus.Event) {
				sched.HandleEvent(ctx, evt)
			}); err != nil {
				slog.Warn("eventbus subscribe failed", "error", err)
			}
		}
	}

	go cancelMgr.StartCleanupLoop(ctx, cfg.CancelCleanupEvery, cfg.CancelRetention)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: newRouter(caps, st, runner, sched, cancelMgr, metricsHandler)}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			stop()
		}
	}()
	slog.Info("conductor started", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	cancelMgr.CancelAll(shutdownCtx, "process shutdown")
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler stop incomplete", "error", err)
	}
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// latestVersion is a stand-in lookup for deployments that register a
// single version per capability name; multi-version capabilities are
// addressed directly via their declared version in a work item.
func latestVersion(caps *capability.Registry, name string) string {
	for _, c := range caps.List() {
		if c.Name == name {
			return c.Version
		}
	}
	return ""
}

func newRouter(caps *capability.Registry, st *store.Store, runner *run.Runner, sched *runschedule.Scheduler, cancelMgr *cancel.Manager, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metricsHandler)

	r.Post("/v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		var c capability.Capability
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := c.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := caps.Register(&c); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(c)
	})

	r.Put("/v1/plans/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var p plan.Plan
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := st.PutPlan(r.Context(), name, p); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/v1/plans/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		p, ok, err := st.GetPlan(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	})

	r.Get("/v1/plans", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(st.ListPlans(r.Context()))
	})

	r.Post("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PlanName string `json:"plan_name"`
			Plan     *plan.Plan `json:"plan,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		p := req.Plan
		if p == nil {
			loaded, ok, err := st.GetPlan(r.Context(), req.PlanName)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if !ok {
				http.Error(w, "plan not found", http.StatusNotFound)
				return
			}
			p = &loaded
		}

		runID := run.NewRunID()
		runCtx, cancelRun := context.WithCancel(r.Context())
		cancelMgr.Register(runID, cancelRun)

		upd := &planupdate.PlanResult{}
		start := time.Now()
		result, err := runner.Execute(runCtx, runID, *p, upd)
		cancelRun()
		if err != nil {
			cancelMgr.Complete(runID, cancel.StatusFailed)
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		if s, _ := cancelMgr.Status(runID); s != cancel.StatusCancelled {
			runStatus := cancel.StatusCompleted
			if result.Bundle.Overall != "succeeded" {
				runStatus = cancel.StatusFailed
			}
			cancelMgr.Complete(runID, runStatus)
		}

		_ = st.PutRun(r.Context(), &store.RunRecord{
			RunID: runID, PlanName: req.PlanName, Plan: *p,
			Results: result.Bundle.Results, StartTime: start, EndTime: time.Now(), Status: string(result.Bundle.Overall),
		})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			RunID  string `json:"run_id"`
			Bundle any    `json:"bundle"`
			Halted bool   `json:"halted"`
		}{RunID: runID, Bundle: result.Bundle, Halted: result.Halted})
	})

	r.Get("/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, ok, err := st.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	})

	r.Post("/v1/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if err := cancelMgr.Cancel(r.Context(), id, req.Reason); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	r.Get("/v1/runs/active", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cancelMgr.ListActive())
	})

	r.Post("/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		var cfg runschedule.ScheduleConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := sched.AddSchedule(r.Context(), &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	r.Get("/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		schedules, err := sched.ListSchedules(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = json.NewEncoder(w).Encode(schedules)
	})

	r.Delete("/v1/schedules/{planName}", func(w http.ResponseWriter, r *http.Request) {
		if err := sched.RemoveSchedule(r.Context(), chi.URLParam(r, "planName")); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/v1/events/{type}", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		sched.TriggerEvent(r.Context(), chi.URLParam(r, "type"), payload)
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
