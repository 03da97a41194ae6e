// Package metricscol is the Metrics Collector: a thin wrapper around the
// OpenTelemetry instruments every component records against, named and
// shaped after the teacher's DAG engine instrumentation.
package metricscol

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector bundles the handful of instruments every run's lifecycle
// touches: task duration, retry counts, failure counts, and current
// parallelism.
type Collector struct {
	taskDuration metric.Float64Histogram
	taskRetries  metric.Int64Counter
	taskFailures metric.Int64Counter
	parallelism  metric.Int64UpDownCounter
}

// New builds a Collector registering its instruments against meter.
func New(meter metric.Meter) (*Collector, error) {
	duration, err := meter.Float64Histogram("conductor_task_duration_ms",
		metric.WithDescription("task execution duration in milliseconds"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("conductor_task_retries_total",
		metric.WithDescription("total retry attempts across all tasks"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("conductor_task_failures_total",
		metric.WithDescription("total task failures"))
	if err != nil {
		return nil, err
	}
	parallelism, err := meter.Int64UpDownCounter("conductor_parallelism_current",
		metric.WithDescription("tasks currently in flight"))
	if err != nil {
		return nil, err
	}

	return &Collector{
		taskDuration: duration,
		taskRetries:  retries,
		taskFailures: failures,
		parallelism:  parallelism,
	}, nil
}

// RecordDuration records a task's wall-clock execution time.
func (c *Collector) RecordDuration(ctx context.Context, capability string, d time.Duration) {
	c.taskDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("capability", capability)))
}

// RecordRetry increments the retry counter for capability.
func (c *Collector) RecordRetry(ctx context.Context, capability string) {
	c.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}

// RecordFailure increments the failure counter for capability.
func (c *Collector) RecordFailure(ctx context.Context, capability string) {
	c.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}

// TaskStarted marks one more task in flight; call the returned func when
// it finishes to bring the gauge back down.
func (c *Collector) TaskStarted(ctx context.Context) func() {
	c.parallelism.Add(ctx, 1)
	return func() { c.parallelism.Add(ctx, -1) }
}
