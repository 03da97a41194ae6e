package telemetry

import (
	"context"
	"testing"
)

func TestInitMetricsNoCollector(t *testing.T) {
	ctx := context.Background()
	shutdown, handler := InitMetrics(ctx, "test-service")
	if handler == nil {
		t.Fatal("expected a non-nil prometheus handler even without a live collector")
	}
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestInitTracerNoCollector(t *testing.T) {
	ctx := context.Background()
	shutdown := InitTracer(ctx, "test-service")
	if shutdown == nil {
		t.Fatal("expected a non-nil shutdown func")
	}
	_ = shutdown(ctx)
}
