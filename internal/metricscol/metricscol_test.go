package metricscol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestCollectorRecordsWithoutError(t *testing.T) {
	c, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	c.RecordDuration(ctx, "inventory.lookup", 42*time.Millisecond)
	c.RecordRetry(ctx, "inventory.lookup")
	c.RecordFailure(ctx, "inventory.lookup")

	done := c.TaskStarted(ctx)
	done()
}
