package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRespectsGlobalCeiling(t *testing.T) {
	a := New(1, nil)

	release1, err := a.Acquire(context.Background(), "cap-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx, "cap-a")
	require.Error(t, err)

	release1()
	release2, err := a.Acquire(context.Background(), "cap-a")
	require.NoError(t, err)
	release2()
}

func TestAcquireRespectsPerCapabilityCeiling(t *testing.T) {
	a := New(10, nil, WithCapabilityLimit("cap-a", 1))

	release1, err := a.Acquire(context.Background(), "cap-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx, "cap-a")
	require.Error(t, err)

	// A different capability is unaffected by cap-a's ceiling.
	release2, err := a.Acquire(context.Background(), "cap-b")
	require.NoError(t, err)

	release1()
	release2()
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New(1, nil)
	release, err := a.Acquire(context.Background(), "cap-a")
	require.NoError(t, err)
	release()
	require.NotPanics(t, release)
}
