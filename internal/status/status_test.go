package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/conductor/internal/task"
)

func TestRecordAndSnapshot(t *testing.T) {
	tr := New()
	tr.Record("run-1", "t1", task.StatusPending, task.StatusRunning)
	tr.Record("run-1", "t2", task.StatusPending, task.StatusSucceeded)

	snap := tr.Snapshot("run-1")
	require.Equal(t, task.StatusRunning, snap["t1"])
	require.Equal(t, task.StatusSucceeded, snap["t2"])
}

func TestSubscribeReceivesEvents(t *testing.T) {
	tr := New()
	events, unsubscribe := tr.Subscribe(4)
	defer unsubscribe()

	tr.Record("run-1", "t1", task.StatusPending, task.StatusRunning)

	select {
	case evt := <-events:
		require.Equal(t, "t1", evt.TaskID)
		require.Equal(t, task.StatusRunning, evt.To)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRecordNeverBlocksOnFullSubscriber(t *testing.T) {
	tr := New()
	_, unsubscribe := tr.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			tr.Record("run-1", "t1", task.StatusPending, task.StatusRunning)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	tr := New()
	events, unsubscribe := tr.Subscribe(1)
	unsubscribe()

	_, ok := <-events
	require.False(t, ok)
}
