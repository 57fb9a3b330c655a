package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidworks/bidflow/pkg/schema"
)

func event(executionID string, offset int64, t schema.EventType) StreamEvent {
	return StreamEvent{
		ExecutionID: executionID,
		Offset:      offset,
		EventType:   t,
		Timestamp:   time.Now().UTC(),
	}
}

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, event("exec-1", 1, schema.EventExecutionStarted)))
	got := recv(t, ch)
	assert.Equal(t, int64(1), got.Offset)
	assert.Equal(t, schema.EventExecutionStarted, got.EventType)
}

func TestMemoryHub_DeliversOnlyOwnExecution(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, event("exec-2", 1, schema.EventExecutionStarted)))
	require.NoError(t, hub.Publish(ctx, event("exec-1", 1, schema.EventTaskCreated)))

	got := recv(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Empty(t, ch)
}

func TestMemoryHub_RequiresExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	_, _, err := hub.Subscribe(context.Background(), "")
	assert.Error(t, err)
}

func TestMemoryHub_CancelDetachesFeed(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("exec-1"))
	cancel()
	assert.Equal(t, 0, hub.Subscribers("exec-1"))

	require.NoError(t, hub.Publish(ctx, event("exec-1", 1, schema.EventExecutionStarted)))
	assert.Empty(t, ch)
}

func TestMemoryHub_SlowFeedDropsAndCounts(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer cancel()

	// Overfill the buffer; Publish must not block and the loss is counted.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, event("exec-1", int64(i+1), schema.EventTaskStarted)))
	}
	assert.Equal(t, int64(10), hub.Dropped("exec-1"))
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, event("exec-1", 1, schema.EventExecutionStarted)))
	_, _, err := hub.Subscribe(ctx, "exec-1")
	assert.Error(t, err)
}
