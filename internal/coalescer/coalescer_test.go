package coalescer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbroker/internal/events"
)

func collectingSink() (Sink, func() []events.Batch) {
	var mu sync.Mutex
	var batches []events.Batch
	sink := func(ctx context.Context, batch events.Batch) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
	}
	get := func() []events.Batch {
		mu.Lock()
		defer mu.Unlock()
		out := make([]events.Batch, len(batches))
		copy(out, batches)
		return out
	}
	return sink, get
}

func TestCoalescerFlushesAfterTick(t *testing.T) {
	sink, get := collectingSink()
	c := New("sess-1", 16*time.Millisecond, sink)

	c.Append(events.StatusChange("sess-1", "submitted"))
	c.Append(events.StatusChange("sess-1", "streaming"))

	require.Eventually(t, func() bool { return len(get()) == 1 }, time.Second, 5*time.Millisecond)

	batches := get()
	require.Len(t, batches[0].Events, 2)
	assert.Equal(t, "submitted", batches[0].Events[0].Status)
	assert.Equal(t, "streaming", batches[0].Events[1].Status)
}

func TestCoalescerBuffersAcrossMultipleTicks(t *testing.T) {
	sink, get := collectingSink()
	c := New("sess-1", 8*time.Millisecond, sink)

	c.Append(events.StatusChange("sess-1", "submitted"))
	require.Eventually(t, func() bool { return len(get()) == 1 }, time.Second, 2*time.Millisecond)

	c.Append(events.StatusChange("sess-1", "ready"))
	require.Eventually(t, func() bool { return len(get()) == 2 }, time.Second, 2*time.Millisecond)

	batches := get()
	assert.Len(t, batches[0].Events, 1)
	assert.Len(t, batches[1].Events, 1)
}

func TestCoalescerFlushForcesImmediateDelivery(t *testing.T) {
	sink, get := collectingSink()
	c := New("sess-1", time.Hour, sink)

	c.Append(events.StatusChange("sess-1", "submitted"))
	assert.Equal(t, 1, c.Pending())

	c.Flush(context.Background())

	require.Len(t, get(), 1)
	assert.Equal(t, 0, c.Pending())
}

func TestCoalescerFlushNoopWhenEmpty(t *testing.T) {
	sink, get := collectingSink()
	c := New("sess-1", time.Hour, sink)

	c.Flush(context.Background())
	assert.Len(t, get(), 0)
}

func TestCoalescerKillCancelsTimerAndDropsBuffer(t *testing.T) {
	sink, get := collectingSink()
	c := New("sess-1", 10*time.Millisecond, sink)

	c.Append(events.StatusChange("sess-1", "submitted"))
	c.Kill()

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, get(), 0)

	c.Append(events.StatusChange("sess-1", "ready"))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, get(), 0)
}
