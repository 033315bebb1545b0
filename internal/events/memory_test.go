package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversExactSubjectMatch(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var received []Batch
	done := make(chan struct{}, 1)

	sub, err := bus.Subscribe("update.sess-1", func(ctx context.Context, subject string, batch Batch) error {
		mu.Lock()
		received = append(received, batch)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	batch := Batch{SessionKey: "sess-1", Events: []Event{StatusChange("sess-1", "ready")}, FlushedAt: time.Now()}
	require.NoError(t, bus.Publish(context.Background(), "update.sess-1", batch))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "sess-1", received[0].SessionKey)
}

func TestMemoryBusWildcardMatchesEverySession(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	count := make(chan string, 2)
	sub, err := bus.Subscribe("update.*", func(ctx context.Context, subject string, batch Batch) error {
		count <- batch.SessionKey
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), "update.sess-1", Batch{SessionKey: "sess-1"}))
	require.NoError(t, bus.Publish(context.Background(), "update.sess-2", Batch{SessionKey: "sess-2"}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-count:
			seen[key] = true
		case <-time.After(time.Second):
			t.Fatal("did not receive expected batch")
		}
	}
	assert.True(t, seen["sess-1"])
	assert.True(t, seen["sess-2"])
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	delivered := make(chan struct{}, 1)
	sub, err := bus.Subscribe("update.sess-1", func(ctx context.Context, subject string, batch Batch) error {
		delivered <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), "update.sess-1", Batch{SessionKey: "sess-1"}))

	select {
	case <-delivered:
		t.Fatal("handler fired after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusPreservesPublishOrderPerSubject(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	const n = 200
	received := make(chan int, n)
	sub, err := bus.Subscribe("update.sess-1", func(ctx context.Context, subject string, batch Batch) error {
		received <- len(batch.Events)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 1; i <= n; i++ {
		require.NoError(t, bus.Publish(context.Background(), "update.sess-1", Batch{
			SessionKey: "sess-1",
			Events:     make([]Event, i),
		}))
	}

	for i := 1; i <= n; i++ {
		select {
		case got := <-received:
			require.Equal(t, i, got, "batch %d delivered out of order", i)
		case <-time.After(time.Second):
			t.Fatalf("batch %d was never delivered", i)
		}
	}
}

func TestMemoryBusCloseDeactivatesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(nil)
	sub, err := bus.Subscribe("update.sess-1", func(ctx context.Context, subject string, batch Batch) error { return nil })
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	assert.False(t, sub.IsValid())
}
