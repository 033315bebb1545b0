// Package coalescer implements the per-session bounded-delay event buffer
// that batches outbound events and flushes them on a fixed tick or on
// reattach, so a burst of streaming updates becomes one transport write
// instead of many.
package coalescer

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/agentbroker/internal/events"
)

// Sink receives a flushed batch. The broker wires this to events.Bus.Publish
// for both the general and status subjects.
type Sink func(ctx context.Context, batch events.Batch)

// Coalescer buffers events for exactly one session. Append, Flush, Kill and
// Pending each take the internal lock, so they may be called concurrently
// from multiple goroutines.
type Coalescer struct {
	sessionKey string
	tick       time.Duration
	sink       Sink

	mu      sync.Mutex
	buffer  []events.Event
	timer   *time.Timer
	killed  bool
}

// New creates a Coalescer for sessionKey that flushes buffered events to
// sink no more than tick after the first event lands in an empty buffer.
func New(sessionKey string, tick time.Duration, sink Sink) *Coalescer {
	return &Coalescer{sessionKey: sessionKey, tick: tick, sink: sink}
}

// Append buffers ev. If this is the first event since the last flush, a
// one-shot timer is armed; appends during a detached period still buffer,
// they are simply not flushed until the timer fires or Flush is called.
func (c *Coalescer) Append(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killed {
		return
	}

	wasEmpty := len(c.buffer) == 0
	c.buffer = append(c.buffer, ev)

	if wasEmpty {
		c.timer = time.AfterFunc(c.tick, c.onTick)
	}
}

func (c *Coalescer) onTick() {
	c.mu.Lock()
	if c.killed || len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.drainLocked()
	c.mu.Unlock()
	c.sink(context.Background(), batch)
}

// drainLocked swaps the buffer with an empty one and returns the drained
// batch. Caller must hold c.mu.
func (c *Coalescer) drainLocked() events.Batch {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	drained := c.buffer
	c.buffer = nil
	return events.Batch{SessionKey: c.sessionKey, Events: drained, FlushedAt: time.Now()}
}

// Flush immediately drains and delivers any buffered events, cancelling the
// pending timer. Used on reattach so a returning subscriber catches up
// without waiting for the next tick. A no-op if the buffer is empty.
func (c *Coalescer) Flush(ctx context.Context) {
	c.mu.Lock()
	if c.killed || len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.drainLocked()
	c.mu.Unlock()
	c.sink(ctx, batch)
}

// Kill cancels the pending timer and drops the buffer without delivering
// it. Once killed, a Coalescer never flushes again.
func (c *Coalescer) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.buffer = nil
	c.killed = true
}

// Pending reports how many events are currently buffered, for tests and
// diagnostics.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}
