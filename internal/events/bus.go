package events

import (
	"context"
	"fmt"
	"time"
)

// Batch is what the Coalescer hands to the bus: every event buffered for one
// session since the last flush, delivered together.
type Batch struct {
	SessionKey string    `json:"sessionKey"`
	Events     []Event   `json:"events"`
	FlushedAt  time.Time `json:"flushedAt"`
}

// Handler processes one published batch. Returning an error only affects
// logging; the bus does not retry.
type Handler func(ctx context.Context, subject string, batch Batch) error

// Subscription can be cancelled and queried for liveness.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus fans batches out to subscribers by subject. Subjects follow the
// broker's two channels: "update.<sessionKey>" for the general event stream
// and "status.<sessionKey>" for status_change events specifically, plus a
// wildcard "update.*"/"status.*" a gateway can subscribe to for every
// session at once.
type Bus interface {
	Publish(ctx context.Context, subject string, batch Batch) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close() error
}

// UpdateSubject returns the general per-session event subject.
func UpdateSubject(sessionKey string) string { return fmt.Sprintf("update.%s", sessionKey) }

// StatusSubject returns the dedicated status_change subject, published to in
// the same batch position as UpdateSubject per the coalescer's ordering
// guarantee.
func StatusSubject(sessionKey string) string { return fmt.Sprintf("status.%s", sessionKey) }
