// Package convstore persists the mapping from a caller-supplied
// conversationId to the ACP-side sessionId an agent last assigned it, plus
// the transcript needed to synthesize a "[CONTEXT REPLAY]" prompt when a
// resume attempt fails.
package convstore

import "context"

// Message is one turn of a conversation's transcript, stored verbatim so it
// can be replayed into a freshly created session if resuming the old one
// fails.
type Message struct {
	Role string
	Text string
}

// Store is the persistence boundary createSession uses to
// look up and record conversation continuity. Implementations must be safe
// for concurrent use.
type Store interface {
	// GetAcpSessionID returns the last ACP sessionId recorded for
	// conversationID, if any.
	GetAcpSessionID(ctx context.Context, conversationID string) (string, bool, error)

	// SetAcpSessionID records the ACP sessionId an agent assigned
	// conversationID, overwriting any previous value.
	SetAcpSessionID(ctx context.Context, conversationID, acpSessionID string) error

	// AppendMessage appends one transcript turn for conversationID.
	AppendMessage(ctx context.Context, conversationID string, msg Message) error

	// GetPriorMessages returns the full recorded transcript for
	// conversationID in order, for context-replay synthesis.
	GetPriorMessages(ctx context.Context, conversationID string) ([]Message, error)

	// Close releases any resources held by the store.
	Close() error
}
