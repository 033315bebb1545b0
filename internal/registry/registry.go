package registry

import (
	"sync"
	"time"

	"github.com/kandev/agentbroker/internal/coalescer"
)

// Registry owns the sessionKey -> Session map and the reverse
// acpSessionId -> sessionKey map. It is the sole mutator of both; the
// finalized set remembers keys that once existed so a later createSession
// for the same key can detect staleness even after the Session itself has
// been removed.
type Registry struct {
	tick time.Duration

	mu        sync.Mutex
	sessions  map[string]*Session
	reverse   map[string]string
	finalized map[string]bool
}

// New creates an empty Registry whose coalescers flush on the given tick
// (16ms in production, configurable for tests).
func New(tick time.Duration) *Registry {
	return &Registry{
		tick:      tick,
		sessions:  make(map[string]*Session),
		reverse:   make(map[string]string),
		finalized: make(map[string]bool),
	}
}

// Get returns the session for sessionKey, if any.
func (r *Registry) Get(sessionKey string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	return s, ok
}

// GetByAcpSessionID resolves the owning session via the reverse map.
func (r *Registry) GetByAcpSessionID(acpSessionID string) (*Session, bool) {
	r.mu.Lock()
	key, ok := r.reverse[acpSessionID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.Get(key)
}

// SoleSessionOnConnection finds the one session whose ConnectionKey matches
// connectionKey, for routing inbound requests on a dedicated connection
// that carry no sessionId of their own. Returns ok=false if zero or more
// than one session currently uses that connection.
func (r *Registry) SoleSessionOnConnection(connectionKey string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var match *Session
	for _, s := range r.sessions {
		if s.ConnectionKey == connectionKey {
			if match != nil {
				return nil, false
			}
			match = s
		}
	}
	if match == nil {
		return nil, false
	}
	return match, true
}

// IsStale reports whether sessionKey names a session that is finalized or
// in the error state -- the condition under which createSession must kill
// the existing entry before reusing the key.
func (r *Registry) IsStale(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized[sessionKey] {
		return true
	}
	if s, ok := r.sessions[sessionKey]; ok {
		return s.Status() == StatusError
	}
	return false
}

// ClearFinalized removes sessionKey's finalized marker so createSession can
// proceed after killing the stale entry.
func (r *Registry) ClearFinalized(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.finalized, sessionKey)
}

// Create installs a brand-new Session under sessionKey in the
// initializing state, with its own Coalescer wired to sink.
func (r *Registry) Create(sessionKey, conversationID, providerID, cwd, connectionKey string, sink coalescer.Sink) *Session {
	s := newSession(sessionKey, conversationID, providerID, cwd, connectionKey, r.tick, sink)
	r.mu.Lock()
	r.sessions[sessionKey] = s
	r.mu.Unlock()
	return s
}

// RegisterAcpSessionID points acpSessionID at sessionKey in the reverse
// map, removing any previous mapping from a different acpSessionID (used
// when a pre-registered resume id is rewritten after loadSession/newSession
// returns a different one).
func (r *Registry) RegisterAcpSessionID(sessionKey, acpSessionID string, previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous != "" && previous != acpSessionID {
		delete(r.reverse, previous)
	}
	r.reverse[acpSessionID] = sessionKey
}

// UnregisterAcpSessionID removes acpSessionID from the reverse map.
func (r *Registry) UnregisterAcpSessionID(acpSessionID string) {
	if acpSessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reverse, acpSessionID)
}

// Finalize marks sessionKey finalized, removes it and its reverse mapping
// from the live maps, and returns the removed Session (nil if it was
// already gone).
func (r *Registry) Finalize(sessionKey string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		return nil
	}
	s.MarkFinalized()
	delete(r.sessions, sessionKey)
	if id := s.AcpSessionID(); id != "" {
		delete(r.reverse, id)
	}
	r.finalized[sessionKey] = true
	return s
}

// All returns a snapshot of every live session, for shutdown and listing.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
