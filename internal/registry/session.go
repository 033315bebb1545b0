// Package registry owns the sessionKey -> Session map and the reverse
// acpSessionId -> sessionKey map, plus each Session's per-session mutable
// state (status, pending permissions, pending prompt, history buffer).
package registry

import (
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/agentbroker/internal/coalescer"
	"github.com/kandev/agentbroker/internal/events"
)

// Status is a Session's position in the broker's state machine.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusSubmitted    Status = "submitted"
	StatusStreaming    Status = "streaming"
	StatusError        Status = "error"
)

// ModeState mirrors an ACP session's available/current mode or model pair.
type ModeState struct {
	Available []string
	CurrentID string
}

// PendingPrompt is the single slot a session holds while it cannot dispatch
// a prompt immediately.
type PendingPrompt struct {
	Message string
	Files   []PromptFile
}

// PromptFile is a data-URL attachment accompanying a prompt.
type PromptFile struct {
	Name      string
	MediaType string
	DataURL   string
}

// PendingPermission is a requestPermission call awaiting resolution.
type PendingPermission struct {
	ToolCallID string
	Options    []acp.PermissionOption
	ResolveCh  chan PermissionResolution
	CreatedAt  time.Time
}

// PermissionResolution is what approvePermission feeds back to the blocked
// requestPermission call.
type PermissionResolution struct {
	Selected  bool
	OptionID  string
	Cancelled bool
}

// Session is one logical conversation multiplexed onto a Connection.
type Session struct {
	SessionKey     string
	ConversationID string
	ProviderID     string
	Cwd            string
	ConnectionKey  string

	Coalescer *coalescer.Coalescer

	// opMu serialises the broker's compound per-session operations
	// (sendPrompt's check-then-transition, cancelSession, killSession) the
	// way a per-session actor would in the single-threaded reference model.
	opMu sync.Mutex

	mu                 sync.Mutex
	status             Status
	acpSessionID       string
	modes              *ModeState
	models             *ModeState
	detached           bool
	finalized          bool
	pendingPrompt      *PendingPrompt
	pendingPermissions map[string]*PendingPermission
	historyBuffer      []events.Event
	historyOpen        bool
}

func newSession(sessionKey, conversationID, providerID, cwd, connectionKey string, tick time.Duration, sink coalescer.Sink) *Session {
	return &Session{
		SessionKey:         sessionKey,
		ConversationID:     conversationID,
		ProviderID:         providerID,
		Cwd:                cwd,
		ConnectionKey:      connectionKey,
		Coalescer:          coalescer.New(sessionKey, tick, sink),
		status:             StatusInitializing,
		pendingPermissions: make(map[string]*PendingPermission),
	}
}

// Lock serialises a compound operation against this session. Callers must
// pair it with Unlock; it does not protect the individual field accessors
// above, which have their own locking.
func (s *Session) Lock()   { s.opMu.Lock() }
func (s *Session) Unlock() { s.opMu.Unlock() }

// Status returns the current state-machine status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AcpSessionID returns the session's ACP-side id, empty before handshake
// completes.
func (s *Session) AcpSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acpSessionID
}

// SetAcpSessionID records the ACP-side id once the handshake resolves.
func (s *Session) SetAcpSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acpSessionID = id
}

// SetModes and SetModels record the mode/model state extracted from
// newSession/loadSession responses.
func (s *Session) SetModes(m *ModeState)  { s.mu.Lock(); s.modes = m; s.mu.Unlock() }
func (s *Session) SetModels(m *ModeState) { s.mu.Lock(); s.models = m; s.mu.Unlock() }

// Modes and Models return the recorded mode/model state.
func (s *Session) Modes() *ModeState  { s.mu.Lock(); defer s.mu.Unlock(); return s.modes }
func (s *Session) Models() *ModeState { s.mu.Lock(); defer s.mu.Unlock(); return s.models }

// SetStatus transitions the session's status and enqueues the
// corresponding status_change event. It returns any pending prompt that
// should now be re-issued -- the broker schedules that dispatch so the
// status_change event is guaranteed to flush first.
func (s *Session) SetStatus(status Status) (drained *PendingPrompt) {
	s.mu.Lock()
	s.status = status
	if status == StatusReady {
		drained = s.pendingPrompt
		s.pendingPrompt = nil
	}
	s.mu.Unlock()

	s.Coalescer.Append(events.StatusChange(s.SessionKey, string(status)))
	return drained
}

// IsDetached reports whether the session is currently detached.
func (s *Session) IsDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Detach marks the session detached: the child keeps running, events keep
// buffering, and a connection death becomes a silent finalization.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

// Reattach clears the detached flag. It does not flush the coalescer; the
// broker's ReattachSession does that after calling it.
func (s *Session) Reattach() {
	s.mu.Lock()
	s.detached = false
	s.mu.Unlock()
}

// SetPendingPrompt replaces any existing pending prompt with p.
func (s *Session) SetPendingPrompt(p *PendingPrompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPrompt = p
}

// TakePendingPrompt removes and returns the pending prompt, if any.
func (s *Session) TakePendingPrompt() *PendingPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pendingPrompt
	s.pendingPrompt = nil
	return p
}

// OpenHistoryBuffer atomically installs an empty history buffer before a
// loadSession call begins, so concurrent sessionUpdate notifications are
// captured instead of forwarded.
func (s *Session) OpenHistoryBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyOpen = true
	s.historyBuffer = nil
}

// AppendHistory appends ev to the open history buffer. It is a no-op if no
// buffer is open, in which case the caller should forward ev normally.
func (s *Session) AppendHistory(ev events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.historyOpen {
		return false
	}
	s.historyBuffer = append(s.historyBuffer, ev)
	return true
}

// DrainHistory closes the history buffer and returns everything captured
// while it was open.
func (s *Session) DrainHistory() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyOpen = false
	out := s.historyBuffer
	s.historyBuffer = nil
	return out
}

// RegisterPendingPermission records a new pending permission awaiting
// approvePermission.
func (s *Session) RegisterPendingPermission(p *PendingPermission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPermissions[p.ToolCallID] = p
}

// TakePendingPermission removes and returns the pending permission for
// toolCallID, if any.
func (s *Session) TakePendingPermission(toolCallID string) (*PendingPermission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingPermissions[toolCallID]
	if ok {
		delete(s.pendingPermissions, toolCallID)
	}
	return p, ok
}

// DrainPendingPermissions removes and returns every pending permission, for
// killSession's cancel-all-in-flight step.
func (s *Session) DrainPendingPermissions() []*PendingPermission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PendingPermission, 0, len(s.pendingPermissions))
	for _, p := range s.pendingPermissions {
		out = append(out, p)
	}
	s.pendingPermissions = make(map[string]*PendingPermission)
	return out
}

// MarkFinalized sets the finalized flag. The Registry is what actually
// removes the session from its maps; this flag exists so in-flight holders
// of a *Session pointer can observe it.
func (s *Session) MarkFinalized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
}

// IsFinalized reports whether MarkFinalized has been called.
func (s *Session) IsFinalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}
