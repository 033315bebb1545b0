package broker

import (
	"context"
	"sync"
	"sync/atomic"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/agentbroker/internal/acpconn"
)

// stubConn is a bare-bones acpConn fake: every method has a sensible zero
// default, overridable per test via the *Func fields. It lets broker tests
// drive CreateSession/SendPrompt/CancelSession against a fake peer instead
// of a spawned agent process, the same way pool_test.go's fakeConn lets the
// Pool's tests avoid a real child.
type stubConn struct {
	closedCh chan struct{}
	closeOne sync.Once

	newSessionFunc  func(ctx context.Context, cwd string, mcpServers []acpconn.McpServerSpec) (acpconn.NewSessionResult, error)
	loadSessionFunc func(ctx context.Context, sessionID acp.SessionId, cwd string, mcpServers []acpconn.McpServerSpec) (acpconn.NewSessionResult, error)
	promptFunc      func(ctx context.Context, sessionID acp.SessionId, blocks []acp.ContentBlock) (acp.StopReason, error)
	cancelFunc      func(ctx context.Context, sessionID acp.SessionId) error

	promptCallCount atomic.Int32
	mu              sync.Mutex
	promptBlockLens []int
}

func newStubConn() *stubConn {
	return &stubConn{closedCh: make(chan struct{})}
}

func (s *stubConn) Closed() <-chan struct{} { return s.closedCh }
func (s *stubConn) RecentStderr() []string  { return nil }
func (s *stubConn) Kill(ctx context.Context) {
	s.closeOne.Do(func() { close(s.closedCh) })
}

func (s *stubConn) NewSession(ctx context.Context, cwd string, mcpServers []acpconn.McpServerSpec) (acpconn.NewSessionResult, error) {
	if s.newSessionFunc != nil {
		return s.newSessionFunc(ctx, cwd, mcpServers)
	}
	return acpconn.NewSessionResult{SessionID: "stub-session"}, nil
}

func (s *stubConn) LoadSession(ctx context.Context, sessionID acp.SessionId, cwd string, mcpServers []acpconn.McpServerSpec) (acpconn.NewSessionResult, error) {
	if s.loadSessionFunc != nil {
		return s.loadSessionFunc(ctx, sessionID, cwd, mcpServers)
	}
	return acpconn.NewSessionResult{SessionID: sessionID, Resumed: true}, nil
}

func (s *stubConn) Prompt(ctx context.Context, sessionID acp.SessionId, blocks []acp.ContentBlock) (acp.StopReason, error) {
	s.promptCallCount.Add(1)
	s.mu.Lock()
	s.promptBlockLens = append(s.promptBlockLens, len(blocks))
	s.mu.Unlock()
	if s.promptFunc != nil {
		return s.promptFunc(ctx, sessionID, blocks)
	}
	return acp.StopReason("end_turn"), nil
}

func (s *stubConn) Cancel(ctx context.Context, sessionID acp.SessionId) error {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, sessionID)
	}
	return nil
}

func (s *stubConn) SetSessionMode(ctx context.Context, sessionID acp.SessionId, modeID string) error {
	return nil
}

func (s *stubConn) SetSessionConfigOption(ctx context.Context, sessionID acp.SessionId, configID string, value any) error {
	return nil
}

func (s *stubConn) UnstableSetSessionModel(ctx context.Context, sessionID acp.SessionId, modelID string) error {
	return nil
}

func (s *stubConn) UnstableListSessions(ctx context.Context, cwd string) ([]acp.SessionInfo, error) {
	return nil, nil
}

func (s *stubConn) UnstableForkSession(ctx context.Context, sessionID acp.SessionId) (acp.SessionId, error) {
	return "", nil
}

func (s *stubConn) ExtMethod(ctx context.Context, method string, params any) (any, error) {
	return nil, nil
}

// promptCalls returns how many times Prompt was invoked, and the block
// count recorded on each call, for asserting which queued prompt actually
// got dispatched.
func (s *stubConn) promptCalls() (int, []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lens := make([]int, len(s.promptBlockLens))
	copy(lens, s.promptBlockLens)
	return int(s.promptCallCount.Load()), lens
}

var _ acpConn = (*stubConn)(nil)
