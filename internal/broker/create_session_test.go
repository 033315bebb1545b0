package broker

import (
	"context"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbroker/internal/acpconn"
	"github.com/kandev/agentbroker/internal/agentregistry"
	"github.com/kandev/agentbroker/internal/convstore"
	"github.com/kandev/agentbroker/internal/events"
	"github.com/kandev/agentbroker/internal/pool"
	"github.com/kandev/agentbroker/internal/registry"
)

// seedConnection pre-acquires connectionKey in b's pool against conn, the
// way a real spawn would, so CreateSession's own Acquire call reuses the
// live entry instead of dialing a real agent process.
func seedConnection(t *testing.T, b *Broker, connectionKey string, conn *stubConn) {
	t.Helper()
	_, err := b.pool.Acquire(context.Background(), connectionKey, func(ctx context.Context) (pool.Conn, error) {
		return conn, nil
	})
	require.NoError(t, err)
}

func newTestBrokerWithRegistry(t *testing.T, specs map[string]agentregistry.ProviderSpec) *Broker {
	t.Helper()
	return New(agentregistry.NewStaticRegistry(specs), convstore.NewMemoryStore(), events.NewMemoryBus(nil), Options{})
}

func TestCreateSessionHappyPath(t *testing.T) {
	b := newTestBrokerWithRegistry(t, map[string]agentregistry.ProviderSpec{
		"p1": {Command: "stub-agent", AcpMultiSession: true},
	})

	stub := newStubConn()
	stub.newSessionFunc = func(ctx context.Context, cwd string, mcpServers []acpconn.McpServerSpec) (acpconn.NewSessionResult, error) {
		return acpconn.NewSessionResult{
			SessionID: "s1",
			Modes:     &acpconn.ModeState{Available: []string{"default"}, CurrentID: "default"},
		}, nil
	}
	seedConnection(t, b, "p1::/work", stub)

	result, err := b.CreateSession(context.Background(), CreateSessionParams{
		ConversationID: "c1",
		ProviderID:     "p1",
		Cwd:            "/work",
	})
	require.NoError(t, err)

	assert.Equal(t, "p1-acp-c1", result.SessionKey)
	assert.Equal(t, "s1", result.AcpSessionID)
	assert.False(t, result.Resumed)
	require.NotNil(t, result.Modes)
	assert.Equal(t, "default", result.Modes.CurrentID)

	sess, ok := b.registry.Get(result.SessionKey)
	require.True(t, ok)
	assert.Equal(t, "s1", sess.AcpSessionID())

	byReverse, ok := b.registry.GetByAcpSessionID("s1")
	require.True(t, ok)
	assert.Same(t, sess, byReverse)
}

func TestSendPromptDispatchesOnlyMostRecentQueuedPrompt(t *testing.T) {
	b := newTestBrokerWithRegistry(t, nil)
	const sessionKey = "p1-acp-c1"
	const connectionKey = "p1::/work"

	stub := newStubConn()
	releaseFirst := make(chan struct{})
	firstCallStarted := make(chan struct{})
	var calls int
	stub.promptFunc = func(ctx context.Context, sessionID acp.SessionId, blocks []acp.ContentBlock) (acp.StopReason, error) {
		calls++
		if calls == 1 {
			close(firstCallStarted)
			<-releaseFirst
		}
		return acp.StopReason("end_turn"), nil
	}
	seedConnection(t, b, connectionKey, stub)

	sess := b.registry.Create(sessionKey, "c1", "p1", "/work", connectionKey, b.sink)
	b.registry.RegisterAcpSessionID(sessionKey, "s1", "")
	sess.SetAcpSessionID("s1")
	sess.SetStatus(registry.StatusReady)

	require.NoError(t, b.SendPrompt(context.Background(), SendPromptParams{SessionKey: sessionKey, Message: "first"}))
	<-firstCallStarted
	assert.Equal(t, registry.StatusSubmitted, sess.Status())

	require.NoError(t, b.SendPrompt(context.Background(), SendPromptParams{SessionKey: sessionKey, Message: "second"}))
	require.NoError(t, b.SendPrompt(context.Background(), SendPromptParams{
		SessionKey: sessionKey,
		Message:    "third",
		Files:      []PromptFile{{Filename: "notes.txt", MediaType: "text/plain", URL: "data:text/plain;base64,Zm9v"}},
	}))

	close(releaseFirst)

	require.Eventually(t, func() bool {
		n, lens := stub.promptCalls()
		return n == 2 && len(lens) == 2 && lens[1] == 2
	}, time.Second, 2*time.Millisecond, "expected exactly one redispatch carrying the last queued prompt (message+file = 2 blocks)")

	n, lens := stub.promptCalls()
	assert.Equal(t, 2, n, "queuing three prompts while one is in flight should dispatch exactly twice: the first, then the last queued one")
	assert.Equal(t, 1, lens[0], "first call was text-only")
	assert.Equal(t, 2, lens[1], "redispatched call was the file+text 'third' prompt, not the intermediate 'second'")

	require.Eventually(t, func() bool { return sess.Status() == registry.StatusReady }, time.Second, 2*time.Millisecond)
}

func TestCancelSessionSuccessTransitionsToReady(t *testing.T) {
	b := newTestBrokerWithRegistry(t, nil)
	const sessionKey = "p1-acp-c1"
	const connectionKey = "p1::/work"

	stub := newStubConn()
	var cancelled bool
	stub.cancelFunc = func(ctx context.Context, sessionID acp.SessionId) error {
		cancelled = true
		return nil
	}
	seedConnection(t, b, connectionKey, stub)

	sess := b.registry.Create(sessionKey, "c1", "p1", "/work", connectionKey, b.sink)
	b.registry.RegisterAcpSessionID(sessionKey, "s1", "")
	sess.SetAcpSessionID("s1")
	sess.SetStatus(registry.StatusSubmitted)

	require.NoError(t, b.CancelSession(context.Background(), sessionKey))
	assert.True(t, cancelled)
	assert.Equal(t, registry.StatusReady, sess.Status())
}
