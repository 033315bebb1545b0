package mcpserver

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbroker/internal/agentregistry"
	"github.com/kandev/agentbroker/internal/broker"
	"github.com/kandev/agentbroker/internal/convstore"
	"github.com/kandev/agentbroker/internal/events"
	"github.com/kandev/agentbroker/internal/logging"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	return broker.New(agentregistry.NewStaticRegistry(nil), convstore.NewMemoryStore(), events.NewMemoryBus(nil), broker.Options{})
}

func callToolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestSendPromptHandlerUnknownSessionReturnsToolError(t *testing.T) {
	b := newTestBroker(t)
	handler := sendPromptHandler(b, logging.Default())

	result, err := handler(context.Background(), callToolRequest(map[string]any{
		"session_key": "missing",
		"message":     "hello",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "session_not_found")
}

func TestSendPromptHandlerMissingArgumentIsToolError(t *testing.T) {
	b := newTestBroker(t)
	handler := sendPromptHandler(b, logging.Default())

	result, err := handler(context.Background(), callToolRequest(map[string]any{
		"session_key": "missing",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestApprovePermissionHandlerRejectsBadBoolean(t *testing.T) {
	b := newTestBroker(t)
	handler := approvePermissionHandler(b, logging.Default())

	result, err := handler(context.Background(), callToolRequest(map[string]any{
		"session_key":  "s1",
		"tool_call_id": "tc1",
		"approved":     "maybe",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "true")
}

func TestKillSessionHandlerUnknownSessionReturnsToolError(t *testing.T) {
	b := newTestBroker(t)
	handler := killSessionHandler(b, logging.Default())

	result, err := handler(context.Background(), callToolRequest(map[string]any{
		"session_key": "missing",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestRegisterToolsDoesNotPanic(t *testing.T) {
	b := newTestBroker(t)
	s := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	assert.NotPanics(t, func() { registerTools(s, b, logging.Default()) })
}
