package acpconn

import (
	"context"
	"testing"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInboundHandler struct {
	gotUpdate     *acp.SessionNotification
	permResponse  acp.RequestPermissionResponse
	permErr       error
	readResponse  acp.ReadTextFileResponse
	readErr       error
	writeResponse acp.WriteTextFileResponse
	writeErr      error
}

func (s *stubInboundHandler) HandleSessionUpdate(ctx context.Context, n acp.SessionNotification) {
	s.gotUpdate = &n
}

func (s *stubInboundHandler) HandleRequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	return s.permResponse, s.permErr
}

func (s *stubInboundHandler) HandleReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return s.readResponse, s.readErr
}

func (s *stubInboundHandler) HandleWriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return s.writeResponse, s.writeErr
}

func TestInboundBridgeForwardsSessionUpdate(t *testing.T) {
	stub := &stubInboundHandler{}
	bridge := &inboundBridge{handler: stub}

	n := acp.SessionNotification{SessionId: acp.SessionId("s1")}
	err := bridge.SessionUpdate(context.Background(), n)

	require.NoError(t, err)
	require.NotNil(t, stub.gotUpdate)
	assert.Equal(t, acp.SessionId("s1"), stub.gotUpdate.SessionId)
}

func TestInboundBridgeCancelsPermissionWithNoOptions(t *testing.T) {
	stub := &stubInboundHandler{}
	bridge := &inboundBridge{handler: stub}

	resp, err := bridge.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		SessionId: acp.SessionId("s1"),
		Options:   nil,
	})

	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Cancelled)
}

func TestInboundBridgeForwardsPermissionToHandler(t *testing.T) {
	stub := &stubInboundHandler{
		permResponse: acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId("allow-once")},
			},
		},
	}
	bridge := &inboundBridge{handler: stub}

	resp, err := bridge.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		SessionId: acp.SessionId("s1"),
		Options:   []acp.PermissionOption{{OptionId: acp.PermissionOptionId("allow-once"), Kind: acp.PermissionOptionKindAllowOnce}},
	})

	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("allow-once"), resp.Outcome.Selected.OptionId)
}

func TestInboundBridgeForwardsFileRequests(t *testing.T) {
	stub := &stubInboundHandler{
		readResponse:  acp.ReadTextFileResponse{Content: "hello"},
		writeResponse: acp.WriteTextFileResponse{},
	}
	bridge := &inboundBridge{handler: stub}

	readResp, err := bridge.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", readResp.Content)

	_, err = bridge.WriteTextFile(context.Background(), acp.WriteTextFileRequest{Path: "a.txt", Content: "hi"})
	require.NoError(t, err)
}

func TestInboundBridgeTerminalStubsDoNotError(t *testing.T) {
	bridge := &inboundBridge{handler: &stubInboundHandler{}}

	_, err := bridge.CreateTerminal(context.Background(), acp.CreateTerminalRequest{Command: "echo"})
	require.NoError(t, err)

	exitResp, err := bridge.WaitForTerminalExit(context.Background(), acp.WaitForTerminalExitRequest{TerminalId: "t-1"})
	require.NoError(t, err)
	require.NotNil(t, exitResp.ExitCode)
	assert.Equal(t, 0, *exitResp.ExitCode)
}
