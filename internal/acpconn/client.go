package acpconn

import (
	"context"

	acp "github.com/coder/acp-go-sdk"
)

// inboundBridge implements acp.Client, the interface the SDK's
// ClientSideConnection calls back into for every agent-initiated request.
// Every call is forwarded verbatim to the InboundHandler a Connection was
// Dial'd with, except a permission request carrying no options, which the
// bridge answers itself with a cancelled outcome. The routing and
// permission-rendezvous logic lives in the router package, and acpconn stays
// free of a dependency on it.
type inboundBridge struct {
	handler InboundHandler
}

func (b *inboundBridge) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	b.handler.HandleSessionUpdate(ctx, n)
	return nil
}

func (b *inboundBridge) RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(req.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}
	return b.handler.HandleRequestPermission(ctx, req)
}

func (b *inboundBridge) ReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return b.handler.HandleReadTextFile(ctx, req)
}

func (b *inboundBridge) WriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return b.handler.HandleWriteTextFile(ctx, req)
}

// Terminal operations are not part of this broker's external surface (no
// component in the session model represents a terminal); they are stubbed
// exactly as the teacher's client does, since the SDK's acp.Client interface
// requires them regardless of whether an agent ever calls them.
func (b *inboundBridge) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (b *inboundBridge) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (b *inboundBridge) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (b *inboundBridge) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (b *inboundBridge) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*inboundBridge)(nil)
