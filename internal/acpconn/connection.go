// Package acpconn owns one child process and one Agent Client Protocol peer
// speaking JSON-RPC over that child's stdio. It exposes the outbound
// request/notify surface the rest of the broker drives, a one-shot "closed"
// signal, and routes agent-initiated requests to an injected InboundHandler.
package acpconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/logging"
	"github.com/kandev/agentbroker/internal/transport"
)

// ErrConnectionDead is returned by every outbound call once the underlying
// process/transport has terminated.
var ErrConnectionDead = errors.New("connection-dead")

// ErrUnstableOperationUnsupported is returned by the unstable/optional
// operations (setModel, listSessions, forkSession) when the agent never
// advertised or accepted them. A tagged error beats reflective capability
// probing because callers can match on it directly.
var ErrUnstableOperationUnsupported = errors.New("acp: unstable operation unsupported by agent")

const loadSessionRetryGap = 500 * time.Millisecond

// ClientInfo identifies this broker to the agent during the handshake.
var ClientInfo = acp.Implementation{Name: "agentbroker", Version: "0.1.0"}

// McpServerSpec is the protocol-agnostic description of an MCP server a
// session should be wired to, converted to the ACP wire shape on demand.
type McpServerSpec struct {
	Name    string
	Type    string // "stdio" (default) or "sse"
	Command string
	Args    []string
	URL     string
	Headers map[string]string
}

// ModeState mirrors the agent-reported available/current pair for either
// session modes or session models, decoupled from the SDK's own wire types
// so the rest of the broker never imports acp for this.
type ModeState struct {
	Available []string
	CurrentID string
}

// NewSessionResult is what newSession/loadSession return to the pool layer.
type NewSessionResult struct {
	SessionID acp.SessionId
	Resumed   bool
	Modes     *ModeState
	Models    *ModeState
}

func modesFromResponse(modes *acp.SessionModeState) *ModeState {
	if modes == nil {
		return nil
	}
	available := make([]string, 0, len(modes.AvailableModes))
	for _, m := range modes.AvailableModes {
		available = append(available, string(m.Id))
	}
	return &ModeState{Available: available, CurrentID: string(modes.CurrentModeId)}
}

func modelsFromResponse(models *acp.SessionModelState) *ModeState {
	if models == nil {
		return nil
	}
	available := make([]string, 0, len(models.AvailableModels))
	for _, m := range models.AvailableModels {
		available = append(available, string(m.Id))
	}
	return &ModeState{Available: available, CurrentID: string(models.CurrentModelId)}
}

// Connection wraps one acp.ClientSideConnection bound to one spawned
// process, translating the broker's domain types to and from the SDK's.
type Connection struct {
	logger *logging.Logger

	proc    *transport.Process
	sdkConn *acp.ClientSideConnection
	inbound *inboundBridge

	mu           sync.RWMutex
	capabilities acp.AgentCapabilities
	agentInfo    *acp.Implementation

	closedCh chan struct{}
	closeOne sync.Once
}

// InboundHandler is implemented by the router and invoked for every
// agent-initiated request this connection receives. Each request or
// notification carries the SessionId of the logical session it concerns.
type InboundHandler interface {
	HandleSessionUpdate(ctx context.Context, n acp.SessionNotification)
	HandleRequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
	HandleReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error)
	HandleWriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error)
}

// Dial spawns proc's peer connection, wires it to handler, and performs the
// initialize handshake. It races the handshake against process death so a
// spawn failure (bad command, ENOENT) surfaces through the same call.
func Dial(ctx context.Context, proc *transport.Process, handler InboundHandler, logger *logging.Logger) (*Connection, error) {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Connection{
		logger:   logger,
		proc:     proc,
		closedCh: make(chan struct{}),
	}
	c.inbound = &inboundBridge{handler: handler}

	c.sdkConn = acp.NewClientSideConnection(c.inbound, proc.Writer(), proc.Reader())
	c.sdkConn.SetLogger(slog.Default().With("component", "acpconn"))

	go c.watchProcessDeath()

	type initResult struct {
		resp acp.InitializeResponse
		err  error
	}
	resultCh := make(chan initResult, 1)
	go func() {
		resp, err := c.sdkConn.Initialize(ctx, acp.InitializeRequest{
			ProtocolVersion: acp.ProtocolVersionNumber,
			ClientInfo:      &ClientInfo,
		})
		resultCh <- initResult{resp, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("acp initialize: %w", r.err)
		}
		c.mu.Lock()
		c.capabilities = r.resp.AgentCapabilities
		c.agentInfo = r.resp.AgentInfo
		c.mu.Unlock()
		return c, nil
	case <-proc.Closed():
		return nil, fmt.Errorf("acp initialize: %w: %v", ErrConnectionDead, proc.WaitErr())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) watchProcessDeath() {
	<-c.proc.Closed()
	c.closeOne.Do(func() { close(c.closedCh) })
}

// Closed fires exactly once when the peer or transport terminates.
func (c *Connection) Closed() <-chan struct{} { return c.closedCh }

func (c *Connection) isDead() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// Capabilities returns the capability set the agent advertised on handshake.
func (c *Connection) Capabilities() acp.AgentCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// AgentInfo returns the agent identity reported on handshake, if any.
func (c *Connection) AgentInfo() *acp.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentInfo
}

func toACPMcpServers(servers []McpServerSpec) []acp.McpServer {
	out := make([]acp.McpServer, 0, len(servers))
	for _, s := range servers {
		if s.Type == "sse" {
			headers := make([]acp.HttpHeader, 0, len(s.Headers))
			for name, value := range s.Headers {
				headers = append(headers, acp.HttpHeader{Name: name, Value: value})
			}
			out = append(out, acp.McpServer{Sse: &acp.McpServerSse{
				Name:    s.Name,
				Url:     s.URL,
				Type:    "sse",
				Headers: headers,
			}})
			continue
		}
		out = append(out, acp.McpServer{Stdio: &acp.McpServerStdio{
			Name:    s.Name,
			Command: s.Command,
			Args:    append([]string{}, s.Args...),
		}})
	}
	return out
}

// NewSession opens a brand new agent session in cwd.
func (c *Connection) NewSession(ctx context.Context, cwd string, mcpServers []McpServerSpec) (NewSessionResult, error) {
	if c.isDead() {
		return NewSessionResult{}, ErrConnectionDead
	}
	resp, err := c.sdkConn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: toACPMcpServers(mcpServers),
	})
	if err != nil {
		return NewSessionResult{}, fmt.Errorf("acp newSession: %w", err)
	}
	return NewSessionResult{
		SessionID: resp.SessionId,
		Modes:     modesFromResponse(resp.Modes),
		Models:    modelsFromResponse(resp.Models),
	}, nil
}

// LoadSession attempts to resume sessionID, retrying once after a short gap
// per the agent's documented flakiness, and reports whether the agent
// supports resumption at all via ErrUnstableOperationUnsupported.
func (c *Connection) LoadSession(ctx context.Context, sessionID acp.SessionId, cwd string, mcpServers []McpServerSpec) (NewSessionResult, error) {
	if c.isDead() {
		return NewSessionResult{}, ErrConnectionDead
	}
	if !c.Capabilities().LoadSession {
		return NewSessionResult{}, fmt.Errorf("acp loadSession: %w", ErrUnstableOperationUnsupported)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(loadSessionRetryGap):
			case <-ctx.Done():
				return NewSessionResult{}, ctx.Err()
			}
		}
		resp, err := c.sdkConn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId:  sessionID,
			Cwd:        cwd,
			McpServers: toACPMcpServers(mcpServers),
		})
		if err == nil {
			return NewSessionResult{
				SessionID: sessionID,
				Resumed:   true,
				Modes:     modesFromResponse(resp.Modes),
				Models:    modelsFromResponse(resp.Models),
			}, nil
		}
		lastErr = err
		c.logger.Warn("loadSession attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return NewSessionResult{}, fmt.Errorf("acp loadSession failed after retries: %w", lastErr)
}

// Prompt sends content blocks to sessionID and blocks until the agent
// reports a stop reason. Streaming updates arrive concurrently on the same
// connection via the InboundHandler.
func (c *Connection) Prompt(ctx context.Context, sessionID acp.SessionId, blocks []acp.ContentBlock) (acp.StopReason, error) {
	if c.isDead() {
		return "", ErrConnectionDead
	}
	resp, err := c.sdkConn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    blocks,
	})
	if err != nil {
		return "", fmt.Errorf("acp prompt: %w", err)
	}
	return resp.StopReason, nil
}

// Cancel requests cancellation of sessionID's in-flight prompt.
func (c *Connection) Cancel(ctx context.Context, sessionID acp.SessionId) error {
	if c.isDead() {
		return ErrConnectionDead
	}
	return c.sdkConn.Cancel(ctx, acp.CancelNotification{SessionId: sessionID})
}

// SetSessionMode switches sessionID's active mode.
func (c *Connection) SetSessionMode(ctx context.Context, sessionID acp.SessionId, modeID string) error {
	if c.isDead() {
		return ErrConnectionDead
	}
	_, err := c.sdkConn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: sessionID,
		ModeId:    acp.SessionModeId(modeID),
	})
	if err != nil {
		return fmt.Errorf("acp setSessionMode: %w", err)
	}
	return nil
}

// SetSessionConfigOption sets a single config option on sessionID.
func (c *Connection) SetSessionConfigOption(ctx context.Context, sessionID acp.SessionId, configID string, value any) error {
	if c.isDead() {
		return ErrConnectionDead
	}
	_, err := c.sdkConn.SetSessionConfigOption(ctx, acp.SetSessionConfigOptionRequest{
		SessionId: sessionID,
		ConfigId:  configID,
		Value:     value,
	})
	if err != nil {
		return fmt.Errorf("acp setSessionConfigOption: %w", err)
	}
	return nil
}

// UnstableSetSessionModel switches sessionID's underlying model. Treated as
// optional: an agent that rejects it surfaces ErrUnstableOperationUnsupported
// wrapped around the underlying error rather than panicking on a missing
// method.
func (c *Connection) UnstableSetSessionModel(ctx context.Context, sessionID acp.SessionId, modelID string) error {
	if c.isDead() {
		return ErrConnectionDead
	}
	_, err := c.sdkConn.UnstableSetSessionModel(ctx, acp.UnstableSetSessionModelRequest{
		SessionId: sessionID,
		ModelId:   acp.ModelId(modelID),
	})
	if err != nil {
		return fmt.Errorf("acp unstable_setSessionModel: %w: %w", ErrUnstableOperationUnsupported, err)
	}
	return nil
}

// UnstableListSessions drains every page of the agent's session listing for
// cwd, looping on nextCursor until exhausted.
func (c *Connection) UnstableListSessions(ctx context.Context, cwd string) ([]acp.SessionInfo, error) {
	if c.isDead() {
		return nil, ErrConnectionDead
	}
	var all []acp.SessionInfo
	var cursor *string
	for {
		resp, err := c.sdkConn.UnstableListSessions(ctx, acp.UnstableListSessionsRequest{
			Cwd:    cwd,
			Cursor: cursor,
		})
		if err != nil {
			return nil, fmt.Errorf("acp unstable_listSessions: %w: %w", ErrUnstableOperationUnsupported, err)
		}
		all = append(all, resp.Sessions...)
		if resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return all, nil
}

// UnstableForkSession asks the agent to branch sessionID, returning the new
// session id without mutating any persisted resume state.
func (c *Connection) UnstableForkSession(ctx context.Context, sessionID acp.SessionId) (acp.SessionId, error) {
	if c.isDead() {
		return "", ErrConnectionDead
	}
	resp, err := c.sdkConn.UnstableForkSession(ctx, acp.UnstableForkSessionRequest{SessionId: sessionID})
	if err != nil {
		return "", fmt.Errorf("acp unstable_forkSession: %w: %w", ErrUnstableOperationUnsupported, err)
	}
	return resp.SessionId, nil
}

// ExtMethod forwards an arbitrary extension method call to the agent.
func (c *Connection) ExtMethod(ctx context.Context, method string, params any) (any, error) {
	if c.isDead() {
		return nil, ErrConnectionDead
	}
	resp, err := c.sdkConn.ExtMethod(ctx, acp.ExtMethodRequest{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("acp extMethod %s: %w", method, err)
	}
	return resp, nil
}

// RecentStderr surfaces the underlying process's ring-buffered stderr for
// diagnostics when a connection dies ungracefully.
func (c *Connection) RecentStderr() []string {
	return c.proc.RecentStderr()
}

// Kill terminates the underlying process and its whole process group.
func (c *Connection) Kill(ctx context.Context) {
	c.proc.Kill(ctx)
}
