// Package router implements the Inbound Request Router: it dispatches every
// agent-initiated ACP request arriving on one Connection to the owning
// logical Session, captures sessionUpdate notifications into a session's
// history buffer while loadSession is in flight, runs the permission
// rendezvous, and mediates the only workspace file access the broker
// performs (readTextFile/writeTextFile, guarded against path traversal).
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/kandev/agentbroker/internal/events"
	"github.com/kandev/agentbroker/internal/logging"
	"github.com/kandev/agentbroker/internal/registry"
	"go.uber.org/zap"
)

// ErrPathTraversal is returned (and surfaced to the agent as a
// protocol-level error, never to subscribers) when a requested path
// resolves outside the session's working directory.
var ErrPathTraversal = errors.New("Path traversal blocked")

// ErrSessionNotFound is returned for requests that cannot be matched to a
// live session.
var ErrSessionNotFound = errors.New("session not found")

// Router is bound to exactly one Connection (identified by connectionKey)
// and resolves every inbound request to a Session owned by the shared
// Registry.
type Router struct {
	connectionKey string
	registry      *registry.Registry
	logger        *logging.Logger
}

// New creates a Router for the connection identified by connectionKey.
func New(connectionKey string, reg *registry.Registry, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{
		connectionKey: connectionKey,
		registry:      reg,
		logger:        logger.WithFields(zap.String("component", "router"), zap.String("connection_key", connectionKey)),
	}
}

// resolveSession finds the owning session for an inbound request: by
// sessionId via the reverse map when present, otherwise (dedicated
// connections only) the sole session bound to this connection.
func (r *Router) resolveSession(sessionID string) (*registry.Session, bool) {
	if sessionID != "" {
		return r.registry.GetByAcpSessionID(sessionID)
	}
	return r.registry.SoleSessionOnConnection(r.connectionKey)
}

// HandleSessionUpdate implements acpconn.InboundHandler.
func (r *Router) HandleSessionUpdate(ctx context.Context, n acp.SessionNotification) {
	sess, ok := r.resolveSession(string(n.SessionId))
	if !ok {
		r.logger.Warn("dropping sessionUpdate for unknown session", zap.String("acp_session_id", string(n.SessionId)))
		return
	}

	if sess.AppendHistory(events.SessionUpdate(sess.SessionKey, n)) {
		return
	}

	if sess.Status() == registry.StatusSubmitted {
		sess.SetStatus(registry.StatusStreaming)
	}
	sess.Coalescer.Append(events.SessionUpdate(sess.SessionKey, n))
}

// HandleRequestPermission implements acpconn.InboundHandler. It blocks
// until approvePermission resolves the pending entry it registers, or the
// context is cancelled.
func (r *Router) HandleRequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	sess, ok := r.resolveSession(string(req.SessionId))
	if !ok {
		r.logger.Warn("requestPermission for unknown session", zap.String("acp_session_id", string(req.SessionId)))
		return cancelledPermissionResponse(), nil
	}

	toolCallID := string(req.ToolCall.ToolCallId)
	if toolCallID == "" {
		toolCallID = "perm-" + uuid.NewString()
	}

	resolveCh := make(chan registry.PermissionResolution, 1)
	sess.RegisterPendingPermission(&registry.PendingPermission{
		ToolCallID: toolCallID,
		Options:    req.Options,
		ResolveCh:  resolveCh,
		CreatedAt:  time.Now(),
	})

	sess.Coalescer.Append(events.PermissionRequest(sess.SessionKey, req, toolCallID))

	select {
	case res := <-resolveCh:
		if res.Cancelled {
			return cancelledPermissionResponse(), nil
		}
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId(res.OptionID)},
			},
		}, nil
	case <-ctx.Done():
		sess.TakePendingPermission(toolCallID)
		return cancelledPermissionResponse(), ctx.Err()
	}
}

func cancelledPermissionResponse() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

// resolvePath resolves path against cwd and rejects anything that escapes
// it via a textual prefix check on the cleaned, joined result.
func resolvePath(cwd, path string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Join(cwd, path)
	}

	root := filepath.Clean(cwd)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %q", ErrPathTraversal, path, cwd)
	}
	return resolved, nil
}

// HandleReadTextFile implements acpconn.InboundHandler.
func (r *Router) HandleReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	sess, ok := r.resolveSession(string(req.SessionId))
	if !ok {
		return acp.ReadTextFileResponse{}, ErrSessionNotFound
	}

	resolved, err := resolvePath(sess.Cwd, req.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return acp.ReadTextFileResponse{}, fmt.Errorf("reading %s: %w", resolved, err)
	}

	content := string(data)
	if req.Line != nil || req.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if req.Line != nil && *req.Line > 0 {
			start = *req.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if req.Limit != nil && *req.Limit > 0 && start+*req.Limit < end {
			end = start + *req.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// HandleWriteTextFile implements acpconn.InboundHandler.
func (r *Router) HandleWriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	sess, ok := r.resolveSession(string(req.SessionId))
	if !ok {
		return acp.WriteTextFileResponse{}, ErrSessionNotFound
	}

	resolved, err := resolvePath(sess.Cwd, req.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}

	if dir := filepath.Dir(resolved); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(resolved, []byte(req.Content), 0o644); err != nil {
		return acp.WriteTextFileResponse{}, fmt.Errorf("writing %s: %w", resolved, err)
	}
	return acp.WriteTextFileResponse{}, nil
}
