package broker

import (
	"context"
	"fmt"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentbroker/internal/acpconn"
	"github.com/kandev/agentbroker/internal/registry"
)

const contextReplayPrefix = "[CONTEXT REPLAY]"

// CreateSessionParams is the input to CreateSession.
type CreateSessionParams struct {
	ConversationID     string
	ProviderID         string
	Cwd                string
	Env                map[string]string
	ResumeAcpSessionID string
	McpServers         []McpServer
}

// CreateSessionResult is the output of a successful CreateSession call.
type CreateSessionResult struct {
	SessionKey    string
	AcpSessionID  string
	Modes         *registry.ModeState
	Models        *registry.ModeState
	HistoryEvents []HistoryEvent
	Resumed       bool
}

// HistoryEvent is the caller-facing shape of an event captured in a
// session's history buffer.
type HistoryEvent struct {
	Kind       string
	UpdateData any
}

func validateCreateSessionParams(p CreateSessionParams) error {
	if strings.TrimSpace(p.ConversationID) == "" {
		return newError(CodeValidation, "conversationId is required", nil)
	}
	if strings.TrimSpace(p.ProviderID) == "" {
		return newError(CodeValidation, "providerId is required", nil)
	}
	if strings.TrimSpace(p.Cwd) == "" {
		return newError(CodeValidation, "cwd is required", nil)
	}
	return nil
}

// CreateSession implements spec.md §4.6's createSession operation.
func (b *Broker) CreateSession(ctx context.Context, p CreateSessionParams) (CreateSessionResult, error) {
	if err := validateCreateSessionParams(p); err != nil {
		return CreateSessionResult{}, err
	}

	sessionKey := sessionKeyFor(p.ProviderID, p.ConversationID)

	if sess, ok := b.registry.Get(sessionKey); ok && !b.registry.IsStale(sessionKey) {
		return CreateSessionResult{
			SessionKey:   sessionKey,
			AcpSessionID: sess.AcpSessionID(),
			Modes:        sess.Modes(),
			Models:       sess.Models(),
			Resumed:      false,
		}, nil
	}

	if b.registry.IsStale(sessionKey) {
		b.killSessionInternal(sessionKey)
		b.registry.ClearFinalized(sessionKey)
	}

	spec, err := b.agents.Resolve(p.ProviderID)
	if err != nil {
		return CreateSessionResult{}, newError(CodeNoAcpSupport, err.Error(), err)
	}

	connectionKey := connectionKeyFor(spec, p.ProviderID, p.Cwd, sessionKey)

	var conn acpConn
	var storedAcpSessionID string

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		c, err := b.pool.Acquire(gctx, connectionKey, b.dial(spec, connectionKey, p.Cwd, p.Env))
		if err != nil {
			return err
		}
		conn = c.(acpConn)
		return nil
	})
	group.Go(func() error {
		if p.ResumeAcpSessionID != "" {
			storedAcpSessionID = p.ResumeAcpSessionID
			return nil
		}
		id, ok, err := b.convs.GetAcpSessionID(gctx, p.ConversationID)
		if err != nil {
			return err
		}
		if ok {
			storedAcpSessionID = id
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return CreateSessionResult{}, newError(CodeAcpUnavailable, "failed to acquire connection", err)
	}

	sess := b.registry.Create(sessionKey, p.ConversationID, p.ProviderID, p.Cwd, connectionKey, b.sink)

	var result acpconn.NewSessionResult
	var historyEvents []HistoryEvent
	resumed := false

	if storedAcpSessionID != "" {
		b.registry.RegisterAcpSessionID(sessionKey, storedAcpSessionID, "")
		sess.OpenHistoryBuffer()

		loadResult, loadErr := conn.LoadSession(ctx, acp.SessionId(storedAcpSessionID), p.Cwd, toAcpconnServers(p.McpServers))
		drained := sess.DrainHistory()

		if loadErr == nil {
			result = loadResult
			resumed = true
			for _, ev := range drained {
				historyEvents = append(historyEvents, HistoryEvent{Kind: string(ev.Kind), UpdateData: ev.UpdatePayload})
			}
		} else {
			b.logger.Warn("loadSession failed, falling back to newSession with context replay",
				zap.String("session_key", sessionKey), zap.Error(loadErr))
			b.registry.UnregisterAcpSessionID(storedAcpSessionID)

			newResult, newErr := conn.NewSession(ctx, p.Cwd, toAcpconnServers(p.McpServers))
			if newErr != nil {
				b.pool.Release(connectionKey)
				b.registry.Finalize(sessionKey)
				return CreateSessionResult{}, newError(CodeAcpUnavailable, "newSession failed after resume fallback", newErr)
			}
			result = newResult
			b.replayContext(ctx, conn, result.SessionID, p.ConversationID)
		}
	} else {
		newResult, newErr := conn.NewSession(ctx, p.Cwd, toAcpconnServers(p.McpServers))
		if newErr != nil {
			b.pool.Release(connectionKey)
			b.registry.Finalize(sessionKey)
			return CreateSessionResult{}, newError(CodeAcpUnavailable, "newSession failed", newErr)
		}
		result = newResult
	}

	modes := convertModeState(result.Modes)
	models := convertModeState(result.Models)

	b.registry.RegisterAcpSessionID(sessionKey, string(result.SessionID), storedAcpSessionID)
	sess.SetAcpSessionID(string(result.SessionID))
	sess.SetModes(modes)
	sess.SetModels(models)
	b.redispatch(sess, sess.SetStatus(registry.StatusReady))

	if err := b.convs.SetAcpSessionID(ctx, p.ConversationID, string(result.SessionID)); err != nil {
		b.logger.Warn("persisting acpSessionId failed", zap.String("session_key", sessionKey), zap.Error(err))
	}

	return CreateSessionResult{
		SessionKey:    sessionKey,
		AcpSessionID:  string(result.SessionID),
		Modes:         modes,
		Models:        models,
		HistoryEvents: historyEvents,
		Resumed:       resumed,
	}, nil
}

// convertModeState maps acpconn's agent-facing ModeState onto the
// registry's copy of the same shape, so the registry package does not need
// to import acpconn.
func convertModeState(m *acpconn.ModeState) *registry.ModeState {
	if m == nil {
		return nil
	}
	return &registry.ModeState{Available: m.Available, CurrentID: m.CurrentID}
}

// replayContext synthesizes the "[CONTEXT REPLAY]" prompt from prior saved
// messages and sends it directly through the connection, best-effort: a
// failure here does not fail session creation, it only means the agent
// starts without prior context.
func (b *Broker) replayContext(ctx context.Context, conn acpConn, sessionID acp.SessionId, conversationID string) {
	messages, err := b.convs.GetPriorMessages(ctx, conversationID)
	if err != nil {
		b.logger.Warn("loading prior messages for context replay failed", zap.Error(err))
		return
	}
	if len(messages) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(contextReplayPrefix)
	sb.WriteString("\n")
	for _, m := range messages {
		sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Text))
	}

	if _, err := conn.Prompt(ctx, sessionID, []acp.ContentBlock{acp.TextBlock(sb.String())}); err != nil {
		b.logger.Warn("context replay prompt failed", zap.Error(err))
	}
}

func toAcpconnServers(servers []McpServer) []acpconn.McpServerSpec {
	return servers
}

// killSessionInternal is the shared implementation behind KillSession and
// the stale-key teardown createSession performs before reusing a key.
func (b *Broker) killSessionInternal(sessionKey string) {
	sess, ok := b.registry.Get(sessionKey)
	if !ok {
		return
	}
	sess.Lock()
	defer sess.Unlock()

	for _, p := range sess.DrainPendingPermissions() {
		select {
		case p.ResolveCh <- registry.PermissionResolution{Cancelled: true}:
		default:
		}
	}
	sess.TakePendingPrompt()
	sess.Coalescer.Kill()
	b.registry.UnregisterAcpSessionID(sess.AcpSessionID())
	b.registry.Finalize(sessionKey)
	b.pool.Release(sess.ConnectionKey)
}
