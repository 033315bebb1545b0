package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/broker"
	"github.com/kandev/agentbroker/internal/logging"
)

func registerTools(s *server.MCPServer, b *broker.Broker, log *logging.Logger) {
	s.AddTool(
		mcp.NewTool("send_prompt",
			mcp.WithDescription("Send a prompt to a live broker session. Dispatches immediately if the session is ready, otherwise queues it for delivery once the in-flight turn finishes."),
			mcp.WithString("session_key", mcp.Required(), mcp.Description("The broker session key")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The text to send to the agent")),
		),
		sendPromptHandler(b, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_session",
			mcp.WithDescription("Cancel the in-flight turn on a session, returning it to ready once the agent acknowledges."),
			mcp.WithString("session_key", mcp.Required(), mcp.Description("The broker session key")),
		),
		cancelSessionHandler(b, log),
	)

	s.AddTool(
		mcp.NewTool("approve_permission",
			mcp.WithDescription("Resolve a pending tool-call permission request raised by a session."),
			mcp.WithString("session_key", mcp.Required(), mcp.Description("The broker session key")),
			mcp.WithString("tool_call_id", mcp.Required(), mcp.Description("The tool_call_id from the permission request")),
			mcp.WithString("approved", mcp.Required(), mcp.Description("\"true\" to allow, \"false\" to reject")),
		),
		approvePermissionHandler(b, log),
	)

	s.AddTool(
		mcp.NewTool("set_mode",
			mcp.WithDescription("Switch a session's agent mode."),
			mcp.WithString("session_key", mcp.Required(), mcp.Description("The broker session key")),
			mcp.WithString("mode_id", mcp.Required(), mcp.Description("The mode id to switch to")),
		),
		setModeHandler(b, log),
	)

	s.AddTool(
		mcp.NewTool("fork_session",
			mcp.WithDescription("Fork a session's underlying agent conversation into a new, independent branch. The fork is not persisted to the conversation store."),
			mcp.WithString("session_key", mcp.Required(), mcp.Description("The broker session key to fork from")),
		),
		forkSessionHandler(b, log),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List the agent-side sessions visible to the connection a broker session currently resolves to."),
			mcp.WithString("session_key", mcp.Required(), mcp.Description("The broker session key")),
			mcp.WithString("cwd", mcp.Description("Working directory to list sessions for (defaults to the session's own cwd)")),
		),
		listSessionsHandler(b, log),
	)

	s.AddTool(
		mcp.NewTool("kill_session",
			mcp.WithDescription("Force-terminate a session and release its connection slot."),
			mcp.WithString("session_key", mcp.Required(), mcp.Description("The broker session key")),
		),
		killSessionHandler(b, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

func brokerErrorResult(err error) *mcp.CallToolResult {
	var berr *broker.Error
	if errors.As(err, &berr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", berr.ErrCode, berr.Message))
	}
	return mcp.NewToolResultError(err.Error())
}

func sendPromptHandler(b *broker.Broker, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := b.SendPrompt(ctx, broker.SendPromptParams{SessionKey: sessionKey, Message: message}); err != nil {
			log.Warn("mcp send_prompt failed", zap.String("session_key", sessionKey), zap.Error(err))
			return brokerErrorResult(err), nil
		}
		return mcp.NewToolResultText("prompt dispatched"), nil
	}
}

func cancelSessionHandler(b *broker.Broker, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := b.CancelSession(ctx, sessionKey); err != nil {
			log.Warn("mcp cancel_session failed", zap.String("session_key", sessionKey), zap.Error(err))
			return brokerErrorResult(err), nil
		}
		return mcp.NewToolResultText("cancel requested"), nil
	}
}

func approvePermissionHandler(b *broker.Broker, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		toolCallID, err := req.RequireString("tool_call_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		approvedStr, err := req.RequireString("approved")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		approved, err := strconv.ParseBool(approvedStr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("approved must be \"true\" or \"false\": %v", err)), nil
		}

		if err := b.ApprovePermission(sessionKey, toolCallID, approved); err != nil {
			log.Warn("mcp approve_permission failed", zap.String("session_key", sessionKey), zap.Error(err))
			return brokerErrorResult(err), nil
		}
		return mcp.NewToolResultText("permission resolved"), nil
	}
}

func setModeHandler(b *broker.Broker, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		modeID, err := req.RequireString("mode_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := b.SetMode(ctx, sessionKey, modeID); err != nil {
			log.Warn("mcp set_mode failed", zap.String("session_key", sessionKey), zap.Error(err))
			return brokerErrorResult(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("mode set to %s", modeID)), nil
	}
}

func forkSessionHandler(b *broker.Broker, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := b.ForkSession(ctx, sessionKey)
		if err != nil {
			log.Warn("mcp fork_session failed", zap.String("session_key", sessionKey), zap.Error(err))
			return brokerErrorResult(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("forked into session %s", result.NewSessionID)), nil
	}
}

func listSessionsHandler(b *broker.Broker, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cwd := req.GetString("cwd", "")

		infos, err := b.ListSessions(ctx, sessionKey, cwd)
		if err != nil {
			log.Warn("mcp list_sessions failed", zap.String("session_key", sessionKey), zap.Error(err))
			return brokerErrorResult(err), nil
		}

		formatted, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to format sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func killSessionHandler(b *broker.Broker, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := b.KillSession(sessionKey); err != nil {
			log.Warn("mcp kill_session failed", zap.String("session_key", sessionKey), zap.Error(err))
			return brokerErrorResult(err), nil
		}
		return mcp.NewToolResultText("session killed"), nil
	}
}
