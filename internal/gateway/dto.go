// Package gateway is the demo Transport Layer collaborator spec.md treats
// as external: a small Gin JSON API exposing the broker's thirteen external
// operations (start/prompt/cancel/detach/reattach/kill/approve/setMode/
// setConfigOption/setModel/listSessions/forkSession/extMethod) plus a
// gorilla/websocket endpoint that fans out a session's update/status event
// streams to renderer connections, adapted from the teacher's
// internal/gateway/websocket hub.
package gateway

import (
	"github.com/kandev/agentbroker/internal/broker"
	"github.com/kandev/agentbroker/internal/registry"
)

// errorResponse is the {success:false, error} boundary shape every
// operation-layer error returns, per spec.md §7's propagation policy.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func errResp(err error) errorResponse {
	resp := errorResponse{Success: false, Error: err.Error()}
	if berr, ok := err.(*broker.Error); ok {
		resp.Code = string(berr.ErrCode)
	}
	return resp
}

// startRequest is the body of POST /api/v1/sessions.
type startRequest struct {
	ConversationID string            `json:"conversationId" binding:"required"`
	ProviderID     string            `json:"providerId" binding:"required"`
	Cwd            string            `json:"cwd" binding:"required"`
	Env            map[string]string `json:"env,omitempty"`
	AcpSessionID   string            `json:"acpSessionId,omitempty"`
	McpServers     []mcpServerDTO    `json:"mcpServers,omitempty"`
}

type mcpServerDTO struct {
	Name    string            `json:"name"`
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func toMcpServers(in []mcpServerDTO) []broker.McpServer {
	out := make([]broker.McpServer, 0, len(in))
	for _, s := range in {
		out = append(out, broker.McpServer{
			Name: s.Name, Type: s.Type, Command: s.Command,
			Args: s.Args, URL: s.URL, Headers: s.Headers,
		})
	}
	return out
}

// startResponse is the body of a successful start call.
type startResponse struct {
	Success       bool                  `json:"success"`
	SessionKey    string                `json:"sessionKey"`
	AcpSessionID  string                `json:"acpSessionId,omitempty"`
	Modes         *registry.ModeState   `json:"modes,omitempty"`
	Models        *registry.ModeState   `json:"models,omitempty"`
	HistoryEvents []broker.HistoryEvent `json:"historyEvents,omitempty"`
	Resumed       bool                  `json:"resumed"`
}

// promptRequest is the body of POST /api/v1/sessions/:sessionKey/prompt.
type promptRequest struct {
	Message string          `json:"message"`
	Files   []promptFileDTO `json:"files,omitempty"`
}

type promptFileDTO struct {
	URL       string `json:"url" binding:"required"`
	MediaType string `json:"mediaType"`
	Filename  string `json:"filename,omitempty"`
}

func toPromptFiles(in []promptFileDTO) []broker.PromptFile {
	out := make([]broker.PromptFile, 0, len(in))
	for _, f := range in {
		out = append(out, broker.PromptFile{URL: f.URL, MediaType: f.MediaType, Filename: f.Filename})
	}
	return out
}

// approveRequest is the body of POST /api/v1/sessions/:sessionKey/approve.
type approveRequest struct {
	ToolCallID string `json:"toolCallId" binding:"required"`
	Approved   bool   `json:"approved"`
}

type setModeRequest struct {
	ModeID string `json:"modeId" binding:"required"`
}

type setConfigOptionRequest struct {
	ConfigID string `json:"configId" binding:"required"`
	Value    any    `json:"value"`
}

type setModelRequest struct {
	ModelID string `json:"modelId" binding:"required"`
}

type extMethodRequest struct {
	Method string `json:"method" binding:"required"`
	Params any    `json:"params,omitempty"`
}

type okResponse struct {
	Success bool `json:"success"`
}

type forkResponse struct {
	Success      bool   `json:"success"`
	NewSessionID string `json:"newSessionId"`
}

type listSessionsResponse struct {
	Success  bool `json:"success"`
	Sessions any  `json:"sessions"`
}

type extMethodResponse struct {
	Success bool `json:"success"`
	Result  any  `json:"result,omitempty"`
}
