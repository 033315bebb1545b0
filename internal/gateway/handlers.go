package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/broker"
	"github.com/kandev/agentbroker/internal/logging"
)

// Handlers exposes the broker's external operations (spec.md §6) as a JSON
// HTTP API, the same thin-controller shape internal/editors/handlers uses
// in the teacher repo.
type Handlers struct {
	broker *broker.Broker
	logger *logging.Logger
}

// NewHandlers wraps b for HTTP exposure.
func NewHandlers(b *broker.Broker, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{broker: b, logger: logger.WithFields(zap.String("component", "gateway"))}
}

// RegisterRoutes mounts every operation under /api/v1, plus the
// WebSocket upgrade endpoint for a session's update/status streams.
func RegisterRoutes(router *gin.Engine, h *Handlers, hub *Hub) {
	api := router.Group("/api/v1")
	api.POST("/sessions", h.httpStart)
	api.POST("/sessions/:sessionKey/prompt", h.httpPrompt)
	api.POST("/sessions/:sessionKey/cancel", h.httpCancel)
	api.POST("/sessions/:sessionKey/detach", h.httpDetach)
	api.POST("/sessions/:sessionKey/reattach", h.httpReattach)
	api.DELETE("/sessions/:sessionKey", h.httpKill)
	api.POST("/sessions/:sessionKey/approve", h.httpApprove)
	api.POST("/sessions/:sessionKey/mode", h.httpSetMode)
	api.POST("/sessions/:sessionKey/config-option", h.httpSetConfigOption)
	api.POST("/sessions/:sessionKey/model", h.httpSetModel)
	api.GET("/sessions/:sessionKey/list", h.httpListSessions)
	api.POST("/sessions/:sessionKey/fork", h.httpForkSession)
	api.POST("/sessions/:sessionKey/ext", h.httpExtMethod)

	router.GET("/ws/:sessionKey", hub.ServeWS)
}

func (h *Handlers) httpStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: err.Error()})
		return
	}

	result, err := h.broker.CreateSession(c.Request.Context(), broker.CreateSessionParams{
		ConversationID:     req.ConversationID,
		ProviderID:         req.ProviderID,
		Cwd:                req.Cwd,
		Env:                req.Env,
		ResumeAcpSessionID: req.AcpSessionID,
		McpServers:         toMcpServers(req.McpServers),
	})
	if err != nil {
		h.logger.Warn("createSession failed", zap.Error(err))
		c.JSON(http.StatusOK, errResp(err))
		return
	}

	c.JSON(http.StatusOK, startResponse{
		Success:       true,
		SessionKey:    result.SessionKey,
		AcpSessionID:  result.AcpSessionID,
		Modes:         result.Modes,
		Models:        result.Models,
		HistoryEvents: result.HistoryEvents,
		Resumed:       result.Resumed,
	})
}

func (h *Handlers) httpPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: err.Error()})
		return
	}
	err := h.broker.SendPrompt(c.Request.Context(), broker.SendPromptParams{
		SessionKey: c.Param("sessionKey"),
		Message:    req.Message,
		Files:      toPromptFiles(req.Files),
	})
	if err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpCancel(c *gin.Context) {
	if err := h.broker.CancelSession(c.Request.Context(), c.Param("sessionKey")); err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpDetach(c *gin.Context) {
	if err := h.broker.DetachSession(c.Param("sessionKey")); err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpReattach(c *gin.Context) {
	if err := h.broker.ReattachSession(c.Request.Context(), c.Param("sessionKey")); err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpKill(c *gin.Context) {
	if err := h.broker.KillSession(c.Param("sessionKey")); err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpApprove(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: err.Error()})
		return
	}
	if err := h.broker.ApprovePermission(c.Param("sessionKey"), req.ToolCallID, req.Approved); err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpSetMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: err.Error()})
		return
	}
	if err := h.broker.SetMode(c.Request.Context(), c.Param("sessionKey"), req.ModeID); err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpSetConfigOption(c *gin.Context) {
	var req setConfigOptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: err.Error()})
		return
	}
	if err := h.broker.SetConfigOption(c.Request.Context(), c.Param("sessionKey"), req.ConfigID, req.Value); err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpSetModel(c *gin.Context) {
	var req setModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: err.Error()})
		return
	}
	if err := h.broker.SetModel(c.Request.Context(), c.Param("sessionKey"), req.ModelID); err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, okResponse{Success: true})
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	sessions, err := h.broker.ListSessions(c.Request.Context(), c.Param("sessionKey"), c.Query("cwd"))
	if err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, listSessionsResponse{Success: true, Sessions: sessions})
}

func (h *Handlers) httpForkSession(c *gin.Context) {
	result, err := h.broker.ForkSession(c.Request.Context(), c.Param("sessionKey"))
	if err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, forkResponse{Success: true, NewSessionID: result.NewSessionID})
}

func (h *Handlers) httpExtMethod(c *gin.Context) {
	var req extMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: err.Error()})
		return
	}
	result, err := h.broker.ExtMethod(c.Request.Context(), c.Param("sessionKey"), req.Method, req.Params)
	if err != nil {
		c.JSON(http.StatusOK, errResp(err))
		return
	}
	c.JSON(http.StatusOK, extMethodResponse{Success: true, Result: result})
}
