package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/events"
	"github.com/kandev/agentbroker/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans each session's update/status batches out to the renderer
// connections subscribed to it, adapted from the teacher's websocket hub
// but keyed by sessionKey instead of taskID and sourced from events.Bus
// rather than an in-process dispatcher.
type Hub struct {
	bus    events.Bus
	logger *logging.Logger

	mu       sync.Mutex
	sessions map[string]map[*client]events.Subscription
}

// NewHub creates a Hub that fans batches published on bus out to connected
// renderers.
func NewHub(bus events.Bus, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		bus:      bus,
		logger:   logger.WithFields(zap.String("component", "ws_hub")),
		sessions: make(map[string]map[*client]events.Subscription),
	}
}

// ServeWS upgrades the request to a WebSocket and streams every update and
// status batch for :sessionKey until the connection closes.
func (h *Hub) ServeWS(c *gin.Context) {
	sessionKey := c.Param("sessionKey")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", zap.Error(err))
		return
	}

	cl := newClient(sessionKey, conn, h, h.logger)
	if err := h.register(cl); err != nil {
		h.logger.Error("failed to subscribe client", zap.String("session_key", sessionKey), zap.Error(err))
		_ = conn.Close()
		return
	}

	go cl.writePump()
	cl.readPump()
}

func (h *Hub) register(cl *client) error {
	updateSub, err := h.bus.Subscribe(events.UpdateSubject(cl.sessionKey), func(_ context.Context, _ string, batch events.Batch) error {
		cl.deliver(batch)
		return nil
	})
	if err != nil {
		return err
	}
	statusSub, err := h.bus.Subscribe(events.StatusSubject(cl.sessionKey), func(_ context.Context, _ string, batch events.Batch) error {
		cl.deliver(batch)
		return nil
	})
	if err != nil {
		_ = updateSub.Unsubscribe()
		return err
	}

	h.mu.Lock()
	if h.sessions[cl.sessionKey] == nil {
		h.sessions[cl.sessionKey] = make(map[*client]events.Subscription)
	}
	h.sessions[cl.sessionKey][cl] = updateSub
	h.mu.Unlock()

	h.logger.Debug("client registered", zap.String("session_key", cl.sessionKey))

	cl.extraSub = statusSub
	return nil
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[cl.sessionKey]
	if !ok {
		return
	}
	if sub, ok := clients[cl]; ok {
		_ = sub.Unsubscribe()
		delete(clients, cl)
	}
	if cl.extraSub != nil {
		_ = cl.extraSub.Unsubscribe()
	}
	if len(clients) == 0 {
		delete(h.sessions, cl.sessionKey)
	}
	cl.closeSend()

	h.logger.Debug("client unregistered", zap.String("session_key", cl.sessionKey))
}
