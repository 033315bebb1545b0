package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/broker"
	"github.com/kandev/agentbroker/internal/events"
	"github.com/kandev/agentbroker/internal/logging"
)

// Server is the demo Transport Layer collaborator: a Gin JSON API over the
// broker's external operations plus a WebSocket fan-out of its event
// streams, adapted from the teacher's agentctl instance api.Server.
type Server struct {
	httpServer *http.Server
	logger     *logging.Logger
}

// NewServer builds the Gin engine, mounts the REST routes and the
// WebSocket upgrade endpoint, and wraps it in an *http.Server listening on
// addr.
func NewServer(addr string, b *broker.Broker, bus events.Bus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithFields(zap.String("component", "gateway-server"))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	hub := NewHub(bus, logger)
	handlers := NewHandlers(b, logger)
	RegisterRoutes(router, handlers, hub)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: router},
		logger:     logger,
	}
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs HTTP request details after the handler completes,
// mirroring the teacher's internal/common/httpmw.RequestLogger.
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
		}
		if status >= 500 {
			logger.Error("http", fields...)
		} else {
			logger.Debug("http", fields...)
		}
	}
}
