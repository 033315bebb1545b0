// Package mcpserver exposes a subset of the broker's façade operations as
// MCP tools, so an MCP-speaking client (Claude Desktop, Cursor, Codex) can
// drive an existing session directly instead of going through the HTTP
// gateway -- the same shape as the teacher's own task-management MCP
// server, pointed at the broker instead of the Kandev HTTP API.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kandev/agentbroker/internal/broker"
	"github.com/kandev/agentbroker/internal/logging"
	"go.uber.org/zap"
)

// Config holds the MCP server's own configuration; the broker it wraps is
// supplied separately to New.
type Config struct {
	Port int // Port to listen on. A zero Port disables the server entirely.
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Port: 9190}
}

// Server wraps the Streamable HTTP MCP transport with lifecycle management.
type Server struct {
	cfg                  Config
	broker               *broker.Broker
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logging.Logger
}

// New creates an MCP server bound to b. It does not listen until Start is
// called.
func New(cfg Config, b *broker.Broker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		cfg:    cfg,
		broker: b,
		logger: logger.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start starts the MCP server in a goroutine and returns once it is
// listening, or once ctx is cancelled first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"agentbroker-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.broker, s.logger)

	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening", zap.Int("port", s.cfg.Port), zap.String("endpoint", "/mcp"))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MCP HTTP server: %w", err)
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown MCP streamable transport", zap.Error(err))
		}
	}
	return nil
}

// Endpoint returns the full Streamable HTTP URL MCP clients should connect
// to.
func (s *Server) Endpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
