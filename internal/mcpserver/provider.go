package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/agentbroker/internal/broker"
	"github.com/kandev/agentbroker/internal/logging"
)

// Provide starts an MCP server bound to b and returns a cleanup function to
// stop it. Callers pass a zero-Port Config to skip starting the server
// entirely (cleanup is then a no-op), matching main.go's optional wiring.
func Provide(ctx context.Context, cfg Config, b *broker.Broker, logger *logging.Logger) (*Server, func(), error) {
	if cfg.Port == 0 {
		return nil, func() {}, nil
	}

	srv := New(cfg, b, logger)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() {
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				logger.Warn("mcp server did not shut down cleanly")
			}
		})
	}

	return srv, cleanup, nil
}
