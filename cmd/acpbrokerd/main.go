// Command acpbrokerd runs the Agent Session Broker behind a demo HTTP+
// WebSocket gateway, wiring together configuration, logging, the provider
// registry, the conversation store, the event bus, and the broker façade --
// the same composition root shape as the teacher's agentctl instance
// entrypoints.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/agentregistry"
	"github.com/kandev/agentbroker/internal/broker"
	"github.com/kandev/agentbroker/internal/config"
	"github.com/kandev/agentbroker/internal/convstore"
	"github.com/kandev/agentbroker/internal/events"
	"github.com/kandev/agentbroker/internal/gateway"
	"github.com/kandev/agentbroker/internal/logging"
	"github.com/kandev/agentbroker/internal/mcpserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	logging.SetDefault(logger)
	defer func() { _ = logger.Sync() }()

	agents, err := loadAgentRegistry(cfg.Agents.RegistryPath, logger)
	if err != nil {
		return fmt.Errorf("loading agent registry: %w", err)
	}

	convs, closeConvs, err := openConversationStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer closeConvs()

	bus, closeBus, err := openEventBus(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("opening event bus: %w", err)
	}
	defer closeBus()

	b := broker.New(agents, convs, bus, broker.Options{
		IdleTimeout:  cfg.Broker.IdleTimeout(),
		CoalesceTick: cfg.Broker.CoalesceTick(),
		Logger:       logger,
	})
	defer b.Shutdown()

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	srv := gateway.NewServer(addr, b, bus, logger)

	mcpSrv, stopMCP, err := mcpserver.Provide(context.Background(), mcpserver.Config{Port: cfg.MCP.Port}, b, logger)
	if err != nil {
		return fmt.Errorf("starting mcp server: %w", err)
	}
	defer stopMCP()
	if mcpSrv != nil {
		logger.Info("mcp server started", zap.String("endpoint", mcpSrv.Endpoint()))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown did not complete cleanly", zap.Error(err))
	}

	return nil
}

// loadAgentRegistry reads providers from registryPath when present, falling
// back to an empty registry (every providerId resolves to no_acp_support)
// so the process still starts in a bare demo environment.
func loadAgentRegistry(registryPath string, logger *logging.Logger) (agentregistry.Registry, error) {
	if registryPath == "" {
		return agentregistry.NewStaticRegistry(nil), nil
	}
	if _, err := os.Stat(registryPath); err != nil {
		logger.Warn("agent registry file not found, starting with no providers configured",
			zap.String("path", registryPath))
		return agentregistry.NewStaticRegistry(nil), nil
	}
	reg, err := agentregistry.LoadFromFile(registryPath)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// openConversationStore opens a SQLite-backed Store at dbPath, or falls
// back to an in-memory Store when dbPath is empty (used by tests and
// ephemeral local runs).
func openConversationStore(dbPath string, logger *logging.Logger) (convstore.Store, func(), error) {
	if dbPath == "" {
		logger.Warn("database.path is empty, using an in-memory conversation store")
		return convstore.NewMemoryStore(), func() {}, nil
	}
	store, err := convstore.OpenSQLite(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// openEventBus connects to NATS when url is set, otherwise runs an
// in-process MemoryBus -- the single-gateway-process demo deployment mode.
func openEventBus(url string, logger *logging.Logger) (events.Bus, func(), error) {
	if url == "" {
		bus := events.NewMemoryBus(logger)
		return bus, func() { _ = bus.Close() }, nil
	}
	bus, err := events.DialNats(url, logger)
	if err != nil {
		return nil, nil, err
	}
	return bus, func() { _ = bus.Close() }, nil
}
