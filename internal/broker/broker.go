// Package broker implements the Session Broker façade: the public surface
// (createSession/sendPrompt/cancelSession/approvePermission/setMode/
// setConfigOption/setModel/listSessions/forkSession/extMethod/detach/
// reattach/kill/shutdown) that composes the Connection Pool, Session
// Registry, Inbound Request Router, and Event Coalescer into the state
// machine a subscriber drives.
package broker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/acpconn"
	"github.com/kandev/agentbroker/internal/agentregistry"
	"github.com/kandev/agentbroker/internal/convstore"
	"github.com/kandev/agentbroker/internal/events"
	"github.com/kandev/agentbroker/internal/logging"
	"github.com/kandev/agentbroker/internal/pool"
	"github.com/kandev/agentbroker/internal/registry"
	"github.com/kandev/agentbroker/internal/router"
)

// McpServer is the caller-facing description of an MCP server to wire into
// a created session, mirroring acpconn.McpServerSpec one level up so
// callers of the broker never import acpconn directly.
type McpServer = acpconn.McpServerSpec

// acpConn is the subset of *acpconn.Connection the broker package depends
// on, expressed as an interface so tests can drive CreateSession/
// SendPrompt/CancelSession against a fake peer instead of a spawned agent
// process. *acpconn.Connection satisfies this interface; pool.Conn's three
// lifecycle methods are included so a value handed back by pool.Acquire
// can be asserted directly into an acpConn.
type acpConn interface {
	Closed() <-chan struct{}
	RecentStderr() []string
	Kill(ctx context.Context)

	NewSession(ctx context.Context, cwd string, mcpServers []acpconn.McpServerSpec) (acpconn.NewSessionResult, error)
	LoadSession(ctx context.Context, sessionID acp.SessionId, cwd string, mcpServers []acpconn.McpServerSpec) (acpconn.NewSessionResult, error)
	Prompt(ctx context.Context, sessionID acp.SessionId, blocks []acp.ContentBlock) (acp.StopReason, error)
	Cancel(ctx context.Context, sessionID acp.SessionId) error
	SetSessionMode(ctx context.Context, sessionID acp.SessionId, modeID string) error
	SetSessionConfigOption(ctx context.Context, sessionID acp.SessionId, configID string, value any) error
	UnstableSetSessionModel(ctx context.Context, sessionID acp.SessionId, modelID string) error
	UnstableListSessions(ctx context.Context, cwd string) ([]acp.SessionInfo, error)
	UnstableForkSession(ctx context.Context, sessionID acp.SessionId) (acp.SessionId, error)
	ExtMethod(ctx context.Context, method string, params any) (any, error)
}

// Broker is the process-wide façade. It is safe for concurrent use and, per
// the design notes, safe to Shutdown more than once.
type Broker struct {
	logger *logging.Logger

	registry *registry.Registry
	pool     *pool.Pool
	agents   agentregistry.Registry
	convs    convstore.Store
	bus      events.Bus

	brokerEnv map[string]string

	shutdownOnce sync.Once
}

// Options configures a new Broker. Zero values fall back to the defaults
// spec.md names (60s idle timeout, 16ms coalescer tick).
type Options struct {
	IdleTimeout time.Duration
	CoalesceTick time.Duration
	Logger       *logging.Logger
}

// New creates a Broker wired to the given collaborators.
func New(agents agentregistry.Registry, convs convstore.Store, bus events.Bus, opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithFields(zap.String("component", "broker"))

	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	tick := opts.CoalesceTick
	if tick <= 0 {
		tick = 16 * time.Millisecond
	}

	b := &Broker{
		logger:    logger,
		agents:    agents,
		convs:     convs,
		bus:       bus,
		brokerEnv: parseHostEnv(),
	}
	b.registry = registry.New(tick)
	b.pool = pool.New(idleTimeout, b.onConnectionDeath, logger)
	return b
}

func parseHostEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// sink publishes a flushed batch to the general update subject, and
// additionally to the status subject when it carries any status_change
// events, per spec.md's "same batch position" requirement.
func (b *Broker) sink(ctx context.Context, batch events.Batch) {
	if err := b.bus.Publish(ctx, events.UpdateSubject(batch.SessionKey), batch); err != nil {
		b.logger.Warn("publishing update batch failed", zap.String("session_key", batch.SessionKey), zap.Error(err))
	}

	var statusEvents []events.Event
	for _, ev := range batch.Events {
		if ev.Kind == events.KindStatusChange {
			statusEvents = append(statusEvents, ev)
		}
	}
	if len(statusEvents) == 0 {
		return
	}
	statusBatch := events.Batch{SessionKey: batch.SessionKey, Events: statusEvents, FlushedAt: batch.FlushedAt}
	if err := b.bus.Publish(ctx, events.StatusSubject(batch.SessionKey), statusBatch); err != nil {
		b.logger.Warn("publishing status batch failed", zap.String("session_key", batch.SessionKey), zap.Error(err))
	}
}

// onConnectionDeath is the Pool's global DeathHandler: it fans out
// session_error to every non-detached session on connectionKey (detached
// sessions are silently finalized) and removes every session on it, per
// §4.3's on_death algorithm. The Connection itself has already been removed
// from the Pool's map by the time this runs (P7).
func (b *Broker) onConnectionDeath(connectionKey string, message string) {
	for _, sess := range b.registry.All() {
		if sess.ConnectionKey != connectionKey {
			continue
		}
		if !sess.IsDetached() {
			sess.Coalescer.Append(events.SessionError(sess.SessionKey, message))
			sess.SetStatus(registry.StatusError)
			sess.Coalescer.Flush(context.Background())
		}
		b.registry.Finalize(sess.SessionKey)
		sess.Coalescer.Kill()
	}
}

// connectionKeyFor returns the connection key a providerId/cwd/sessionKey
// combination resolves to, per acpMultiSession.
func connectionKeyFor(spec agentregistry.ProviderSpec, providerID, cwd, sessionKey string) string {
	if spec.AcpMultiSession {
		return fmt.Sprintf("%s::%s", providerID, cwd)
	}
	return sessionKey
}

func sessionKeyFor(providerID, conversationID string) string {
	return fmt.Sprintf("%s-acp-%s", providerID, conversationID)
}

// dial builds the closure the Pool uses to spawn and hand back a
// pool.Conn for connectionKey, wiring an Inbound Request Router scoped to
// that connection.
func (b *Broker) dial(spec agentregistry.ProviderSpec, connectionKey string, cwd string, callerEnv map[string]string) func(ctx context.Context) (pool.Conn, error) {
	return func(ctx context.Context) (pool.Conn, error) {
		env := pool.BuildEnv(b.brokerEnv, spec.EnvAllowList, spec.Env, callerEnv)
		proc, err := transportSpawn(spec, cwd, env, b.logger)
		if err != nil {
			return nil, fmt.Errorf("spawning agent process: %w", err)
		}

		r := router.New(connectionKey, b.registry, b.logger)
		conn, err := acpconn.Dial(ctx, proc, r, b.logger)
		if err != nil {
			proc.Kill(context.Background())
			return nil, fmt.Errorf("acp handshake: %w", err)
		}
		return conn, nil
	}
}

// Shutdown destroys every Connection, cascading to every Session. Safe to
// call more than once.
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Info("broker shutting down")
		for _, sess := range b.registry.All() {
			sess.Coalescer.Kill()
			b.registry.Finalize(sess.SessionKey)
		}
		b.pool.Shutdown()
	})
}

// acpSessionID is a small readability alias used across the broker's
// operation files.
type acpSessionID = acp.SessionId
