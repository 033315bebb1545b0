// Package pool implements the Connection Pool: reference-counted Connection
// lifetime keyed by connectionKey, with idle eviction and in-flight
// creation deduplication so at most one spawn ever races for the same key.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentbroker/internal/logging"
	"go.uber.org/zap"
)

// DeathHandler is invoked exactly once when a Connection dies, after it has
// already been removed from the pool's map, including when an idle
// Connection is evicted. message carries context (the last captured stderr
// line, or an idle-eviction note) for the session_error fan-out the broker
// performs.
type DeathHandler func(connectionKey string, message string)

// Conn is the subset of *acpconn.Connection the Pool depends on. Expressing
// it as an interface lets tests exercise the refcount/idle-eviction/death
// machinery against a fake instead of a real spawned agent process.
type Conn interface {
	Closed() <-chan struct{}
	RecentStderr() []string
	Kill(ctx context.Context)
}

type entry struct {
	conn      Conn
	refCount  int
	idleTimer *time.Timer
	dead      bool
}

// Pool owns every live Connection, keyed by connectionKey. It is the sole
// mutator of that map: acquire, release, and on_death all take pool.mu.
type Pool struct {
	logger       *logging.Logger
	idleTimeout  time.Duration
	deathHandler DeathHandler

	inflight singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Pool whose idle Connections are destroyed after
// idleTimeout with no live sessions, and whose deaths are reported to
// onDeath.
func New(idleTimeout time.Duration, onDeath DeathHandler, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.Default()
	}
	return &Pool{
		logger:       logger.WithFields(zap.String("component", "pool")),
		idleTimeout:  idleTimeout,
		deathHandler: onDeath,
		entries:      make(map[string]*entry),
	}
}

// Acquire returns the live Connection for connectionKey, spawning one via
// dial if none exists, and increments its refCount. Concurrent Acquire
// calls for the same key that arrive while a spawn is in flight share that
// single spawn instead of racing two child processes. dial is responsible
// for both spawning the child process and performing the ACP handshake.
func (p *Pool) Acquire(ctx context.Context, connectionKey string, dial func(ctx context.Context) (Conn, error)) (Conn, error) {
	p.mu.Lock()
	if e, ok := p.entries[connectionKey]; ok && !e.dead {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
			e.idleTimer = nil
		}
		e.refCount++
		p.mu.Unlock()
		return e.conn, nil
	}
	p.mu.Unlock()

	result, err, _ := p.inflight.Do(connectionKey, func() (any, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("dialing connection %s: %w", connectionKey, err)
		}

		p.mu.Lock()
		p.entries[connectionKey] = &entry{conn: conn, refCount: 0}
		p.mu.Unlock()

		go p.watchDeath(connectionKey, conn)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}

	conn := result.(Conn)

	// Every caller that joined this Do call -- the one that actually spawned
	// and every one that piggy-backed on it -- represents one logical
	// acquire and must bump refCount exactly once.
	p.mu.Lock()
	if e, ok := p.entries[connectionKey]; ok && e.conn == conn {
		e.refCount++
	}
	p.mu.Unlock()

	return conn, nil
}

func (p *Pool) watchDeath(connectionKey string, conn Conn) {
	<-conn.Closed()

	p.mu.Lock()
	e, ok := p.entries[connectionKey]
	if !ok || e.conn != conn {
		p.mu.Unlock()
		return
	}
	e.dead = true
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	delete(p.entries, connectionKey)
	p.mu.Unlock()

	message := "agent process exited unexpectedly"
	if stderr := conn.RecentStderr(); len(stderr) > 0 {
		message = fmt.Sprintf("agent process exited: %s", stderr[len(stderr)-1])
	}

	p.logger.Warn("connection died", zap.String("connection_key", connectionKey), zap.String("message", message))

	if p.deathHandler != nil {
		p.deathHandler(connectionKey, message)
	}
	conn.Kill(context.Background())
}

// Release decrements connectionKey's refCount (never below zero). When it
// reaches zero on a still-live Connection, an idle timer is armed; on
// expiry the Connection is destroyed along with every session still
// pointing to it (via the same death-handler path on_death uses).
func (p *Pool) Release(connectionKey string) {
	p.mu.Lock()
	e, ok := p.entries[connectionKey]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount == 0 && !e.dead {
		e.idleTimer = time.AfterFunc(p.idleTimeout, func() { p.evictIdle(connectionKey) })
	}
	p.mu.Unlock()
}

func (p *Pool) evictIdle(connectionKey string) {
	p.mu.Lock()
	e, ok := p.entries[connectionKey]
	if !ok || e.refCount != 0 || e.dead {
		p.mu.Unlock()
		return
	}
	e.dead = true
	delete(p.entries, connectionKey)
	p.mu.Unlock()

	p.logger.Info("evicting idle connection", zap.String("connection_key", connectionKey))
	if p.deathHandler != nil {
		p.deathHandler(connectionKey, "idle connection evicted")
	}
	e.conn.Kill(context.Background())
}

// Shutdown destroys every Connection synchronously, cancelling idle timers
// and force-killing every child.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for key, e := range entries {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		p.logger.Info("shutting down connection", zap.String("connection_key", key))
		e.conn.Kill(context.Background())
	}
}

// Peek returns the live Connection for connectionKey without touching its
// refCount or idle timer, for broker operations (sendPrompt, cancel,
// approve, ...) that run against a Session's already-acquired Connection
// rather than acquiring a fresh reference to it.
func (p *Pool) Peek(connectionKey string) (Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[connectionKey]
	if !ok || e.dead {
		return nil, false
	}
	return e.conn, true
}

// Len reports the number of live connections, for tests and diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
