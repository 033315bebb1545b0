// Package transport bridges an agent child process's stdio to the framed
// JSON-RPC byte streams the ACP connection layer needs, and owns the
// process's lifecycle signals (exit, stderr capture, process-group kill).
//
// The actual newline-delimited JSON-RPC framing is performed by
// github.com/coder/acp-go-sdk, which is handed the io.Writer/io.Reader this
// package exposes. What this package is responsible for, per the broker's
// component design, is: detecting end-of-stream cleanly, failing writes
// after close with a distinguishable error, and surfacing process death as a
// single one-shot signal.
package transport

import (
	"errors"
	"io"
	"sync"
)

// ErrStdinDestroyed is returned by Write after the writer half has been
// closed, mirroring the ACP reference clients' "stdin-destroyed" error.
var ErrStdinDestroyed = errors.New("stdin-destroyed")

// closeGuardedWriter wraps an io.WriteCloser so that writes issued after
// Close fail predictably instead of racing the underlying pipe.
type closeGuardedWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func newCloseGuardedWriter(w io.WriteCloser) *closeGuardedWriter {
	return &closeGuardedWriter{w: w}
}

func (g *closeGuardedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return 0, ErrStdinDestroyed
	}
	return g.w.Write(p)
}

func (g *closeGuardedWriter) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	return g.w.Close()
}
