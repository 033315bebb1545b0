package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sync"

	"github.com/kandev/agentbroker/internal/logging"
	"go.uber.org/zap"
)

// defaultStderrBufferSize is the number of recent stderr lines kept for
// error context when a connection dies.
const defaultStderrBufferSize = 50

// Spec describes how to launch an agent subprocess.
type Spec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Process is a spawned agent child process with its stdio pipes bridged for
// an ACP connection, plus the death-detection and stderr-capture machinery
// the pool and connection layers rely on.
type Process struct {
	logger *logging.Logger

	cmd    *exec.Cmd
	stdin  *closeGuardedWriter
	stdout io.ReadCloser
	stderr io.ReadCloser

	stderrMu     sync.Mutex
	stderrBuffer []string

	closedCh chan struct{}
	closeOne sync.Once
	waitErr  error
	waitMu   sync.Mutex

	wg sync.WaitGroup
}

// Spawn starts the agent subprocess described by spec and wires up its
// stdio. The process is in its own process group so descendants can be
// killed together on death.
func Spawn(spec Spec, logger *logging.Logger) (*Process, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("transport: empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcGroup(cmd)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	p := &Process{
		logger:   logger.WithFields(zap.String("component", "transport")),
		cmd:      cmd,
		stdin:    newCloseGuardedWriter(stdinPipe),
		stdout:   stdoutPipe,
		stderr:   stderrPipe,
		closedCh: make(chan struct{}),
	}

	p.wg.Add(2)
	go p.readStderr()
	go p.waitForExit()

	p.logger.Info("agent process spawned", zap.Int("pid", cmd.Process.Pid), zap.String("command", spec.Command))
	return p, nil
}

// Writer returns the write half feeding the child's stdin. Writes after the
// process has been closed fail with ErrStdinDestroyed.
func (p *Process) Writer() io.Writer { return p.stdin }

// Reader returns the read half draining the child's stdout.
func (p *Process) Reader() io.Reader { return p.stdout }

// Closed returns a channel that is closed exactly once, when the process
// exits (whether cleanly or not). Read errors on stdout are not observed
// directly here: the ACP connection layer's read loop treats any stdout
// error as equivalent to process death and relies on this same signal.
func (p *Process) Closed() <-chan struct{} {
	return p.closedCh
}

// WaitErr returns the error cmd.Wait() returned, valid only after Closed()
// has fired.
func (p *Process) WaitErr() error {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.waitErr
}

func (p *Process) waitForExit() {
	defer p.wg.Done()
	err := p.cmd.Wait()
	p.waitMu.Lock()
	p.waitErr = err
	p.waitMu.Unlock()
	if err != nil {
		p.logger.Warn("agent process exited", zap.Error(err), zap.Strings("recent_stderr", p.RecentStderr()))
	} else {
		p.logger.Info("agent process exited cleanly")
	}
	p.closeOne.Do(func() { close(p.closedCh) })
}

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func (p *Process) readStderr() {
	defer p.wg.Done()
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := ansiEscapeRegex.ReplaceAllString(scanner.Text(), "")
		p.stderrMu.Lock()
		if len(p.stderrBuffer) >= defaultStderrBufferSize {
			p.stderrBuffer = p.stderrBuffer[1:]
		}
		p.stderrBuffer = append(p.stderrBuffer, line)
		p.stderrMu.Unlock()
	}
}

// RecentStderr returns a snapshot of the last lines of stderr captured from
// the child, used to enrich session_error messages on an ungraceful exit.
func (p *Process) RecentStderr() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	out := make([]string, len(p.stderrBuffer))
	copy(out, p.stderrBuffer)
	return out
}

// Kill terminates the process and its whole process group, then waits for
// the reader goroutines to settle. Kill does not block on graceful shutdown
// (§5: shutdown never waits for the child to exit by itself).
func (p *Process) Kill(ctx context.Context) {
	_ = p.stdin.Close()

	if p.cmd.Process != nil {
		pid := p.cmd.Process.Pid
		if err := killProcessGroup(pid); err != nil {
			p.logger.Debug("process-group kill failed, killing single process", zap.Error(err))
			_ = p.cmd.Process.Kill()
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
}
