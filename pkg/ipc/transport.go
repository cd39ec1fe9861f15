// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/raimundojimenez/kismet/pkg/stream"
)

// killGrace is how long a child gets to exit after SIGTERM before SIGKILL.
const killGrace = 2 * time.Second

// Config describes a capture child to spawn. The command is executed
// directly, never through a shell.
type Config struct {
	Command  []string
	Endpoint *stream.Endpoint
	Logger   *zap.Logger

	// OnStderr receives each line the child writes to stderr.
	OnStderr func(line string)
	// OnExit receives the child's exit code once it has been reaped. A
	// negative code means the child died to a signal or could not be waited.
	OnExit func(code int, err error)
}

// ChildTransport runs one capture binary with its stdin wired to the
// endpoint's outbound buffer and its stdout to the inbound buffer. Stderr is
// line-buffered and surfaced through OnStderr.
type ChildTransport struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	started  bool
	killOnce sync.Once
	killTmr  *time.Timer
	readDone chan struct{}
}

// New creates a transport for the given child command.
func New(cfg Config) (*ChildTransport, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("ipc: empty command")
	}
	if cfg.Endpoint == nil {
		return nil, errors.New("ipc: endpoint required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChildTransport{cfg: cfg, logger: logger}, nil
}

// Start spawns the child and begins the I/O loops.
func (t *ChildTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("ipc: transport already started")
	}

	cmd := exec.Command(t.cfg.Command[0], t.cfg.Command[1:]...)
	// Own process group so the staged kill reaches any helpers the capture
	// binary forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", t.cfg.Command[0], err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true
	t.readDone = make(chan struct{})

	t.logger.Debug("capture child started",
		zap.String("binary", t.cfg.Command[0]),
		zap.Int("pid", cmd.Process.Pid),
	)

	go t.readLoop(stdout)
	go t.writeLoop(ctx)
	go t.stderrLoop(stderr)
	go t.waitLoop()

	return nil
}

// Pid returns the child pid, or 0 before Start.
func (t *ChildTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close terminates the child with SIGTERM, escalating to SIGKILL after the
// grace period. Idempotent; safe from any goroutine.
func (t *ChildTransport) Close() {
	t.killOnce.Do(func() {
		t.cfg.Endpoint.Close(stream.ReasonShutdown)

		t.mu.Lock()
		cmd := t.cmd
		t.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return
		}

		pid := cmd.Process.Pid
		if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
			// Group may already be gone; fall back to the single pid.
			_ = cmd.Process.Signal(unix.SIGTERM)
		}

		t.mu.Lock()
		t.killTmr = time.AfterFunc(killGrace, func() {
			t.logger.Warn("capture child ignored SIGTERM, sending SIGKILL", zap.Int("pid", pid))
			_ = unix.Kill(-pid, unix.SIGKILL)
		})
		t.mu.Unlock()
	})
}

// readLoop pumps child stdout into the endpoint. It does not close the
// endpoint on EOF: EOF means the child is exiting, and waitLoop reports the
// exit code first so the owner sees the specific failure, not a generic
// stream close.
func (t *ChildTransport) readLoop(stdout io.Reader) {
	defer close(t.readDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if ingestErr := t.cfg.Endpoint.Ingest(buf[:n]); ingestErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *ChildTransport) writeLoop(ctx context.Context) {
	ep := t.cfg.Endpoint
	buf := make([]byte, 32*1024)

	drain := func() bool {
		for {
			n := ep.ReadOutbound(buf)
			if n == 0 {
				return true
			}
			if _, err := t.stdin.Write(buf[:n]); err != nil {
				return false
			}
		}
	}

	for {
		select {
		case <-ep.OutboundReady():
			if !drain() {
				// The child's stdin is gone; the exit path reports why.
				return
			}
		case <-ep.Done():
			// Flush whatever was queued before the close, then EOF the child.
			drain()
			_ = t.stdin.Close()
			return
		case <-ctx.Done():
			ep.Close(stream.ReasonShutdown)
		}
	}
}

func (t *ChildTransport) stderrLoop(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if t.cfg.OnStderr != nil {
			t.cfg.OnStderr(line)
		}
	}
}

func (t *ChildTransport) waitLoop() {
	err := t.cmd.Wait()

	t.mu.Lock()
	if t.killTmr != nil {
		t.killTmr.Stop()
	}
	t.mu.Unlock()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	t.logger.Debug("capture child exited",
		zap.Int("pid", t.Pid()),
		zap.Int("code", code),
	)

	// Wait closed the pipes; let readLoop finish delivering buffered frames
	// so the exit report is the last thing the owner hears. The endpoint is
	// closed afterwards to unblock the write loop.
	<-t.readDone

	if t.cfg.OnExit != nil {
		t.cfg.OnExit(code, err)
	}
	t.cfg.Endpoint.Close(stream.ReasonReadEOF)
}
