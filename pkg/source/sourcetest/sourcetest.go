// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

// Package sourcetest provides an in-memory scripted stand-in for the child
// process transport, so protocol state machines can be exercised without
// spawning capture binaries.
package sourcetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/raimundojimenez/kismet/pkg/capproto"
	"github.com/raimundojimenez/kismet/pkg/source"
	"github.com/raimundojimenez/kismet/pkg/stream"
)

var nextPid atomic.Int32

// Script plays the child side of the capture protocol. It runs on its own
// goroutine once the transport starts and should return when done or when
// Child.Done is closed.
type Script func(c *Child)

// Child is the script's view of the conversation.
type Child struct {
	tr *Transport

	// Frames delivers every frame the host writes, already decoded.
	Frames <-chan *capproto.Frame
}

// Send delivers a child frame to the host endpoint.
func (c *Child) Send(f *capproto.Frame) {
	buf, err := capproto.Encode(f)
	if err != nil {
		panic("sourcetest: encode scripted frame: " + err.Error())
	}
	_ = c.tr.ep.Ingest(buf)
}

// SendRaw delivers raw bytes, for malformed-wire tests.
func (c *Child) SendRaw(p []byte) {
	_ = c.tr.ep.Ingest(p)
}

// Exit simulates the child process dying with the given code.
func (c *Child) Exit(code int) {
	c.tr.exit(code)
}

// Done is closed when the host tears the transport down.
func (c *Child) Done() <-chan struct{} { return c.tr.closed }

// Transport is a source.Transport backed by a Script instead of a real
// process.
type Transport struct {
	ep     *stream.Endpoint
	script Script
	cfg    source.TransportConfig
	pid    int

	frameCh  chan *capproto.Frame
	closed   chan struct{}
	exitOnce sync.Once
	stopOnce sync.Once
}

// Factory returns a source.TransportFactory that runs script against every
// transport it builds. A retried source gets a fresh script run.
func Factory(script Script) source.TransportFactory {
	return func(cfg source.TransportConfig) (source.Transport, error) {
		return &Transport{
			ep:      cfg.Endpoint,
			script:  script,
			cfg:     cfg,
			pid:     int(nextPid.Add(1)) + 40000,
			frameCh: make(chan *capproto.Frame, 32),
			closed:  make(chan struct{}),
		}, nil
	}
}

// Start implements source.Transport.
func (t *Transport) Start(_ context.Context) error {
	go t.drainLoop()
	go t.script(&Child{tr: t, Frames: t.frameCh})
	return nil
}

// Pid implements source.Transport.
func (t *Transport) Pid() int { return t.pid }

// Close implements source.Transport. Mirrors the real transport: the child
// is terminated and its exit is reported asynchronously.
func (t *Transport) Close() {
	t.stopOnce.Do(func() {
		close(t.closed)
		t.ep.Close(stream.ReasonShutdown)
	})
	t.exit(0)
}

// drainLoop plays the child's stdin: it decodes the host's outbound bytes
// into frames for the script.
func (t *Transport) drainLoop() {
	var pending []byte
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-t.ep.OutboundReady():
		case <-t.ep.Done():
			return
		case <-t.closed:
			return
		}
		for {
			n := t.ep.ReadOutbound(buf)
			if n == 0 {
				break
			}
			pending = append(pending, buf[:n]...)
			for {
				f, consumed, err := capproto.Decode(pending)
				if err != nil {
					break
				}
				pending = pending[consumed:]
				select {
				case t.frameCh <- f:
				case <-t.closed:
					return
				}
			}
		}
	}
}

// exit mirrors the real transport's ordering: the exit code is reported
// first, then the endpoint closes.
func (t *Transport) exit(code int) {
	t.exitOnce.Do(func() {
		go func() {
			if t.cfg.OnExit != nil {
				t.cfg.OnExit(code, nil)
			}
			t.ep.Close(stream.ReasonReadEOF)
		}()
	})
}
