// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package stream

import (
	"errors"

	"github.com/raimundojimenez/kismet/pkg/capproto"
)

// Close reasons reported to the endpoint owner.
const (
	ReasonProtocolError  = "protocol_error"
	ReasonBufferOverflow = "buffer_overflow"
	ReasonReadEOF        = "read_eof"
	ReasonShutdown       = "shutdown"
)

// ErrWouldBlock is returned by WriteFrame when the outbound buffer cannot
// hold the serialized frame.
var ErrWouldBlock = errors.New("outbound buffer full")

// ErrClosed is returned for operations on a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

const (
	defaultInboundMax  = 8 * 1024 * 1024
	defaultOutboundMax = 1 * 1024 * 1024
	initialRingSize    = 16 * 1024
)

// Config configures an Endpoint. OnFrame receives every complete inbound
// frame; OnClose fires exactly once with the close reason. Both callbacks run
// without endpoint locks held, so they may call back into the endpoint.
type Config struct {
	InboundMax  int
	OutboundMax int
	OnFrame     func(*capproto.Frame)
	OnClose     func(reason string)
}

// Endpoint is the framed read/write side of a duplex byte stream. The
// transport feeds raw bytes in with Ingest and drains serialized frames with
// ReadOutbound; the owner writes frames with WriteFrame and receives parsed
// frames through the OnFrame callback.
//
// A partially arrived frame is retained verbatim until the remaining bytes
// show up. Any codec failure other than "need more data" closes the endpoint
// with reason protocol_error.
type Endpoint struct {
	mu       chanMutex
	in       *Ring
	out      *Ring
	scratch  []byte
	seqno    uint32
	closed   bool
	reason   string
	onFrame  func(*capproto.Frame)
	onClose  func(string)
	outReady chan struct{}
	done     chan struct{}
}

// chanMutex is a channel-based mutex so dispatch can be reasoned about with
// plain acquire/release pairs around callback boundaries.
type chanMutex chan struct{}

func (m chanMutex) lock()   { m <- struct{}{} }
func (m chanMutex) unlock() { <-m }

// NewEndpoint creates an endpoint over fresh inbound/outbound rings.
func NewEndpoint(cfg Config) *Endpoint {
	inMax := cfg.InboundMax
	if inMax <= 0 {
		inMax = defaultInboundMax
	}
	outMax := cfg.OutboundMax
	if outMax <= 0 {
		outMax = defaultOutboundMax
	}
	return &Endpoint{
		mu:       make(chanMutex, 1),
		in:       NewRing(min(initialRingSize, inMax), inMax),
		out:      NewRing(min(initialRingSize, outMax), outMax),
		onFrame:  cfg.OnFrame,
		onClose:  cfg.OnClose,
		outReady: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Ingest appends raw bytes arriving from the transport and delivers as many
// complete frames as the buffer now holds.
func (e *Endpoint) Ingest(p []byte) error {
	e.mu.lock()
	if e.closed {
		e.mu.unlock()
		return ErrClosed
	}
	if err := e.in.Write(p); err != nil {
		e.closeLocked(ReasonBufferOverflow)
		return err
	}

	var frames []*capproto.Frame
	var closeReason string
	for {
		n := e.in.Len()
		if n == 0 {
			break
		}
		if cap(e.scratch) < n {
			e.scratch = make([]byte, n)
		}
		view := e.scratch[:n]
		e.in.Peek(view)

		f, consumed, err := capproto.Decode(view)
		if err == nil {
			e.in.Consume(consumed)
			frames = append(frames, f)
			continue
		}
		if errors.Is(err, capproto.ErrNeedMore) {
			break
		}
		// Any other decode failure is unrecoverable for this endpoint.
		closeReason = ReasonProtocolError
		break
	}
	if closeReason != "" {
		e.closed = true
		e.reason = closeReason
		close(e.done)
	}
	e.mu.unlock()

	// Frames decoded before a failure still reach the owner, then the close
	// callback fires last.
	for _, f := range frames {
		if e.onFrame != nil {
			e.onFrame(f)
		}
	}
	if closeReason != "" && e.onClose != nil {
		e.onClose(closeReason)
	}
	return nil
}

// WriteFrame assigns the next sequence number, serializes the frame, and
// appends it to the outbound buffer. Returns ErrWouldBlock, leaving the
// buffer untouched, when the frame does not fit.
func (e *Endpoint) WriteFrame(f *capproto.Frame) error {
	e.mu.lock()
	defer e.mu.unlock()

	if e.closed {
		return ErrClosed
	}

	f.Seqno = e.seqno + 1
	buf, err := capproto.Encode(f)
	if err != nil {
		return err
	}
	if len(buf) > e.out.Free() {
		return ErrWouldBlock
	}
	e.seqno++
	if err := e.out.Write(buf); err != nil {
		return err
	}
	e.kick()
	return nil
}

// ReadOutbound drains up to len(p) serialized bytes for the transport to
// write to the child. Returns 0 when nothing is pending.
func (e *Endpoint) ReadOutbound(p []byte) int {
	e.mu.lock()
	defer e.mu.unlock()
	return e.out.Read(p)
}

// OutboundLen returns the number of serialized bytes not yet drained.
func (e *Endpoint) OutboundLen() int {
	e.mu.lock()
	defer e.mu.unlock()
	return e.out.Len()
}

// OutboundReady signals when new outbound bytes are available.
func (e *Endpoint) OutboundReady() <-chan struct{} { return e.outReady }

// Done is closed when the endpoint closes. The transport should drain any
// remaining outbound bytes before tearing the stream down.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close shuts the endpoint down with the given reason. Idempotent; the first
// reason wins and is the one reported to OnClose.
func (e *Endpoint) Close(reason string) {
	e.mu.lock()
	if e.closed {
		e.mu.unlock()
		return
	}
	e.closeLocked(reason)
}

// CloseReason returns the recorded close reason, or "" while open.
func (e *Endpoint) CloseReason() string {
	e.mu.lock()
	defer e.mu.unlock()
	return e.reason
}

// closeLocked finalizes the close and releases the lock before invoking the
// owner callback.
func (e *Endpoint) closeLocked(reason string) {
	e.closed = true
	e.reason = reason
	close(e.done)
	e.mu.unlock()

	if e.onClose != nil {
		e.onClose(reason)
	}
}

func (e *Endpoint) kick() {
	select {
	case e.outReady <- struct{}{}:
	default:
	}
}
