// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Wildcard subscribes a listener to every channel. The wildcard is additive:
// a listener registered on both "foo" and "*" receives a foo event twice.
const Wildcard = "*"

// Event is a typed, read-only record routed by channel name. Attachments are
// set while the producer builds the event and must not be mutated after
// Publish.
type Event struct {
	typ   string
	ts    time.Time
	attrs map[string]any
}

// NewEvent creates an event for the given channel.
func NewEvent(eventType string) *Event {
	return &Event{
		typ:   eventType,
		ts:    time.Now(),
		attrs: make(map[string]any),
	}
}

// Type returns the channel name the event routes on.
func (e *Event) Type() string { return e.typ }

// Timestamp returns the event creation time.
func (e *Event) Timestamp() time.Time { return e.ts }

// Set attaches a named value. Returns the event for chaining.
func (e *Event) Set(key string, value any) *Event {
	e.attrs[key] = value
	return e
}

// Get returns a named attachment.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.attrs[key]
	return v, ok
}

// String returns the string attachment for key, or "" when absent or not a
// string.
func (e *Event) String(key string) string {
	if v, ok := e.attrs[key].(string); ok {
		return v
	}
	return ""
}

// Callback receives dispatched events. Callbacks run on the single
// dispatcher goroutine; a slow callback delays every listener behind it.
type Callback func(*Event)

type listener struct {
	id       uint64
	channels []string
	cb       Callback
}

// Bus is an in-process multi-producer, single-dispatcher publish/subscribe
// channel keyed by event type. Publishing never blocks beyond a short
// critical section; delivery happens on a dedicated dispatcher goroutine, so
// callbacks may publish new events without deadlocking.
type Bus struct {
	logger *zap.Logger

	// queueMu guards the FIFO and the shutdown flag.
	queueMu  sync.Mutex
	queueCV  *sync.Cond
	queue    []*Event
	shutdown bool

	// handlerMu guards the listener tables. Never held together with
	// queueMu, and released before callbacks run so a callback may
	// register or remove listeners (including itself).
	handlerMu sync.Mutex
	nextID    uint64
	channels  map[string][]*listener
	byID      map[uint64]*listener

	published  atomic.Uint64
	dispatched atomic.Uint64

	stopped chan struct{}
}

// New creates a bus and starts its dispatcher goroutine.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:   logger,
		channels: make(map[string][]*listener),
		byID:     make(map[uint64]*listener),
		stopped:  make(chan struct{}),
	}
	b.queueCV = sync.NewCond(&b.queueMu)

	go b.dispatchLoop()

	return b
}

// Publish appends the event to the dispatch queue and wakes the dispatcher.
// Events published by a single goroutine are delivered in publish order.
func (b *Bus) Publish(e *Event) {
	b.queueMu.Lock()
	if b.shutdown {
		b.queueMu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.queueMu.Unlock()

	b.published.Add(1)
	b.queueCV.Signal()
}

// RegisterListener subscribes cb to the given channels and returns its
// listener id. Ids start at 1, grow monotonically, and are never reused.
func (b *Bus) RegisterListener(channels []string, cb Callback) uint64 {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()

	b.nextID++
	l := &listener{id: b.nextID, channels: append([]string(nil), channels...), cb: cb}
	for _, ch := range l.channels {
		b.channels[ch] = append(b.channels[ch], l)
	}
	b.byID[l.id] = l

	return l.id
}

// RemoveListener unsubscribes the listener from every channel it was
// registered on. Safe to call from inside the listener's own callback; the
// removal takes effect before the next event is dispatched.
func (b *Bus) RemoveListener(id uint64) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()

	l, ok := b.byID[id]
	if !ok {
		return
	}
	for _, ch := range l.channels {
		list := b.channels[ch]
		for i, cand := range list {
			if cand.id == id {
				b.channels[ch] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.channels[ch]) == 0 {
			delete(b.channels, ch)
		}
	}
	delete(b.byID, id)
}

// Shutdown stops the dispatcher and discards any queued events. Blocks until
// the dispatcher goroutine has exited.
func (b *Bus) Shutdown() {
	b.queueMu.Lock()
	if b.shutdown {
		b.queueMu.Unlock()
		<-b.stopped
		return
	}
	b.shutdown = true
	b.queueMu.Unlock()

	b.queueCV.Broadcast()
	<-b.stopped
}

// Published returns the total number of events accepted by Publish.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dispatched returns the total number of listener invocations.
func (b *Bus) Dispatched() uint64 { return b.dispatched.Load() }

func (b *Bus) dispatchLoop() {
	defer close(b.stopped)

	for {
		b.queueMu.Lock()
		for len(b.queue) == 0 && !b.shutdown {
			b.queueCV.Wait()
		}
		if b.shutdown {
			dropped := len(b.queue)
			b.queue = nil
			b.queueMu.Unlock()
			if dropped > 0 {
				b.logger.Debug("event bus shutdown discarded queued events", zap.Int("count", dropped))
			}
			return
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		// Snapshot the targets under the handler lock, then invoke without
		// it so callbacks can re-enter the registration surface. A listener
		// on both the concrete channel and the wildcard is invoked twice.
		b.handlerMu.Lock()
		targets := make([]*listener, 0, len(b.channels[e.typ])+len(b.channels[Wildcard]))
		targets = append(targets, b.channels[e.typ]...)
		targets = append(targets, b.channels[Wildcard]...)
		b.handlerMu.Unlock()

		for _, l := range targets {
			b.invoke(l, e)
		}
	}
}

// invoke runs one callback, containing panics so a misbehaving listener
// cannot take down the dispatcher.
func (b *Bus) invoke(l *listener, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.Uint64("listener", l.id),
				zap.String("channel", e.typ),
				zap.Any("panic", r),
			)
		}
	}()
	b.dispatched.Add(1)
	l.cb(e)
}
