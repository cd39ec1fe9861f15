// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package eventbus

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(zap.NewNop())
	t.Cleanup(b.Shutdown)
	return b
}

// collector accumulates delivered events behind a mutex so tests can poll.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) cb(e *Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

func (c *collector) waitLen(t *testing.T, n int) []*Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.snapshot()))
	return nil
}

func TestPublishOrderSingleProducer(t *testing.T) {
	b := newTestBus(t)

	var c collector
	b.RegisterListener([]string{"X"}, c.cb)

	e1 := NewEvent("X").Set("n", 1)
	e2 := NewEvent("X").Set("n", 2)
	e3 := NewEvent("X").Set("n", 3)
	b.Publish(e1)
	b.Publish(e2)
	b.Publish(e3)

	got := c.waitLen(t, 3)
	for i, want := range []*Event{e1, e2, e3} {
		if got[i] != want {
			t.Errorf("event %d out of order", i)
		}
	}
}

func TestListenerIDsMonotonicNeverReused(t *testing.T) {
	b := newTestBus(t)

	id1 := b.RegisterListener([]string{"a"}, func(*Event) {})
	id2 := b.RegisterListener([]string{"b"}, func(*Event) {})
	if id1 != 1 || id2 != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", id1, id2)
	}

	b.RemoveListener(id1)
	id3 := b.RegisterListener([]string{"a"}, func(*Event) {})
	if id3 != 3 {
		t.Errorf("id after removal = %d, ids must never be reused", id3)
	}
}

func TestWildcardAdditive(t *testing.T) {
	b := newTestBus(t)

	var l1, l2, l3 collector
	b.RegisterListener([]string{"packet"}, l1.cb)
	b.RegisterListener([]string{Wildcard}, l2.cb)
	b.RegisterListener([]string{"packet", Wildcard}, l3.cb)

	b.Publish(NewEvent("packet"))

	// L3 is on both the channel and the wildcard: two copies by contract.
	l3.waitLen(t, 2)
	if n := len(l1.waitLen(t, 1)); n != 1 {
		t.Errorf("channel listener got %d copies, want 1", n)
	}
	if n := len(l2.waitLen(t, 1)); n != 1 {
		t.Errorf("wildcard listener got %d copies, want 1", n)
	}
}

func TestRegistrationOrderWithinChannel(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 4; i++ {
		i := i
		b.RegisterListener([]string{"c"}, func(*Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Publish(NewEvent("c"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d listeners invoked", n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("delivery order %v, want registration order", order)
		}
	}
}

func TestRemoveSelfDuringDispatch(t *testing.T) {
	b := newTestBus(t)

	var c collector
	var id uint64
	id = b.RegisterListener([]string{"X"}, func(e *Event) {
		c.cb(e)
		b.RemoveListener(id)
	})

	b.Publish(NewEvent("X"))
	b.Publish(NewEvent("X"))

	c.waitLen(t, 1)
	// Give the dispatcher time to (incorrectly) deliver the second event.
	time.Sleep(50 * time.Millisecond)
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("listener invoked %d times after self-removal, want 1", n)
	}
}

func TestPublishFromCallbackDoesNotDeadlock(t *testing.T) {
	b := newTestBus(t)

	done := make(chan struct{})
	b.RegisterListener([]string{"first"}, func(*Event) {
		b.Publish(NewEvent("second"))
	})
	b.RegisterListener([]string{"second"}, func(*Event) {
		close(done)
	})

	b.Publish(NewEvent("first"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("chained publish never delivered")
	}
}

func TestNoLostWakeup(t *testing.T) {
	b := newTestBus(t)

	// Publish immediately after registration, racing dispatcher sleep.
	for i := 0; i < 100; i++ {
		got := make(chan struct{}, 1)
		id := b.RegisterListener([]string{"w"}, func(*Event) { got <- struct{}{} })
		b.Publish(NewEvent("w"))
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: event lost", i)
		}
		b.RemoveListener(id)
	}
}

func TestPanickingListenerDoesNotStopDispatcher(t *testing.T) {
	b := newTestBus(t)

	b.RegisterListener([]string{"X"}, func(*Event) { panic("listener bug") })
	var c collector
	b.RegisterListener([]string{"X"}, c.cb)

	b.Publish(NewEvent("X"))
	b.Publish(NewEvent("X"))

	if got := c.waitLen(t, 2); len(got) != 2 {
		t.Errorf("surviving listener got %d events", len(got))
	}
}

func TestShutdownDiscardsQueue(t *testing.T) {
	b := New(zap.NewNop())

	block := make(chan struct{})
	var c collector
	b.RegisterListener([]string{"X"}, func(e *Event) {
		c.cb(e)
		<-block
	})

	b.Publish(NewEvent("X"))
	c.waitLen(t, 1)

	// Queue more while the dispatcher is stuck in the callback, then shut
	// down; the queued events must be discarded, not delivered.
	b.Publish(NewEvent("X"))
	b.Publish(NewEvent("X"))

	shutdownDone := make(chan struct{})
	go func() {
		b.Shutdown()
		close(shutdownDone)
	}()
	// Release the callback only once the shutdown flag is set, so the
	// dispatcher finds the bus shut down when it looks at the queue again.
	for {
		b.queueMu.Lock()
		down := b.shutdown
		b.queueMu.Unlock()
		if down {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(block)

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	if n := len(c.snapshot()); n != 1 {
		t.Errorf("listener saw %d events, queued events should be discarded", n)
	}
}

func TestEventAttachments(t *testing.T) {
	e := NewEvent("SOURCE_ERROR").
		Set("uuid", "abc").
		Set("reason", "device busy")

	if e.Type() != "SOURCE_ERROR" {
		t.Errorf("Type = %q", e.Type())
	}
	if e.String("uuid") != "abc" {
		t.Errorf("uuid = %q", e.String("uuid"))
	}
	if _, ok := e.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}
	if e.String("missing") != "" {
		t.Error("String(missing) should be empty")
	}
	if e.Timestamp().IsZero() {
		t.Error("timestamp not set")
	}
}
