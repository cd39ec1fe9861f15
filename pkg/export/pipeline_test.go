// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errRefused = errors.New("collector refused")

type fakeSink struct {
	mu     sync.Mutex
	events []*EventRecord
	points []*MetricPoint
	refuse bool
	offers int
	closed bool
}

func (f *fakeSink) ShipEvents(_ context.Context, events []*EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if f.refuse {
		return errRefused
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeSink) ShipMetrics(_ context.Context, points []*MetricPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return errRefused
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeSink) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) setRefuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	f.mu.Unlock()
}

func (f *fakeSink) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeSink) pointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func newTestPipeline(t *testing.T, sinks ...Sink) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Config{}, "test", zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	p.sinks = sinks
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelineDisabledWithoutSinks(t *testing.T) {
	p, err := NewPipeline(Config{}, "test", zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if p.Enabled() {
		t.Fatal("pipeline with no sinks must be disabled")
	}

	// Recording into a disabled pipeline is a no-op, not a spool leak.
	p.RecordEvent(&EventRecord{Body: "ignored"})
	if len(p.events) != 0 {
		t.Error("disabled pipeline spooled an event")
	}
}

func TestPipelineDeliversSpool(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.RecordEvent(&EventRecord{Channel: "SOURCE_OPENED", Body: "wlan0 up", Time: time.Now()})
	p.RecordEvent(&EventRecord{Channel: "MESSAGE", Body: "child says hi", Time: time.Now()})
	p.RecordMetric(&MetricPoint{Name: "kismet.sources", Kind: KindGauge, Value: 1, Time: time.Now()})

	// Force a flush instead of waiting out the ticker.
	p.nudge()

	waitFor(t, "delivery", func() bool {
		return sink.eventCount() == 2 && sink.pointCount() == 1
	})

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	events, points, dropped := p.Stats()
	if events != 2 || points != 1 || dropped != 0 {
		t.Errorf("stats = %d/%d/%d, want 2/1/0", events, points, dropped)
	}
	if !sink.closed {
		t.Error("Stop must close sinks")
	}
}

func TestPipelineStopFlushesPending(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		p.RecordEvent(&EventRecord{Body: "pending", Time: time.Now()})
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sink.eventCount() != 5 {
		t.Errorf("stop delivered %d events, want 5", sink.eventCount())
	}
}

func TestPipelineHighWaterTriggersEarlyFlush(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// Crossing the high-water mark must not wait for the 5s ticker.
	for i := 0; i < highWater; i++ {
		p.RecordEvent(&EventRecord{Body: "burst", Time: time.Now()})
	}
	waitFor(t, "early flush", func() bool { return sink.eventCount() >= highWater })
}

func TestPipelineDropsOldestWhenSpoolFull(t *testing.T) {
	// No Start: nothing drains the spool.
	p := newTestPipeline(t, &fakeSink{})

	for i := 0; i < eventSpoolCap+10; i++ {
		p.RecordEvent(&EventRecord{Body: "e", Time: time.Now()})
	}

	p.mu.Lock()
	spooled := len(p.events)
	p.mu.Unlock()
	if spooled != eventSpoolCap {
		t.Errorf("spool holds %d, cap is %d", spooled, eventSpoolCap)
	}
	if _, _, dropped := p.Stats(); dropped != 10 {
		t.Errorf("dropped = %d, want 10", dropped)
	}
}

func TestPipelineRespoolsWhenAllSinksRefuse(t *testing.T) {
	sink := &fakeSink{refuse: true}
	p := newTestPipeline(t, sink)
	p.gate.base = 20 * time.Millisecond
	p.gate.max = 20 * time.Millisecond
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.RecordEvent(&EventRecord{Body: "survives the outage", Time: time.Now()})
	p.nudge()

	// The batch was offered, refused, and respooled.
	waitFor(t, "refused offer", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.offers >= 1
	})
	p.mu.Lock()
	respooled := len(p.events)
	p.mu.Unlock()
	if respooled != 1 {
		t.Fatalf("spool holds %d after refusal, want 1", respooled)
	}

	// Once the collector recovers and the gate reopens, the same record
	// goes through.
	sink.setRefuse(false)
	waitFor(t, "delivery after recovery", func() bool {
		if sink.eventCount() == 1 {
			return true
		}
		p.nudge()
		return false
	})
	if sink.events[0].Body != "survives the outage" {
		t.Errorf("delivered %q", sink.events[0].Body)
	}
}

func TestGateBackoffDoubles(t *testing.T) {
	g := gate{base: 10 * time.Millisecond, max: 35 * time.Millisecond}
	now := time.Now()

	if !g.ready(now) {
		t.Fatal("fresh gate must be ready")
	}
	if d := g.failure(now); d != 10*time.Millisecond {
		t.Errorf("first delay = %v", d)
	}
	if g.ready(now) {
		t.Error("gate must be closed inside the window")
	}
	if d := g.failure(now); d != 20*time.Millisecond {
		t.Errorf("second delay = %v", d)
	}
	if d := g.failure(now); d != 35*time.Millisecond {
		t.Errorf("third delay should cap at max, got %v", d)
	}
	if !g.ready(now.Add(40 * time.Millisecond)) {
		t.Error("gate must reopen after the window")
	}

	g.success()
	if d := g.failure(now); d != 10*time.Millisecond {
		t.Errorf("delay after success = %v, want base", d)
	}
}

func TestStdoutSinkText(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink("text")
	s.out = &buf

	err := s.ShipEvents(context.Background(), []*EventRecord{
		{Severity: "INFO", Channel: "SOURCE_OPENED", Body: "wlan0 up", SourceUUID: "abc"},
	})
	if err != nil {
		t.Fatalf("ShipEvents: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "SOURCE_OPENED") || !strings.Contains(out, "source=abc") {
		t.Errorf("output = %q", out)
	}

	buf.Reset()
	err = s.ShipMetrics(context.Background(), []*MetricPoint{
		{Name: "kismet.capture.packets", Kind: KindCounter, Value: 9, Labels: map[string]string{"driver": "wifi"}},
	})
	if err != nil {
		t.Fatalf("ShipMetrics: %v", err)
	}
	if !strings.Contains(buf.String(), "counter") || !strings.Contains(buf.String(), "driver=wifi") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestStdoutSinkJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink("json")
	s.out = &buf

	if err := s.ShipEvents(context.Background(), []*EventRecord{{Body: "hi", Channel: "MESSAGE"}}); err != nil {
		t.Fatalf("ShipEvents: %v", err)
	}
	if !strings.Contains(buf.String(), `"kind":"event"`) {
		t.Errorf("output = %q", buf.String())
	}
}
