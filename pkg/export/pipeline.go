// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

// Package export ships source-lifecycle events and capture metrics to
// external telemetry sinks. It exists so downstream consumers can watch the
// capture core without touching the event bus: the server feeds the
// pipeline from its bus listeners, and the pipeline spools, batches, and
// delivers on its own goroutine so a slow collector can never stall the
// dispatcher.
package export

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventRecord is one source-lifecycle or child-diagnostic event bound for a
// sink.
type EventRecord struct {
	Time        time.Time
	Channel     string
	SourceUUID  string
	Severity    string
	SeverityNum int32
	Body        string
	Attrs       map[string]any
}

// PointKind distinguishes gauge and counter metric points.
type PointKind int

const (
	KindGauge PointKind = iota
	KindCounter
)

// MetricPoint is one metric sample bound for a sink.
type MetricPoint struct {
	Name   string
	Unit   string
	Kind   PointKind
	Value  float64
	Time   time.Time
	Labels map[string]string
}

// Sink delivers spooled telemetry somewhere. Ship calls receive the whole
// pending batch; an error means the batch was not delivered and may be
// offered again.
type Sink interface {
	ShipEvents(ctx context.Context, events []*EventRecord) error
	ShipMetrics(ctx context.Context, points []*MetricPoint) error
	Close(ctx context.Context) error
}

// Config selects which sinks the pipeline drives.
type Config struct {
	OTLP struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"otlp"`
	Stdout struct {
		Enabled bool   `yaml:"enabled"`
		Format  string `yaml:"format"`
	} `yaml:"stdout"`
}

const (
	flushEvery    = 5 * time.Second
	shipTimeout   = 10 * time.Second
	eventSpoolCap = 4096
	pointSpoolCap = 1024
	// highWater triggers an early flush instead of waiting for the ticker.
	highWater = 512

	gateBaseDelay = time.Second
	gateMaxDelay  = 2 * time.Minute
)

// gate suspends delivery to a collector that keeps refusing batches.
// Each consecutive all-sinks failure doubles the suspension window, so a
// dead collector costs one attempt per window instead of a hammering loop;
// records keep spooling (bounded) while the gate is down.
type gate struct {
	mu     sync.Mutex
	streak int
	until  time.Time
	base   time.Duration
	max    time.Duration
}

// ready reports whether a delivery attempt is due.
func (g *gate) ready(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !now.Before(g.until)
}

// failure extends the suspension window and returns its length.
func (g *gate) failure(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	delay := g.base << g.streak
	if delay > g.max || delay <= 0 {
		delay = g.max
	}
	g.streak++
	g.until = now.Add(delay)
	return delay
}

// success reopens the gate.
func (g *gate) success() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streak = 0
	g.until = time.Time{}
}

// Pipeline spools events and metric points behind a mutex-guarded buffer
// and delivers them to every configured sink from a single flush goroutine.
// Recording never blocks beyond the spool append; when the spool is full
// the oldest records are dropped first, since fresh lifecycle state is
// worth more than history.
type Pipeline struct {
	logger *zap.Logger
	sinks  []Sink

	mu     sync.Mutex
	events []*EventRecord
	points []*MetricPoint

	shippedEvents atomic.Int64
	shippedPoints atomic.Int64
	dropped       atomic.Int64

	gate gate

	kick   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewPipeline creates a pipeline from configuration. A config with no sink
// enabled yields a disabled pipeline whose record calls are no-ops.
func NewPipeline(cfg Config, serviceName string, logger *zap.Logger) (*Pipeline, error) {
	p := &Pipeline{
		logger: logger,
		gate:   gate{base: gateBaseDelay, max: gateMaxDelay},
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.OTLP.Enabled {
		sink, err := NewOTLPSink(cfg.OTLP.Endpoint, cfg.OTLP.Insecure, serviceName, logger)
		if err != nil {
			logger.Warn("failed to create OTLP sink", zap.Error(err))
		} else {
			p.sinks = append(p.sinks, sink)
		}
	}
	if cfg.Stdout.Enabled {
		p.sinks = append(p.sinks, NewStdoutSink(cfg.Stdout.Format))
	}

	return p, nil
}

// Enabled reports whether any sink is configured.
func (p *Pipeline) Enabled() bool { return len(p.sinks) > 0 }

// Start launches the flush goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	go p.flushLoop(ctx)

	if p.Enabled() {
		p.logger.Info("export pipeline started",
			zap.Int("sinks", len(p.sinks)),
			zap.Duration("flush_every", flushEvery),
		)
	}
	return nil
}

// Stop delivers whatever is spooled and closes the sinks.
func (p *Pipeline) Stop() error {
	close(p.stopCh)
	<-p.done

	ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
	defer cancel()
	for _, sink := range p.sinks {
		if err := sink.Close(ctx); err != nil {
			p.logger.Error("telemetry sink close error", zap.Error(err))
		}
	}

	p.logger.Info("export pipeline stopped",
		zap.Int64("events_shipped", p.shippedEvents.Load()),
		zap.Int64("points_shipped", p.shippedPoints.Load()),
		zap.Int64("dropped", p.dropped.Load()),
	)
	return nil
}

// RecordEvent spools an event for the next flush.
func (p *Pipeline) RecordEvent(ev *EventRecord) {
	if !p.Enabled() {
		return
	}
	p.mu.Lock()
	if len(p.events) >= eventSpoolCap {
		p.events = p.events[1:]
		p.dropped.Add(1)
	}
	p.events = append(p.events, ev)
	n := len(p.events)
	p.mu.Unlock()

	if n >= highWater {
		p.nudge()
	}
}

// RecordMetric spools a metric point for the next flush.
func (p *Pipeline) RecordMetric(pt *MetricPoint) {
	if !p.Enabled() {
		return
	}
	p.mu.Lock()
	if len(p.points) >= pointSpoolCap {
		p.points = p.points[1:]
		p.dropped.Add(1)
	}
	p.points = append(p.points, pt)
	p.mu.Unlock()
}

// Stats returns shipped and dropped totals.
func (p *Pipeline) Stats() (events, points, dropped int64) {
	return p.shippedEvents.Load(), p.shippedPoints.Load(), p.dropped.Load()
}

func (p *Pipeline) nudge() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.flush(ctx)
		case <-p.kick:
			p.flush(ctx)
		case <-p.stopCh:
			// Final delivery ignores the gate: one last attempt on a fresh
			// context so shutdown is not held hostage by the suspension
			// window.
			p.gate.success()
			p.flush(context.Background())
			return
		case <-ctx.Done():
			p.flush(context.Background())
			return
		}
	}
}

// flush takes the whole spool and offers it to every sink. The batch counts
// as delivered if at least one sink accepted it; if every sink refused, the
// gate closes and the batch returns to the spool.
func (p *Pipeline) flush(ctx context.Context) {
	if len(p.sinks) == 0 {
		return
	}
	now := time.Now()
	if !p.gate.ready(now) {
		return
	}

	p.mu.Lock()
	events := p.events
	points := p.points
	p.events = nil
	p.points = nil
	p.mu.Unlock()

	if len(events) == 0 && len(points) == 0 {
		return
	}

	refused := 0
	for _, sink := range p.sinks {
		shipCtx, cancel := context.WithTimeout(ctx, shipTimeout)
		err := sink.ShipEvents(shipCtx, events)
		if err == nil {
			err = sink.ShipMetrics(shipCtx, points)
		}
		cancel()
		if err != nil {
			refused++
			p.logger.Debug("telemetry sink refused batch", zap.Error(err))
		}
	}

	if refused == len(p.sinks) {
		delay := p.gate.failure(now)
		p.logger.Warn("no telemetry sink accepted the batch, suspending export",
			zap.Duration("retry_in", delay),
			zap.Int("events", len(events)),
			zap.Int("points", len(points)),
		)
		p.respool(events, points)
		return
	}

	p.gate.success()
	p.shippedEvents.Add(int64(len(events)))
	p.shippedPoints.Add(int64(len(points)))
}

// respool puts an undelivered batch back at the head of the spool, keeping
// arrival order and dropping the oldest overflow.
func (p *Pipeline) respool(events []*EventRecord, points []*MetricPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	events = append(events, p.events...)
	if over := len(events) - eventSpoolCap; over > 0 {
		events = events[over:]
		p.dropped.Add(int64(over))
	}
	p.events = events

	points = append(points, p.points...)
	if over := len(points) - pointSpoolCap; over > 0 {
		points = points[over:]
		p.dropped.Add(int64(over))
	}
	p.points = points
}
