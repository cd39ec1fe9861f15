// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raimundojimenez/kismet/pkg/capproto"
	"github.com/raimundojimenez/kismet/pkg/config"
	"github.com/raimundojimenez/kismet/pkg/eventbus"
	"github.com/raimundojimenez/kismet/pkg/export"
	"github.com/raimundojimenez/kismet/pkg/health"
	"github.com/raimundojimenez/kismet/pkg/metric"
	"github.com/raimundojimenez/kismet/pkg/source"
	"github.com/raimundojimenez/kismet/pkg/tracker"
)

// Server wires the capture core together: event bus first, then the tracker
// with a reference to the bus, then drivers, export, metrics, and health.
// There are no ambient globals; everything flows through this struct.
type Server struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	bus       *eventbus.Bus
	tracker   *tracker.Tracker
	pipeline  *export.Pipeline
	registry  *metric.Registry
	collector *metric.ProcessCollector
	healthSrv *health.Server
	stats     *health.Stats

	mu     sync.Mutex
	opened map[string]bool // definitions already opened, for reload diffing
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server from configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		logger: logger,
		stats:  health.NewStats(),
		opened: make(map[string]bool),
	}
	s.cfg.Store(cfg)

	s.bus = eventbus.New(logger.Named("eventbus"))

	s.tracker = tracker.New(tracker.Config{
		Bus:           s.bus,
		Logger:        logger,
		ProbeTimeout:  cfg.Tracker.ProbeTimeout,
		ListTimeout:   cfg.Tracker.ListTimeout,
		RetryInterval: cfg.Tracker.RetryInterval,
	})

	for _, dc := range cfg.Drivers {
		s.tracker.RegisterDriver(source.NewExecDriver(source.ExecDriverConfig{
			Type:           dc.Type,
			Description:    dc.Description,
			Command:        append([]string{dc.Binary}, dc.Args...),
			ChannelCapable: dc.ChannelCapable,
		}, s.bus, logger.Named(dc.Type)))
	}

	pipeline, err := export.NewPipeline(cfg.Export, cfg.ServerName, logger.Named("export"))
	if err != nil {
		return nil, fmt.Errorf("create export pipeline: %w", err)
	}
	s.pipeline = pipeline

	s.registry = metric.NewRegistry()

	if cfg.Metrics.Enabled {
		s.collector = metric.NewProcessCollector(
			s.registry.Metrics,
			s.tracker.Sources,
			cfg.Metrics.Interval,
			logger.Named("metric"),
		)
	}

	if cfg.Health.Enabled {
		s.healthSrv = health.NewServer(cfg.Health.Addr, Version, s.stats, s.registry.Handler(), logger.Named("health"))
	}

	return s, nil
}

// Version is stamped by the build.
var Version = "dev"

// Bus exposes the event bus for embedding callers.
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// Tracker exposes the source tracker for embedding callers.
func (s *Server) Tracker() *tracker.Tracker { return s.tracker }

// Start brings all subsystems up and opens the configured sources.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	cfg := s.cfg.Load()

	s.registerListeners()

	if err := s.pipeline.Start(s.ctx); err != nil {
		return fmt.Errorf("start export pipeline: %w", err)
	}
	if err := s.tracker.Start(s.ctx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}
	if s.collector != nil {
		if err := s.collector.Start(s.ctx); err != nil {
			s.logger.Warn("metric collector start error", zap.Error(err))
		}
	}
	if s.healthSrv != nil {
		if err := s.healthSrv.Start(s.ctx); err != nil {
			s.logger.Warn("health server start error", zap.Error(err))
		} else {
			s.healthSrv.SetReady(true)
		}
	}

	s.wg.Add(1)
	go s.statsLoop()

	for _, def := range cfg.Sources {
		s.openSource(def)
	}

	s.logger.Info("capture server started",
		zap.Int("drivers", len(s.tracker.Drivers())),
		zap.Int("sources", len(cfg.Sources)),
		zap.Bool("health", s.healthSrv != nil),
		zap.Bool("export", s.pipeline.Enabled()),
	)
	return nil
}

// Stop shuts everything down: health and child metrics first, then the
// sources, then the event bus, then the export pipeline. Lifecycle events
// still queued on the bus when it shuts down are discarded.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.healthSrv != nil {
		s.healthSrv.SetReady(false)
		if err := s.healthSrv.Stop(); err != nil {
			s.logger.Warn("health server stop error", zap.Error(err))
		}
	}
	if s.collector != nil {
		s.collector.Stop()
	}
	s.tracker.Stop()
	s.bus.Shutdown()
	if err := s.pipeline.Stop(); err != nil {
		s.logger.Warn("export pipeline stop error", zap.Error(err))
	}

	s.logger.Info("capture server stopped")
	return nil
}

// Reload applies a new configuration. Sources added to the config are
// opened; everything running is left alone.
func (s *Server) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg.Store(cfg)

	for _, def := range cfg.Sources {
		s.mu.Lock()
		seen := s.opened[def]
		s.mu.Unlock()
		if !seen {
			s.logger.Info("opening source added by reload", zap.String("definition", def))
			s.openSource(def)
		}
	}
	return nil
}

func (s *Server) openSource(def string) {
	s.mu.Lock()
	s.opened[def] = true
	s.mu.Unlock()

	s.tracker.OpenSource(def, func(ok bool, message string) {
		if ok {
			s.logger.Info("source opened",
				zap.String("definition", def),
				zap.String("interface", message),
			)
			return
		}
		s.logger.Error("source failed to open",
			zap.String("definition", def),
			zap.String("reason", message),
		)
	})
}

// registerListeners routes lifecycle and diagnostic events into health
// counters, prometheus, and the export pipeline.
func (s *Server) registerListeners() {
	m := s.registry.Metrics

	s.bus.RegisterListener([]string{source.EventSourceOpened}, func(e *eventbus.Event) {
		s.stats.SourcesOpened.Add(1)
		s.exportEvent(e, "INFO", 9, fmt.Sprintf("source %s opened on %s", e.String("uuid"), e.String("interface")))
	})

	s.bus.RegisterListener([]string{source.EventSourceError}, func(e *eventbus.Event) {
		s.stats.SourceErrors.Add(1)
		m.SourceErrors.WithLabelValues(e.String("kind")).Inc()
		s.exportEvent(e, "ERROR", 17, fmt.Sprintf("source %s error: %s", e.String("uuid"), e.String("reason")))
	})

	s.bus.RegisterListener([]string{source.EventSourceClosed}, func(e *eventbus.Event) {
		s.stats.SourcesRemoved.Add(1)
		s.exportEvent(e, "INFO", 9, fmt.Sprintf("source %s closed", e.String("uuid")))
	})

	s.bus.RegisterListener([]string{source.EventMessage}, func(e *eventbus.Event) {
		level, sev := "INFO", int32(9)
		if lv, ok := e.Get("level"); ok {
			if lvl, ok := lv.(uint8); ok && lvl == capproto.MsgError {
				level, sev = "ERROR", 17
			}
		}
		s.exportEvent(e, level, sev, e.String("message"))
	})

	s.bus.RegisterListener([]string{source.EventPacket}, func(e *eventbus.Event) {
		s.stats.PacketsReceived.Add(1)
		m.PacketsReceived.Inc()
		if v, ok := e.Get("packet"); ok {
			if pkt, ok := v.([]byte); ok {
				m.PacketBytes.Add(float64(len(pkt)))
			}
		}
	})
}

func (s *Server) exportEvent(e *eventbus.Event, level string, severity int32, body string) {
	s.pipeline.RecordEvent(&export.EventRecord{
		Time:        e.Timestamp(),
		Body:        body,
		Severity:    level,
		SeverityNum: severity,
		Channel:     e.Type(),
		SourceUUID:  e.String("uuid"),
	})
}

// statsLoop mirrors bus counters into health stats and ships periodic
// metric snapshots through the export pipeline.
func (s *Server) statsLoop() {
	defer s.wg.Done()

	interval := s.cfg.Load().Metrics.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.stats.EventsPublished.Store(int64(s.bus.Published()))
			s.stats.EventsDispatched.Store(int64(s.bus.Dispatched()))
			_, _, dropped := s.pipeline.Stats()
			s.stats.ExportDropped.Store(dropped)

			if s.pipeline.Enabled() {
				s.exportMetricSnapshot()
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) exportMetricSnapshot() {
	now := time.Now()
	states := make(map[string]int)
	var packets int64
	for _, snap := range s.tracker.Sources() {
		states[snap.State]++
		packets += int64(snap.Packets)
	}
	for state, n := range states {
		s.pipeline.RecordMetric(&export.MetricPoint{
			Name:   "kismet.sources",
			Unit:   "{source}",
			Kind:   export.KindGauge,
			Value:  float64(n),
			Time:   now,
			Labels: map[string]string{"state": state},
		})
	}
	s.pipeline.RecordMetric(&export.MetricPoint{
		Name:  "kismet.capture.packets",
		Unit:  "{packet}",
		Kind:  export.KindCounter,
		Value: float64(packets),
		Time:  now,
	})
}
