// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package tracker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raimundojimenez/kismet/pkg/capproto"
	"github.com/raimundojimenez/kismet/pkg/eventbus"
	"github.com/raimundojimenez/kismet/pkg/source"
)

// Operational errors returned synchronously by tracker calls.
var (
	ErrNotFound      = errors.New("source not found")
	ErrUnknownDriver = errors.New("unknown driver type")
	ErrDuplicateUUID = errors.New("duplicate source uuid")
)

const (
	defaultProbeTimeout  = 5 * time.Second
	defaultListTimeout   = 5 * time.Second
	defaultRetryInterval = 5 * time.Second
)

// CompletionFunc reports the outcome of an OpenSource call. It fires exactly
// once: (true, interface) or (false, human-readable reason).
type CompletionFunc func(ok bool, message string)

// Worker visits every live source under the tracker lock. Handle must not
// call back into the tracker; doing so deadlocks.
type Worker interface {
	Handle(snap source.Snapshot)
	Finalize()
}

// Config configures a Tracker.
type Config struct {
	Bus    *eventbus.Bus
	Logger *zap.Logger

	// ProbeTimeout bounds the auto-type probe race. Defaults to 5s.
	ProbeTimeout time.Duration
	// ListTimeout bounds interface-list aggregation. Defaults to 5s.
	ListTimeout time.Duration
	// RetryInterval paces the error-retry timer. Defaults to 5s.
	RetryInterval time.Duration
}

// Tracker is the registry and supervisor for capture drivers and the live
// source instances they create. Sources admitted by OpenSource stay under
// management for the process lifetime, error or not, unless removed.
type Tracker struct {
	cfg    Config
	logger *zap.Logger
	bus    *eventbus.Bus

	mu            sync.Mutex
	driverOrder   []string
	drivers       map[string]source.Driver
	sources       []*source.Source
	nextRuntimeID int
	probes        map[*probeJob]struct{}
	lists         map[*listJob]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tracker publishing on bus.
func New(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = defaultListTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger.Named("tracker"),
		bus:     cfg.Bus,
		drivers: make(map[string]source.Driver),
		probes:  make(map[*probeJob]struct{}),
		lists:   make(map[*listJob]struct{}),
	}
}

// Start launches the retry timer.
func (t *Tracker) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.retryLoop()

	t.logger.Info("source tracker started",
		zap.Duration("retry_interval", t.cfg.RetryInterval),
		zap.Duration("probe_timeout", t.cfg.ProbeTimeout),
	)
	return nil
}

// Stop cancels outstanding coordinators, stops the retry timer, and tears
// down every live source.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	probes := make([]*probeJob, 0, len(t.probes))
	for j := range t.probes {
		probes = append(probes, j)
	}
	lists := make([]*listJob, 0, len(t.lists))
	for j := range t.lists {
		lists = append(lists, j)
	}
	srcs := append([]*source.Source(nil), t.sources...)
	t.mu.Unlock()

	for _, j := range probes {
		j.cancel("tracker shutdown")
	}
	for _, j := range lists {
		j.cancel()
	}
	for _, s := range srcs {
		s.Close()
	}
}

// RegisterDriver adds a capture driver. A second registration under the same
// type replaces the first; both registrations are logged so the winner is
// never ambiguous.
func (t *Tracker) RegisterDriver(d source.Driver) {
	t.mu.Lock()
	_, replaced := t.drivers[d.Type()]
	if !replaced {
		t.driverOrder = append(t.driverOrder, d.Type())
	}
	t.drivers[d.Type()] = d
	t.mu.Unlock()

	if replaced {
		t.logger.Warn("driver re-registered, replacing previous",
			zap.String("type", d.Type()),
			zap.String("description", d.Description()),
		)
	} else {
		t.logger.Info("driver registered",
			zap.String("type", d.Type()),
			zap.String("description", d.Description()),
		)
	}
}

// Drivers returns the registered drivers in registration order.
func (t *Tracker) Drivers() []source.Driver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driversLocked()
}

func (t *Tracker) driversLocked() []source.Driver {
	out := make([]source.Driver, 0, len(t.driverOrder))
	for _, typ := range t.driverOrder {
		out = append(out, t.drivers[typ])
	}
	return out
}

// OpenSource resolves the definition to a driver, admits a source instance,
// and spawns it. With no type (or type=auto) every registered driver is
// probed concurrently; the first affirmative answer wins. The completion
// callback fires exactly once, after the source is in the live set.
func (t *Tracker) OpenSource(definition string, cb CompletionFunc) {
	if cb == nil {
		cb = func(bool, string) {}
	}

	def, err := source.ParseDefinition(definition)
	if err != nil {
		cb(false, err.Error())
		return
	}

	if def.Type() != source.TypeAuto {
		t.mu.Lock()
		d, ok := t.drivers[def.Type()]
		t.mu.Unlock()
		if !ok {
			cb(false, "no driver of type '"+def.Type()+"'")
			return
		}
		t.openWithDriver(def, d, cb)
		return
	}

	t.logger.Info("probing for source driver", zap.String("definition", definition))

	j := newProbeJob(t, def, func(d source.Driver, reason string) {
		if d == nil {
			t.logger.Warn("no driver claimed source",
				zap.String("definition", definition),
				zap.String("reason", reason),
			)
			cb(false, reason)
			return
		}
		t.logger.Info("driver claimed source",
			zap.String("definition", definition),
			zap.String("driver", d.Type()),
		)
		t.openWithDriver(def, d, cb)
	})

	t.mu.Lock()
	t.probes[j] = struct{}{}
	drivers := t.driversLocked()
	t.mu.Unlock()

	j.run(drivers)
}

// openWithDriver builds and admits a source for a resolved driver, then
// spawns it. The source joins the live set before the callback can fire.
func (t *Tracker) openWithDriver(def *source.Definition, d source.Driver, cb CompletionFunc) {
	s, err := d.Build(def)
	if err != nil {
		cb(false, err.Error())
		return
	}

	t.mu.Lock()
	for _, existing := range t.sources {
		if existing.UUID() == s.UUID() {
			t.mu.Unlock()
			cb(false, ErrDuplicateUUID.Error()+": "+s.UUID())
			return
		}
	}
	t.nextRuntimeID++
	s.SetRuntimeID(t.nextRuntimeID)
	t.sources = append(t.sources, s)
	t.mu.Unlock()

	s.Open(t.launchContext(), cb)
}

// RemoveSource closes and erases the source with the given UUID. Returns
// false when no live source matches.
func (t *Tracker) RemoveSource(uuid string) bool {
	return t.remove(func(s *source.Source) bool { return s.UUID() == uuid })
}

// RemoveSourceByID removes by runtime id.
func (t *Tracker) RemoveSourceByID(id int) bool {
	return t.remove(func(s *source.Source) bool { return s.RuntimeID() == id })
}

func (t *Tracker) remove(match func(*source.Source) bool) bool {
	t.mu.Lock()
	var victim *source.Source
	for i, s := range t.sources {
		if match(s) {
			victim = s
			t.sources = append(t.sources[:i], t.sources[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	if victim == nil {
		return false
	}
	victim.Close()
	return true
}

// IterateSources calls worker.Handle for every live source under the
// tracker lock, then worker.Finalize. Handle must not mutate the tracker.
func (t *Tracker) IterateSources(w Worker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sources {
		w.Handle(s.Snapshot())
	}
	w.Finalize()
}

// Sources returns snapshots of every live source.
func (t *Tracker) Sources() []source.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]source.Snapshot, 0, len(t.sources))
	for _, s := range t.sources {
		out = append(out, s.Snapshot())
	}
	return out
}

// ErrorSources returns snapshots of sources currently in the error state.
func (t *Tracker) ErrorSources() []source.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []source.Snapshot
	for _, s := range t.sources {
		if snap := s.Snapshot(); snap.State == source.StateError.String() {
			out = append(out, snap)
		}
	}
	return out
}

// FindSource returns the snapshot for a UUID or numeric runtime id.
func (t *Tracker) FindSource(key string) (source.Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, idErr := strconv.Atoi(key)
	for _, s := range t.sources {
		if s.UUID() == key || (idErr == nil && s.RuntimeID() == id) {
			return s.Snapshot(), true
		}
	}
	return source.Snapshot{}, false
}

// SetChannel locks a running source to a channel.
func (t *Tracker) SetChannel(uuid, channel string) error {
	s := t.findLive(uuid)
	if s == nil {
		return ErrNotFound
	}
	return s.SetChannel(channel)
}

// SetHopping sets a running source hopping across channels.
func (t *Tracker) SetHopping(uuid string, rate float64, channels []string) error {
	s := t.findLive(uuid)
	if s == nil {
		return ErrNotFound
	}
	return s.SetHopping(rate, channels)
}

func (t *Tracker) findLive(uuid string) *source.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sources {
		if s.UUID() == uuid {
			return s
		}
	}
	return nil
}

// ListInterfaces asks every driver for its supported interfaces. In-process
// answers are collected immediately; drivers that defer to IPC get a
// listing child. The callback fires once with the aggregated result.
func (t *Tracker) ListInterfaces(cb func(ifaces []capproto.ListedInterface)) {
	if cb == nil {
		cb = func([]capproto.ListedInterface) {}
	}

	t.mu.Lock()
	drivers := t.driversLocked()
	t.mu.Unlock()

	j := newListJob(t, cb)

	t.mu.Lock()
	t.lists[j] = struct{}{}
	t.mu.Unlock()

	j.run(drivers)
}

func (t *Tracker) dropProbe(j *probeJob) {
	t.mu.Lock()
	delete(t.probes, j)
	t.mu.Unlock()
}

func (t *Tracker) dropList(j *listJob) {
	t.mu.Lock()
	delete(t.lists, j)
	t.mu.Unlock()
}

func (t *Tracker) launchContext() context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return context.Background()
}

// retryLoop pokes every retriable errored source back to life on a timer.
func (t *Tracker) retryLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			srcs := append([]*source.Source(nil), t.sources...)
			t.mu.Unlock()

			for _, s := range srcs {
				if s.RetryEligible() {
					t.logger.Info("retrying errored source",
						zap.String("uuid", s.UUID()),
						zap.String("definition", s.Definition()),
					)
					s.Retry(t.launchContext())
				}
			}
		case <-t.ctx.Done():
			return
		}
	}
}
