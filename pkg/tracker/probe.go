// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raimundojimenez/kismet/pkg/source"
)

// probeJob races every registered driver for a single auto-type definition.
// Drivers that answer in-process win immediately; the rest get short-lived
// probing children correlated by transaction id. The first affirmative
// answer wins and the losers are terminated. The whole race is bounded by
// the tracker's probe timeout, and the completion callback fires exactly
// once no matter how the race ends.
type probeJob struct {
	t      *Tracker
	def    *source.Definition
	cb     func(winner source.Driver, reason string)
	logger *zap.Logger

	mu          sync.Mutex
	outstanding map[uint32]*source.Source
	timer       *time.Timer
	done        bool

	once sync.Once
}

func newProbeJob(t *Tracker, def *source.Definition, cb func(source.Driver, string)) *probeJob {
	return &probeJob{
		t:           t,
		def:         def,
		cb:          cb,
		logger:      t.logger.With(zap.String("definition", def.Raw)),
		outstanding: make(map[uint32]*source.Source),
	}
}

// run executes the race against the given driver set.
func (j *probeJob) run(drivers []source.Driver) {
	if len(drivers) == 0 {
		j.complete(nil, "no drivers registered")
		return
	}

	// Fast path: in-process probes answer without spawning anything.
	var ipcDrivers []source.Driver
	for _, d := range drivers {
		switch d.Probe(j.def) {
		case source.ProbeYes:
			j.complete(d, "")
			return
		case source.ProbeRequireIPC:
			ipcDrivers = append(ipcDrivers, d)
		}
	}
	if len(ipcDrivers) == 0 {
		j.complete(nil, "no driver claimed source '"+j.def.Raw+"'")
		return
	}

	// Spawn a probing child per remaining driver, all racing concurrently.
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	var started []func()
	for _, d := range ipcDrivers {
		d := d
		s, err := d.Build(j.def)
		if err != nil {
			j.logger.Debug("driver could not build probe source",
				zap.String("driver", d.Type()),
				zap.Error(err),
			)
			continue
		}
		tid := source.NextTransactionID()
		j.outstanding[tid] = s

		started = append(started, func() {
			s.Probe(j.t.launchContext(), tid, func(success bool, message string) {
				j.onResult(d, tid, success, message)
			})
		})
	}
	if len(started) == 0 {
		j.mu.Unlock()
		j.complete(nil, "no driver could probe source '"+j.def.Raw+"'")
		return
	}
	j.timer = time.AfterFunc(j.t.cfg.ProbeTimeout, func() {
		j.complete(nil, "timeout")
	})
	j.mu.Unlock()

	for _, start := range started {
		start()
	}
}

// onResult handles one child's answer. If two affirmative answers race, the
// first observed wins; the other finds the job done and is ignored.
func (j *probeJob) onResult(d source.Driver, tid uint32, success bool, message string) {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	delete(j.outstanding, tid)
	remaining := len(j.outstanding)
	j.mu.Unlock()

	if success {
		j.complete(d, "")
		return
	}

	j.logger.Debug("driver declined source",
		zap.String("driver", d.Type()),
		zap.String("message", message),
	)
	if remaining == 0 {
		j.complete(nil, "no driver claimed source '"+j.def.Raw+"'")
	}
}

// cancel aborts the race; used at tracker shutdown.
func (j *probeJob) cancel(reason string) {
	j.complete(nil, reason)
}

// complete finishes the race exactly once: records the winner, terminates
// every outstanding child, unregisters the job, and fires the callback.
// Idempotent; late answers are ignored by the done flag and by correlation
// id mismatch once their sources are closed.
func (j *probeJob) complete(winner source.Driver, reason string) {
	j.once.Do(func() {
		j.mu.Lock()
		j.done = true
		if j.timer != nil {
			j.timer.Stop()
		}
		losers := make([]*source.Source, 0, len(j.outstanding))
		for _, s := range j.outstanding {
			losers = append(losers, s)
		}
		j.outstanding = nil
		j.mu.Unlock()

		for _, s := range losers {
			s.Close()
		}
		j.t.dropProbe(j)

		j.cb(winner, reason)
	})
}
