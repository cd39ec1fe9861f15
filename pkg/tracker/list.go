// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raimundojimenez/kismet/pkg/capproto"
	"github.com/raimundojimenez/kismet/pkg/source"
)

// listJob aggregates interface listings across every driver. In-process
// answers are merged immediately; drivers that defer to IPC get a listing
// child each, spawned concurrently, and the merge completes when the last
// child answers or the list timeout expires.
type listJob struct {
	t  *Tracker
	cb func([]capproto.ListedInterface)

	mu          sync.Mutex
	results     []capproto.ListedInterface
	outstanding map[*source.Source]struct{}
	timer       *time.Timer
	done        bool

	once sync.Once
}

func newListJob(t *Tracker, cb func([]capproto.ListedInterface)) *listJob {
	return &listJob{
		t:           t,
		cb:          cb,
		outstanding: make(map[*source.Source]struct{}),
	}
}

func (j *listJob) run(drivers []source.Driver) {
	var ipcDrivers []source.Driver
	for _, d := range drivers {
		if ifaces, ok := d.List(); ok {
			j.merge(d, ifaces)
		} else {
			ipcDrivers = append(ipcDrivers, d)
		}
	}
	if len(ipcDrivers) == 0 {
		j.complete()
		return
	}

	// A listing needs a neutral definition; drivers ignore the interface
	// when answering LIST.
	def, err := source.ParseDefinition("list")
	if err != nil {
		j.complete()
		return
	}

	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	var started []func()
	for _, d := range ipcDrivers {
		d := d
		s, buildErr := d.Build(def)
		if buildErr != nil {
			j.t.logger.Debug("driver could not build list source",
				zap.String("driver", d.Type()),
				zap.Error(buildErr),
			)
			continue
		}
		j.outstanding[s] = struct{}{}

		started = append(started, func() {
			s.List(j.t.launchContext(), func(ifaces []capproto.ListedInterface) {
				j.onResult(d, s, ifaces)
			})
		})
	}
	if len(started) == 0 {
		j.mu.Unlock()
		j.complete()
		return
	}
	j.timer = time.AfterFunc(j.t.cfg.ListTimeout, j.complete)
	j.mu.Unlock()

	for _, start := range started {
		start()
	}
}

func (j *listJob) merge(d source.Driver, ifaces []capproto.ListedInterface) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	for _, iface := range ifaces {
		if iface.Flags == nil {
			iface.Flags = map[string]string{}
		}
		if iface.Flags["driver"] == "" {
			iface.Flags["driver"] = d.Type()
		}
		j.results = append(j.results, iface)
	}
}

func (j *listJob) onResult(d source.Driver, s *source.Source, ifaces []capproto.ListedInterface) {
	j.merge(d, ifaces)

	j.mu.Lock()
	delete(j.outstanding, s)
	remaining := len(j.outstanding)
	j.mu.Unlock()

	if remaining == 0 {
		j.complete()
	}
}

func (j *listJob) cancel() {
	j.complete()
}

// complete fires the callback exactly once with whatever has been merged,
// terminating any children that have not answered.
func (j *listJob) complete() {
	j.once.Do(func() {
		j.mu.Lock()
		j.done = true
		if j.timer != nil {
			j.timer.Stop()
		}
		stragglers := make([]*source.Source, 0, len(j.outstanding))
		for s := range j.outstanding {
			stragglers = append(stragglers, s)
		}
		j.outstanding = nil
		results := j.results
		j.mu.Unlock()

		for _, s := range stragglers {
			s.Close()
		}
		j.t.dropList(j)

		j.cb(results)
	})
}
