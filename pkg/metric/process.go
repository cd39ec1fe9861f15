// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package metric

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/raimundojimenez/kismet/pkg/source"
)

const defaultCollectInterval = 15 * time.Second

// ProcessCollector periodically reflects capture-child resource usage and
// per-state source counts into the prometheus registry. The snapshot
// function is the tracker's Sources method.
type ProcessCollector struct {
	logger   *zap.Logger
	metrics  *Metrics
	snapshot func() []source.Snapshot
	interval time.Duration

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewProcessCollector creates a collector feeding the given metrics.
func NewProcessCollector(m *Metrics, snapshot func() []source.Snapshot, interval time.Duration, logger *zap.Logger) *ProcessCollector {
	if interval <= 0 {
		interval = defaultCollectInterval
	}
	return &ProcessCollector{
		logger:   logger,
		metrics:  m,
		snapshot: snapshot,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection.
func (pc *ProcessCollector) Start(ctx context.Context) error {
	pc.wg.Add(1)
	go func() {
		defer pc.wg.Done()

		ticker := time.NewTicker(pc.interval)
		defer ticker.Stop()

		pc.collect()

		for {
			select {
			case <-ticker.C:
				pc.collect()
			case <-pc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	pc.logger.Info("child metrics collector started", zap.Duration("interval", pc.interval))
	return nil
}

// Stop halts collection.
func (pc *ProcessCollector) Stop() {
	pc.stopOnce.Do(func() { close(pc.stopCh) })
	pc.wg.Wait()
}

func (pc *ProcessCollector) collect() {
	snaps := pc.snapshot()

	// Gauges are rebuilt each pass so removed sources drop off.
	pc.metrics.SourcesByState.Reset()
	pc.metrics.ChildCPUPercent.Reset()
	pc.metrics.ChildRSSBytes.Reset()

	states := make(map[string]int)
	for _, snap := range snaps {
		states[snap.State]++
		if snap.ChildPID == 0 {
			continue
		}

		proc, err := process.NewProcess(int32(snap.ChildPID))
		if err != nil {
			continue
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			pc.metrics.ChildCPUPercent.WithLabelValues(snap.UUID, snap.DriverType).Set(cpu)
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			pc.metrics.ChildRSSBytes.WithLabelValues(snap.UUID, snap.DriverType).Set(float64(mem.RSS))
		}
	}
	for state, n := range states {
		pc.metrics.SourcesByState.WithLabelValues(state).Set(float64(n))
	}
}
