// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the capture server.
type Stats struct {
	startTime time.Time

	EventsPublished  atomic.Int64
	EventsDispatched atomic.Int64
	PacketsReceived  atomic.Int64
	SourcesOpened    atomic.Int64
	SourceErrors     atomic.Int64
	SourcesRemoved   atomic.Int64
	ProbesStarted    atomic.Int64
	ProbesResolved   atomic.Int64
	ExportDropped    atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Uptime returns server uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Goroutines       int     `json:"goroutines"`
	MemorySysBytes   uint64  `json:"memory_sys_bytes"`
	EventsPublished  int64   `json:"events_published"`
	EventsDispatched int64   `json:"events_dispatched"`
	PacketsReceived  int64   `json:"packets_received"`
	SourcesOpened    int64   `json:"sources_opened"`
	SourceErrors     int64   `json:"source_errors"`
	SourcesRemoved   int64   `json:"sources_removed"`
	ProbesStarted    int64   `json:"probes_started"`
	ProbesResolved   int64   `json:"probes_resolved"`
	ExportDropped    int64   `json:"export_dropped"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:    s.Uptime().Seconds(),
		Goroutines:       runtime.NumGoroutine(),
		MemorySysBytes:   memStats.Sys,
		EventsPublished:  s.EventsPublished.Load(),
		EventsDispatched: s.EventsDispatched.Load(),
		PacketsReceived:  s.PacketsReceived.Load(),
		SourcesOpened:    s.SourcesOpened.Load(),
		SourceErrors:     s.SourceErrors.Load(),
		SourcesRemoved:   s.SourcesRemoved.Load(),
		ProbesStarted:    s.ProbesStarted.Load(),
		ProbesResolved:   s.ProbesResolved.Load(),
		ExportDropped:    s.ExportDropped.Load(),
	}
}
