// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the platform-level prometheus instruments for the
// capture core.
type Metrics struct {
	EventsPublished  prometheus.Counter
	EventsDispatched prometheus.Counter
	PacketsReceived  prometheus.Counter
	PacketBytes      prometheus.Counter
	SourcesByState   *prometheus.GaugeVec
	SourceErrors     *prometheus.CounterVec
	ProbeResults     *prometheus.CounterVec
	ChildCPUPercent  *prometheus.GaugeVec
	ChildRSSBytes    *prometheus.GaugeVec
	ExportDropped    prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kismet",
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Total events accepted by the bus",
		}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kismet",
			Subsystem: "eventbus",
			Name:      "dispatched_total",
			Help:      "Total listener invocations",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kismet",
			Subsystem: "capture",
			Name:      "packets_total",
			Help:      "Total packets received from capture children",
		}),
		PacketBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kismet",
			Subsystem: "capture",
			Name:      "packet_bytes_total",
			Help:      "Total packet payload bytes received",
		}),
		SourcesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kismet",
			Subsystem: "sources",
			Name:      "state",
			Help:      "Number of sources per state",
		}, []string{"state"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kismet",
			Subsystem: "sources",
			Name:      "errors_total",
			Help:      "Source error transitions by kind",
		}, []string{"kind"}),
		ProbeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kismet",
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Probe race outcomes",
		}, []string{"outcome"}),
		ChildCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kismet",
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage of capture children",
		}, []string{"uuid", "driver"}),
		ChildRSSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kismet",
			Subsystem: "child",
			Name:      "rss_bytes",
			Help:      "Resident memory of capture children",
		}, []string{"uuid", "driver"}),
		ExportDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kismet",
			Subsystem: "export",
			Name:      "dropped_total",
			Help:      "Telemetry items dropped by the export pipeline",
		}),
	}
}

// Registry owns the process-wide prometheus registry and the core metrics.
type Registry struct {
	registry *prometheus.Registry
	Metrics  *Metrics
}

// NewRegistry creates a registry pre-populated with the core metrics and Go
// runtime collectors.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		Metrics:  newMetrics(),
	}

	r.registry.MustRegister(
		r.Metrics.EventsPublished,
		r.Metrics.EventsDispatched,
		r.Metrics.PacketsReceived,
		r.Metrics.PacketBytes,
		r.Metrics.SourcesByState,
		r.Metrics.SourceErrors,
		r.Metrics.ProbeResults,
		r.Metrics.ChildCPUPercent,
		r.Metrics.ChildRSSBytes,
		r.Metrics.ExportDropped,
	)
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// Handler returns the HTTP exposition handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
