// Package telemetry exports sandbox and image metrics to prometheus.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandboxd"

// Metrics holds all prometheus collectors of one daemon. Every instance has
// its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Sandbox resource usage, labelled group and sandbox
	CPUUsage       *prometheus.GaugeVec
	MemoryUsage    *prometheus.GaugeVec
	DiskReadTotal  *prometheus.GaugeVec
	DiskWriteTotal *prometheus.GaugeVec

	// Lifecycle
	Transitions     *prometheus.CounterVec
	Restarts        *prometheus.CounterVec
	SandboxesActive prometheus.Gauge

	// Images
	Pulls        *prometheus.CounterVec
	PullDuration prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CPUUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandbox_cpu_usage_percent",
				Help:      "CPU usage of the sandbox guest process",
			},
			[]string{"group", "sandbox"},
		),
		MemoryUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandbox_memory_bytes",
				Help:      "Resident memory of the sandbox guest process",
			},
			[]string{"group", "sandbox"},
		),
		DiskReadTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandbox_disk_read_bytes",
				Help:      "Cumulative bytes read by the sandbox guest process",
			},
			[]string{"group", "sandbox"},
		),
		DiskWriteTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandbox_disk_write_bytes",
				Help:      "Cumulative bytes written by the sandbox guest process",
			},
			[]string{"group", "sandbox"},
		),

		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_transitions_total",
				Help:      "Sandbox state transitions by target status",
			},
			[]string{"status"},
		),
		Restarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_restarts_total",
				Help:      "Restarts applied by the restart policy",
			},
			[]string{"group", "sandbox"},
		),
		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandboxes_supervised",
				Help:      "Sandboxes supervised by this process",
			},
		),

		Pulls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_pulls_total",
				Help:      "Image pulls by result (hit, pulled, failed)",
			},
			[]string{"result"},
		),
		PullDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "image_pull_duration_seconds",
				Help:      "Duration of image pulls that reached the registry",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCounterFunc exports a counter maintained elsewhere, such as the
// layer store download count.
func (m *Metrics) RegisterCounterFunc(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// ObserveSample records one resource sample of a sandbox.
func (m *Metrics) ObserveSample(group, sandbox string, cpu float64, memory, readTotal, writeTotal uint64) {
	m.CPUUsage.WithLabelValues(group, sandbox).Set(cpu)
	m.MemoryUsage.WithLabelValues(group, sandbox).Set(float64(memory))
	m.DiskReadTotal.WithLabelValues(group, sandbox).Set(float64(readTotal))
	m.DiskWriteTotal.WithLabelValues(group, sandbox).Set(float64(writeTotal))
}

// Forget drops the per-sandbox series of a sandbox that is no longer running.
func (m *Metrics) Forget(group, sandbox string) {
	m.CPUUsage.DeleteLabelValues(group, sandbox)
	m.MemoryUsage.DeleteLabelValues(group, sandbox)
	m.DiskReadTotal.DeleteLabelValues(group, sandbox)
	m.DiskWriteTotal.DeleteLabelValues(group, sandbox)
}

// ObservePull records the outcome of one image pull.
func (m *Metrics) ObservePull(result string, took time.Duration) {
	m.Pulls.WithLabelValues(result).Inc()
	if result != "hit" {
		m.PullDuration.Observe(took.Seconds())
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
