// Package metrics exposes daemon counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "waybg"

// Metrics holds the daemon's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	renders          *prometheus.CounterVec
	cacheHits        prometheus.Counter
	commits          *prometheus.CounterVec
	suppressed       prometheus.Counter
	workspaceChanges prometheus.Counter
	ipcReconnects    prometheus.Counter
	buffers          prometheus.Gauge
	shmBytes         prometheus.Gauge
	outputs          prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Wallpaper decode and resize operations by result",
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_cache_hits_total",
			Help:      "Buffer requests served without rendering",
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "surface_commits_total",
			Help:      "Buffer attach and commit operations per output",
		}, []string{"output"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redraws_suppressed_total",
			Help:      "Redraw requests dropped because the buffer was already attached",
		}),
		workspaceChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workspace_changes_total",
			Help:      "Active workspace changes applied",
		}),
		ipcReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_reconnects_total",
			Help:      "Compositor IPC reconnection attempts",
		}),
		buffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffers",
			Help:      "Live wl_buffer objects, including ones awaiting release",
		}),
		shmBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shm_bytes",
			Help:      "Bytes of shared memory mapped for pools",
		}),
		outputs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outputs",
			Help:      "Outputs currently known",
		}),
	}

	m.registry.MustRegister(
		m.renders,
		m.cacheHits,
		m.commits,
		m.suppressed,
		m.workspaceChanges,
		m.ipcReconnects,
		m.buffers,
		m.shmBytes,
		m.outputs,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Rendered records one render attempt.
func (m *Metrics) Rendered(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.renders.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) Committed(output string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(output).Inc()
}

func (m *Metrics) RedrawSuppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) WorkspaceChanged() {
	if m == nil {
		return
	}
	m.workspaceChanges.Inc()
}

func (m *Metrics) IPCReconnect() {
	if m == nil {
		return
	}
	m.ipcReconnects.Inc()
}

// BuffersChanged adjusts the live buffer gauge by delta.
func (m *Metrics) BuffersChanged(delta int) {
	if m == nil {
		return
	}
	m.buffers.Add(float64(delta))
}

// ShmChanged adjusts the mapped bytes gauge by delta.
func (m *Metrics) ShmChanged(delta int) {
	if m == nil {
		return
	}
	m.shmBytes.Add(float64(delta))
}

func (m *Metrics) SetOutputs(n int) {
	if m == nil {
		return
	}
	m.outputs.Set(float64(n))
}
