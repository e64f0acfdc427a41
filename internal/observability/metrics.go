package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedWorkers tracks the number of currently registered workers.
	ConnectedWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manager_connected_workers",
			Help: "Number of currently registered workers",
		},
	)

	// WorkerEvents counts registry lifecycle events by type.
	WorkerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_worker_events_total",
			Help: "Total worker registry events by type",
		},
		[]string{"event"},
	)

	// JobsDispatched counts dispatch attempts by outcome.
	JobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_jobs_dispatched_total",
			Help: "Total job dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// JobStatusTotal counts terminal job transitions by status.
	JobStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_job_status_total",
			Help: "Total jobs reaching each terminal status",
		},
		[]string{"status"},
	)

	// ActiveJobs tracks jobs currently in a non-terminal status.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manager_active_jobs",
			Help: "Number of jobs currently dispatched or running",
		},
	)

	// ActiveStreams tracks currently open stream sessions.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manager_active_streams",
			Help: "Number of currently active stream sessions",
		},
	)

	// FramesForwarded counts frames forwarded to viewers.
	FramesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_frames_forwarded_total",
			Help: "Total frames forwarded to viewers",
		},
		[]string{"device_id"},
	)

	// FramesDropped counts frames dropped by the rate limiter.
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_frames_dropped_total",
			Help: "Total frames dropped by the per-session rate limiter",
		},
		[]string{"device_id"},
	)

	// BufferUtilization tracks ring buffer usage per stream.
	BufferUtilization = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manager_buffer_utilization_ratio",
			Help:    "Ring buffer utilization ratio (0.0 to 1.0)",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0% to 100%
		},
		[]string{"buffer_type"},
	)

	// ConnectionsActive tracks live websocket connections by role.
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manager_connections_active",
			Help: "Number of currently open connections by role",
		},
		[]string{"role"},
	)
)

// Metrics provides access to all application metrics.
type Metrics struct{}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// SetConnectedWorkers sets the number of connected workers.
func (m *Metrics) SetConnectedWorkers(count float64) {
	ConnectedWorkers.Set(count)
}

// RecordWorkerEvent records a registry lifecycle event.
func (m *Metrics) RecordWorkerEvent(event string) {
	WorkerEvents.WithLabelValues(event).Inc()
}

// RecordDispatch records a dispatch attempt outcome ("dispatched" or "rejected").
func (m *Metrics) RecordDispatch(outcome string) {
	JobsDispatched.WithLabelValues(outcome).Inc()
}

// RecordJobTerminal records a job reaching a terminal status.
func (m *Metrics) RecordJobTerminal(status string) {
	JobStatusTotal.WithLabelValues(status).Inc()
}

// SetActiveJobs sets the number of non-terminal jobs.
func (m *Metrics) SetActiveJobs(count float64) {
	ActiveJobs.Set(count)
}

// SetActiveStreams sets the number of active stream sessions.
func (m *Metrics) SetActiveStreams(count float64) {
	ActiveStreams.Set(count)
}

// RecordFrameForwarded records one frame forwarded for a device's stream.
func (m *Metrics) RecordFrameForwarded(deviceID string) {
	FramesForwarded.WithLabelValues(deviceID).Inc()
}

// RecordFrameDropped records one frame dropped by the rate limiter.
func (m *Metrics) RecordFrameDropped(deviceID string) {
	FramesDropped.WithLabelValues(deviceID).Inc()
}

// ObserveBufferUtilization records the fill ratio of a ring buffer.
func (m *Metrics) ObserveBufferUtilization(bufferType string, ratio float64) {
	BufferUtilization.WithLabelValues(bufferType).Observe(ratio)
}

// SetConnectionsActive sets the number of live connections for a role ("worker" or "viewer").
func (m *Metrics) SetConnectionsActive(role string, count float64) {
	ConnectionsActive.WithLabelValues(role).Set(count)
}
