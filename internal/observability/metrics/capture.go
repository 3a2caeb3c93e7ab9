// Package metrics provides capture session metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CaptureMetrics contains Prometheus metrics for capture session operations
type CaptureMetrics struct {
	registry *prometheus.Registry

	// Buffer acquisition metrics
	acquiresTotal       *prometheus.CounterVec
	acquireWaitDuration *prometheus.HistogramVec
	framesAcquired      *prometheus.CounterVec
	framesReleased      *prometheus.CounterVec

	// Producer health metrics
	healthChecksTotal *prometheus.CounterVec
	recoveriesTotal   *prometheus.CounterVec
	overrunsTotal     *prometheus.CounterVec

	// Notification worker metrics
	workerEventsTotal     *prometheus.CounterVec
	workerIterationsTotal *prometheus.CounterVec
}

// NewCaptureMetrics creates and registers new capture metrics
func NewCaptureMetrics(registry *prometheus.Registry) (*CaptureMetrics, error) {
	m := &CaptureMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *CaptureMetrics) initMetrics() error {
	m.acquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_acquires_total",
			Help: "Total number of buffer acquire calls",
		},
		[]string{"session", "result"}, // result: ok, would_block, timed_out, stopped, no_more_buffers
	)

	m.acquireWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capture_acquire_wait_duration_seconds",
			Help:    "Time spent waiting for frames in acquire",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"session"},
	)

	m.framesAcquired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_frames_acquired_total",
			Help: "Total number of frames handed out by acquire",
		},
		[]string{"session"},
	)

	m.framesReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_frames_released_total",
			Help: "Total number of frames released back to the ring",
		},
		[]string{"session"},
	)

	m.healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_health_checks_total",
			Help: "Total number of producer health-check nudges",
		},
		[]string{"session", "result"}, // result: ok, dead_connection, error
	)

	m.recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_recoveries_total",
			Help: "Total number of stream recovery attempts",
		},
		[]string{"session", "role", "outcome"}, // role: leader, follower; outcome: success, failure
	)

	m.overrunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_overruns_total",
			Help: "Total number of overrun episodes reported to the application",
		},
		[]string{"session"},
	)

	m.workerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_worker_events_total",
			Help: "Total number of events delivered by the notification worker",
		},
		[]string{"session", "event"}, // event: more_data, marker, new_pos, overrun
	)

	m.workerIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_worker_iterations_total",
			Help: "Total number of notification worker loop iterations",
		},
		[]string{"session"},
	)

	return nil
}

// Describe implements the prometheus.Collector interface
func (m *CaptureMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.acquiresTotal.Describe(ch)
	m.acquireWaitDuration.Describe(ch)
	m.framesAcquired.Describe(ch)
	m.framesReleased.Describe(ch)
	m.healthChecksTotal.Describe(ch)
	m.recoveriesTotal.Describe(ch)
	m.overrunsTotal.Describe(ch)
	m.workerEventsTotal.Describe(ch)
	m.workerIterationsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface
func (m *CaptureMetrics) Collect(ch chan<- prometheus.Metric) {
	m.acquiresTotal.Collect(ch)
	m.acquireWaitDuration.Collect(ch)
	m.framesAcquired.Collect(ch)
	m.framesReleased.Collect(ch)
	m.healthChecksTotal.Collect(ch)
	m.recoveriesTotal.Collect(ch)
	m.overrunsTotal.Collect(ch)
	m.workerEventsTotal.Collect(ch)
	m.workerIterationsTotal.Collect(ch)
}

// RecordAcquire records the outcome of an acquire call
func (m *CaptureMetrics) RecordAcquire(session, result string) {
	m.acquiresTotal.WithLabelValues(session, result).Inc()
}

// RecordAcquireWait records the time spent waiting for frames
func (m *CaptureMetrics) RecordAcquireWait(session string, seconds float64) {
	m.acquireWaitDuration.WithLabelValues(session).Observe(seconds)
}

// RecordFramesAcquired records frames handed out by acquire
func (m *CaptureMetrics) RecordFramesAcquired(session string, frames int) {
	m.framesAcquired.WithLabelValues(session).Add(float64(frames))
}

// RecordFramesReleased records frames released back to the ring
func (m *CaptureMetrics) RecordFramesReleased(session string, frames int) {
	m.framesReleased.WithLabelValues(session).Add(float64(frames))
}

// RecordHealthCheck records a producer health-check nudge
func (m *CaptureMetrics) RecordHealthCheck(session, result string) {
	m.healthChecksTotal.WithLabelValues(session, result).Inc()
}

// RecordRecovery records a stream recovery attempt
func (m *CaptureMetrics) RecordRecovery(session, role, outcome string) {
	m.recoveriesTotal.WithLabelValues(session, role, outcome).Inc()
}

// RecordOverrun records an overrun episode
func (m *CaptureMetrics) RecordOverrun(session string) {
	m.overrunsTotal.WithLabelValues(session).Inc()
}

// RecordWorkerEvent records an event delivered by the notification worker
func (m *CaptureMetrics) RecordWorkerEvent(session, event string) {
	m.workerEventsTotal.WithLabelValues(session, event).Inc()
}

// RecordWorkerIteration records one notification worker loop iteration
func (m *CaptureMetrics) RecordWorkerIteration(session string) {
	m.workerIterationsTotal.WithLabelValues(session).Inc()
}
