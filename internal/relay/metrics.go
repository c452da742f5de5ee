// Package relay implements the server-side fan-out: it holds the
// authoritative merged state per room and rebroadcasts accepted changes to
// every other session in that room.
package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricFramesReceived = "relay_frames_received_total"
	MetricFramesDropped  = "relay_frames_dropped_total"
	MetricBroadcasts     = "relay_broadcasts_total"
	MetricRoomsActive    = "relay_rooms_active"
	MetricSessionsActive = "relay_sessions_active"
	MetricApplyLatency   = "relay_apply_latency_seconds"
)

// Drop reason labels.
const (
	DropMalformed   = "malformed"
	DropRateLimited = "rate_limited"
	DropRejected    = "rejected"
)

// Metrics contains Prometheus metrics for the relay. All operations are
// thread-safe.
type Metrics struct {
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	broadcasts     prometheus.Counter
	roomsActive    prometheus.Gauge
	sessionsActive prometheus.Gauge
	applyLatency   prometheus.Histogram
}

// NewMetrics creates a Metrics instance with all collectors initialized. The
// metrics are not registered; call Register to add them to a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricFramesReceived,
			Help: "Total number of protocol frames received, by frame type",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricFramesDropped,
			Help: "Total number of frames dropped without being applied, by reason",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBroadcasts,
			Help: "Total number of frames rebroadcast to peer sessions",
		}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricRoomsActive,
			Help: "Number of rooms currently held by the relay",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSessionsActive,
			Help: "Number of WebSocket sessions currently attached",
		}),
		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricApplyLatency,
			Help:    "Histogram of merge application latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.framesReceived,
		m.framesDropped,
		m.broadcasts,
		m.roomsActive,
		m.sessionsActive,
		m.applyLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncFramesReceived increments the received counter for a frame type.
func (m *Metrics) IncFramesReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// IncFramesDropped increments the dropped counter for a reason.
func (m *Metrics) IncFramesDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// IncBroadcasts adds n rebroadcast deliveries.
func (m *Metrics) IncBroadcasts(n int) {
	if m == nil {
		return
	}
	m.broadcasts.Add(float64(n))
}

// SetRoomsActive records the current room count.
func (m *Metrics) SetRoomsActive(n int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(n))
}

// AddSessionsActive adjusts the attached session gauge.
func (m *Metrics) AddSessionsActive(delta int) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(float64(delta))
}

// ObserveApplyLatency records one merge application duration in seconds.
func (m *Metrics) ObserveApplyLatency(seconds float64) {
	if m == nil {
		return
	}
	m.applyLatency.Observe(seconds)
}
