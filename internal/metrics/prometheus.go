// Package metrics exposes Prometheus collectors for the multiplexers.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of DatagramsDropped.
const (
	ReasonShort          = "short"
	ReasonForeignSender  = "foreign_sender"
	ReasonEarlyPayload   = "early_payload"
	ReasonSurplusConv    = "surplus_handshake"
	ReasonBadHandshake   = "bad_handshake"
	ReasonPanic          = "panic"
	ReasonSendQueueFull  = "send_queue_full"
	ReasonRegistryInsert = "registry_insert"
	ReasonStopping       = "stopping"
)

// Metrics contains all Prometheus collectors for one process.
type Metrics struct {
	DatagramsReceived *prometheus.CounterVec
	DatagramsSent     *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter

	HandshakesIssued    prometheus.Counter
	HandshakesCompleted prometheus.Counter
	ConnectDuration     prometheus.Histogram

	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionLifetime prometheus.Histogram
	DoubleCloses    prometheus.Counter
	BroadcastFanout prometheus.Histogram
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer for the process-wide /metrics endpoint or a
// fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DatagramsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kcpnet_datagrams_received_total",
			Help: "Datagrams read from the UDP socket",
		}, []string{"role"}),
		DatagramsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kcpnet_datagrams_sent_total",
			Help: "Datagrams written to the UDP socket",
		}, []string{"role"}),
		DatagramsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kcpnet_datagrams_dropped_total",
			Help: "Datagrams dropped by a dispatch loop or the sender",
		}, []string{"role", "reason"}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "kcpnet_bytes_received_total",
			Help: "Bytes read from UDP sockets",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "kcpnet_bytes_sent_total",
			Help: "Bytes written to UDP sockets",
		}),

		HandshakesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "kcpnet_handshakes_issued_total",
			Help: "Convs handed out by the server allocator",
		}),
		HandshakesCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "kcpnet_handshakes_completed_total",
			Help: "Handshake responses accepted by a client",
		}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kcpnet_connect_duration_seconds",
			Help:    "Time from handshake request to connected session",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "kcpnet_active_sessions",
			Help: "Sessions currently registered",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "kcpnet_sessions_created_total",
			Help: "Sessions registered",
		}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "kcpnet_sessions_closed_total",
			Help: "Sessions removed after close notification",
		}),
		SessionLifetime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kcpnet_session_lifetime_seconds",
			Help:    "Lifetime of closed sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),
		DoubleCloses: f.NewCounter(prometheus.CounterOpts{
			Name: "kcpnet_double_close_total",
			Help: "Close notifications for convs absent from the registry",
		}),
		BroadcastFanout: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kcpnet_broadcast_fanout",
			Help:    "Sessions reached per broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// RecordReceived counts one inbound datagram of n bytes.
func (m *Metrics) RecordReceived(role string, n int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.WithLabelValues(role).Inc()
	m.BytesReceived.Add(float64(n))
}

// RecordSent counts one outbound datagram of n bytes.
func (m *Metrics) RecordSent(role string, n int) {
	if m == nil {
		return
	}
	m.DatagramsSent.WithLabelValues(role).Inc()
	m.BytesSent.Add(float64(n))
}

// RecordDrop counts one dropped datagram.
func (m *Metrics) RecordDrop(role, reason string) {
	if m == nil {
		return
	}
	m.DatagramsDropped.WithLabelValues(role, reason).Inc()
}

// RecordHandshakeIssued counts one conv handed out by the server.
func (m *Metrics) RecordHandshakeIssued() {
	if m == nil {
		return
	}
	m.HandshakesIssued.Inc()
}

// RecordHandshakeCompleted counts one bound client session.
func (m *Metrics) RecordHandshakeCompleted() {
	if m == nil {
		return
	}
	m.HandshakesCompleted.Inc()
}

// RecordConnect observes how long a successful Connect took.
func (m *Metrics) RecordConnect(seconds float64) {
	if m == nil {
		return
	}
	m.ConnectDuration.Observe(seconds)
}

// RecordSessionOpened counts a newly registered session.
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed counts a removed session and its lifetime.
func (m *Metrics) RecordSessionClosed(lifetimeSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.ActiveSessions.Dec()
	m.SessionLifetime.Observe(lifetimeSeconds)
}

// RecordDoubleClose counts a close notification for an unknown conv.
func (m *Metrics) RecordDoubleClose() {
	if m == nil {
		return
	}
	m.DoubleCloses.Inc()
}

// RecordBroadcast observes the number of sessions a broadcast reached.
func (m *Metrics) RecordBroadcast(n int) {
	if m == nil {
		return
	}
	m.BroadcastFanout.Observe(float64(n))
}
