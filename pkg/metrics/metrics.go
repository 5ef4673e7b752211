// Package metrics wraps the Prometheus collectors exported by the realtime
// client and the relay server. A nil *Client or *Relay is valid and records
// nothing, so callers never need to guard metric calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name when no namespace is given.
const DefaultNamespace = "chatsock"

// Client holds the collectors for a realtime connection client.
type Client struct {
	sent          *prometheus.CounterVec
	received      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	handlerPanics *prometheus.CounterVec
	status        *prometheus.GaugeVec
	queued        prometheus.Counter
	reconnects    prometheus.Counter
	queueDepth    prometheus.Gauge
	latency       prometheus.Histogram
}

// NewClient creates client collectors and registers them on reg.
// A nil reg leaves the collectors unregistered.
func NewClient(reg prometheus.Registerer, namespace string) *Client {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Client{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "messages_sent_total",
			Help:      "Messages written to the transport, by type",
		}, []string{"type"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "messages_received_total",
			Help:      "Inbound frames dispatched to subscribers, by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "messages_dropped_total",
			Help:      "Outbound messages that were not sent or queued, by reason",
		}, []string{"reason"}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "handler_panics_total",
			Help:      "Subscriber handlers that panicked, by event type",
		}, []string{"type"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "messages_queued_total",
			Help:      "Outbound messages placed on the offline queue",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts started",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "queue_depth",
			Help:      "Messages currently waiting in the outbound queue",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "heartbeat_latency_seconds",
			Help:      "Round trip time of heartbeat pings",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.received, m.dropped, m.handlerPanics, m.status,
			m.queued, m.reconnects, m.queueDepth, m.latency)
	}
	return m
}

// MessageSent counts a message accepted by the transport.
func (m *Client) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(msgType).Inc()
}

// MessageReceived counts an inbound frame handed to the dispatcher.
func (m *Client) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(msgType).Inc()
}

// MessageQueued counts a message placed on the offline queue.
func (m *Client) MessageQueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
}

// MessageDropped counts a message refused or evicted for reason.
func (m *Client) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// HandlerPanic counts a recovered subscriber panic.
func (m *Client) HandlerPanic(msgType string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(msgType).Inc()
}

// ReconnectAttempt counts a reconnect attempt.
func (m *Client) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetStatus marks status as the only active connection status.
func (m *Client) SetStatus(status string) {
	if m == nil {
		return
	}
	m.status.Reset()
	m.status.WithLabelValues(status).Set(1)
}

// SetQueueDepth records the outbound queue length.
func (m *Client) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveLatency records a heartbeat round trip.
func (m *Client) ObserveLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

// Relay holds the collectors for the relay server.
type Relay struct {
	frames       *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	connected    prometheus.Gauge
	users        prometheus.Gauge
	authFailures prometheus.Counter
	rateLimited  prometheus.Counter
}

// NewRelay creates relay collectors and registers them on reg.
func NewRelay(reg prometheus.Registerer, namespace string) *Relay {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Relay{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames handled by the relay, by type and direction",
		}, []string{"type", "direction"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_rejected_total",
			Help:      "Connection attempts refused before upgrade, by reason",
		}, []string{"reason"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections",
		}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "users_online",
			Help:      "Distinct users with at least one open connection",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "auth_failures_total",
			Help:      "Handshakes rejected because the token was invalid",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rate_limited_frames_total",
			Help:      "Inbound frames dropped by the per-connection rate limiter",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.frames, m.rejected, m.connected, m.users, m.authFailures, m.rateLimited)
	}
	return m
}

// FrameIn counts a frame read from a client.
func (m *Relay) FrameIn(msgType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(msgType, "in").Inc()
}

// FrameOut counts a frame written to a client.
func (m *Relay) FrameOut(msgType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(msgType, "out").Inc()
}

// ConnectionRejected counts a refused connection.
func (m *Relay) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// SetConnections records the hub's connection and user counts.
func (m *Relay) SetConnections(conns, users int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(conns))
	m.users.Set(float64(users))
}

// AuthFailure counts a rejected token.
func (m *Relay) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// RateLimited counts a frame dropped by the limiter.
func (m *Relay) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
