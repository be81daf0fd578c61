package taskmarket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the realtime layer's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	connectionsOpen   *prometheus.GaugeVec
	sendFallbacks     prometheus.Counter
	unread            *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmarket",
			Subsystem: "realtime",
			Name:      "frames_received_total",
			Help:      "Normalized frames published to the router.",
		}, []string{"kind", "source"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmarket",
			Subsystem: "realtime",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before reaching a handler.",
		}, []string{"reason"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmarket",
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after abnormal closure.",
		}, []string{"role"}),
		connectionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmarket",
			Subsystem: "realtime",
			Name:      "connections_open",
			Help:      "Sockets currently open.",
		}, []string{"role"}),
		sendFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmarket",
			Subsystem: "realtime",
			Name:      "send_http_fallbacks_total",
			Help:      "Messages sent over HTTP because the socket was not open.",
		}),
		unread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmarket",
			Subsystem: "realtime",
			Name:      "unread",
			Help:      "Unread counters by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.framesReceived,
			m.framesDropped,
			m.reconnectAttempts,
			m.connectionsOpen,
			m.sendFallbacks,
			m.unread,
		)
	}
	return m
}

const (
	dropMalformed  = "malformed"
	dropUnknown    = "unknown"
	dropDuplicate  = "duplicate"
	dropSuppressed = "suppressed"
	dropNoHandler  = "no_handler"
)

func (m *Metrics) frameReceived(f Frame) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(string(f.Kind), string(f.Source)).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) reconnectAttempt(role Role) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(string(role)).Inc()
}

func (m *Metrics) connectionOpened(role Role) {
	if m == nil {
		return
	}
	m.connectionsOpen.WithLabelValues(string(role)).Inc()
}

func (m *Metrics) connectionClosed(role Role) {
	if m == nil {
		return
	}
	m.connectionsOpen.WithLabelValues(string(role)).Dec()
}

func (m *Metrics) sendFallback() {
	if m == nil {
		return
	}
	m.sendFallbacks.Inc()
}

func (m *Metrics) unreadChanged(c UnreadCounts) {
	if m == nil {
		return
	}
	m.unread.WithLabelValues("messages").Set(float64(c.Messages))
	m.unread.WithLabelValues("notifications").Set(float64(c.Notifications))
}
