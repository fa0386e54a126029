package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector receives relay counters. Implementations are called from
// the hub goroutine and must not block.
type MetricsCollector interface {
	SetConnections(role Role, n int)
	SetDevices(n int)
	RecordMessage(messageType string)
	RecordFanout(delivered int)
	RecordSendFailure(role Role)
	RecordLaggardDropped()
}

// NoOpMetricsCollector is used when metrics aren't needed.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) SetConnections(Role, int) {}
func (NoOpMetricsCollector) SetDevices(int)           {}
func (NoOpMetricsCollector) RecordMessage(string)     {}
func (NoOpMetricsCollector) RecordFanout(int)         {}
func (NoOpMetricsCollector) RecordSendFailure(Role)   {}
func (NoOpMetricsCollector) RecordLaggardDropped()    {}

// PrometheusMetrics implements MetricsCollector with client_golang.
type PrometheusMetrics struct {
	connections  *prometheus.GaugeVec
	devices      prometheus.Gauge
	messages     *prometheus.CounterVec
	fanout       prometheus.Counter
	sendFailures *prometheus.CounterVec
	laggards     prometheus.Counter
}

// NewPrometheusMetrics registers the relay metrics on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	auto := promauto.With(reg)
	const namespace, subsystem = "tiltrelay", "hub"

	return &PrometheusMetrics{
		connections: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Live connections by role",
		}, []string{"role"}),
		devices: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "devices",
			Help:      "Registered sensor devices",
		}),
		messages: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Inbound frames by message type",
		}, []string{"type"}),
		fanout: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_delivered_total",
			Help:      "Frames queued to subscriber outboxes",
		}),
		sendFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Failed outbox sends by recipient role",
		}, []string{"role"}),
		laggards: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "laggards_dropped_total",
			Help:      "Subscribers disconnected because their outbox was full",
		}),
	}
}

func (m *PrometheusMetrics) SetConnections(role Role, n int) {
	m.connections.WithLabelValues(role.String()).Set(float64(n))
}

func (m *PrometheusMetrics) SetDevices(n int) { m.devices.Set(float64(n)) }

func (m *PrometheusMetrics) RecordMessage(messageType string) {
	m.messages.WithLabelValues(messageType).Inc()
}

func (m *PrometheusMetrics) RecordFanout(delivered int) { m.fanout.Add(float64(delivered)) }

func (m *PrometheusMetrics) RecordSendFailure(role Role) {
	m.sendFailures.WithLabelValues(role.String()).Inc()
}

func (m *PrometheusMetrics) RecordLaggardDropped() { m.laggards.Inc() }
