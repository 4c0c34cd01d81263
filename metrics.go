package mqttloop

import (
	"strconv"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	MetricTypeCounter MetricType = iota
	MetricTypeGauge
	MetricTypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics hands out named instruments. Implementations must be safe for
// use from the dispatcher goroutine and the goroutines of bridged sockets.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter only grows.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge moves in both directions.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)
	// ObserveDuration records d in seconds.
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter { return noOpInstrument{} }

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge { return noOpInstrument{} }

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram { return noOpInstrument{} }

type noOpInstrument struct{}

func (noOpInstrument) Inc()                          {}
func (noOpInstrument) Dec()                          {}
func (noOpInstrument) Set(_ float64)                 {}
func (noOpInstrument) Add(_ float64)                 {}
func (noOpInstrument) Sub(_ float64)                 {}
func (noOpInstrument) Value() float64                { return 0 }
func (noOpInstrument) Observe(_ float64)             {}
func (noOpInstrument) ObserveDuration(time.Duration) {}
func (noOpInstrument) Count() uint64                 { return 0 }
func (noOpInstrument) Sum() float64                  { return 0 }

// Metric names recorded by the engine.
const (
	MetricConnectAttempts    = "mqttloop_connect_attempts_total"
	MetricConnected          = "mqttloop_connected"
	MetricDisconnects        = "mqttloop_disconnects_total"
	MetricReconnectDelay     = "mqttloop_reconnect_delay_seconds"
	MetricPacketsSent        = "mqttloop_packets_sent_total"
	MetricPacketsReceived    = "mqttloop_packets_received_total"
	MetricBytesSent          = "mqttloop_bytes_sent_total"
	MetricBytesReceived      = "mqttloop_bytes_received_total"
	MetricMessagesPublished  = "mqttloop_messages_published_total"
	MetricMessagesDelivered  = "mqttloop_messages_delivered_total"
	MetricPendingTimers      = "mqttloop_pending_timers"
	MetricOutstandingBuffers = "mqttloop_outstanding_buffers"
	MetricTickDuration       = "mqttloop_tick_duration_seconds"
)

// Metric labels.
const (
	LabelPacketType = "packet_type"
	LabelQoS        = "qos"
	LabelStatus     = "status"
)

// EngineMetrics records client engine activity on a Metrics backend.
type EngineMetrics struct {
	metrics Metrics
}

// NewEngineMetrics wraps m; a nil m discards everything.
func NewEngineMetrics(m Metrics) *EngineMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &EngineMetrics{metrics: m}
}

// ConnectAttempt records a connection attempt.
func (e *EngineMetrics) ConnectAttempt() {
	e.metrics.Counter(MetricConnectAttempts, nil).Inc()
}

// Connected records an accepted CONNACK.
func (e *EngineMetrics) Connected() {
	e.metrics.Gauge(MetricConnected, nil).Set(1)
}

// Disconnected records the end of a connection and its cause.
func (e *EngineMetrics) Disconnected(cause Status) {
	e.metrics.Gauge(MetricConnected, nil).Set(0)
	e.metrics.Counter(MetricDisconnects, MetricLabels{LabelStatus: cause.String()}).Inc()
}

// ReconnectDelay records the backoff chosen before a reconnect.
func (e *EngineMetrics) ReconnectDelay(d time.Duration) {
	e.metrics.Histogram(MetricReconnectDelay, nil).ObserveDuration(d)
}

// PacketSent records a packet that reached the socket.
func (e *EngineMetrics) PacketSent(t PacketType) {
	e.metrics.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: t.String()}).Inc()
}

// PacketReceived records a decoded packet.
func (e *EngineMetrics) PacketReceived(t PacketType) {
	e.metrics.Counter(MetricPacketsReceived, MetricLabels{LabelPacketType: t.String()}).Inc()
}

// BytesSent records bytes written to the socket.
func (e *EngineMetrics) BytesSent(n int) {
	e.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}

// BytesReceived records bytes read from the socket.
func (e *EngineMetrics) BytesReceived(n int) {
	e.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

// MessagePublished records a completed outgoing publish.
func (e *EngineMetrics) MessagePublished(qos QoS) {
	e.metrics.Counter(MetricMessagesPublished, qosLabels(qos)).Inc()
}

// MessageDelivered records an incoming publish handed to the application.
func (e *EngineMetrics) MessageDelivered(qos QoS) {
	e.metrics.Counter(MetricMessagesDelivered, qosLabels(qos)).Inc()
}

// Tick records one dispatcher round.
func (e *EngineMetrics) Tick(d time.Duration, pendingTimers int) {
	e.metrics.Histogram(MetricTickDuration, nil).ObserveDuration(d)
	e.metrics.Gauge(MetricPendingTimers, nil).Set(float64(pendingTimers))
	e.metrics.Gauge(MetricOutstandingBuffers, nil).Set(float64(OutstandingByteBuffers()))
}

func qosLabels(qos QoS) MetricLabels {
	return MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
}
