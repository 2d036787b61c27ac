package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "mqtt_http_bridge"

// Outcome labels, one per forward result kind.
var outcomeLabels = []string{"delivered", "rejected", "unreachable", "malformed", "internal"}

// Metrics holds the bridge's prometheus collectors. They live in a
// process-local registry and are read back for the shutdown report.
type Metrics struct {
	outcomes         *prometheus.CounterVec
	forwardDuration  prometheus.Histogram
	connectionStatus prometheus.Gauge
	reconnects       prometheus.Counter
	queueDepth       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_outcomes_total",
			Help:      "Forwarded messages by outcome.",
		}, []string{"outcome"}),
		forwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Time spent in the HTTP forward call.",
			Buckets:   prometheus.DefBuckets,
		}),
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connection_status",
			Help:      "1 while the MQTT session is connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_reconnects_total",
			Help:      "MQTT reconnect attempts.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in the dispatch queue.",
		}),
	}

	// Pre-create the outcome series so the report lists zero counts.
	for _, label := range outcomeLabels {
		m.outcomes.WithLabelValues(label)
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.outcomes, m.forwardDuration, m.connectionStatus, m.reconnects, m.queueDepth,
		} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register collector: %w", err)
			}
		}
	}

	return m, nil
}

func (m *Metrics) IncOutcome(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveForwardDuration(seconds float64) {
	m.forwardDuration.Observe(seconds)
}

func (m *Metrics) SetMQTTConnectionStatus(connected bool) {
	if connected {
		m.connectionStatus.Set(1)
	} else {
		m.connectionStatus.Set(0)
	}
}

func (m *Metrics) IncMQTTReconnects() {
	m.reconnects.Inc()
}

func (m *Metrics) SetQueueDepth(depth float64) {
	m.queueDepth.Set(depth)
}

// OutcomeCounts returns the current count per outcome label.
func (m *Metrics) OutcomeCounts() map[string]uint64 {
	counts := make(map[string]uint64, len(outcomeLabels))
	for _, label := range outcomeLabels {
		var metric dto.Metric
		if err := m.outcomes.WithLabelValues(label).Write(&metric); err != nil {
			continue
		}
		counts[label] = uint64(metric.GetCounter().GetValue())
	}
	return counts
}

// Reconnects returns the number of reconnect attempts seen so far.
func (m *Metrics) Reconnects() uint64 {
	var metric dto.Metric
	if err := m.reconnects.Write(&metric); err != nil {
		return 0
	}
	return uint64(metric.GetCounter().GetValue())
}

// QueueDepth returns the last recorded dispatch queue depth.
func (m *Metrics) QueueDepth() float64 {
	var metric dto.Metric
	if err := m.queueDepth.Write(&metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

// ConnectionStatus returns 1 while the MQTT session is connected.
func (m *Metrics) ConnectionStatus() float64 {
	var metric dto.Metric
	if err := m.connectionStatus.Write(&metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}
