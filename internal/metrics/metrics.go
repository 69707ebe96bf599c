package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	// Inbound metrics
	MessagesTotal    *prometheus.CounterVec
	MalformedTotal   *prometheus.CounterVec
	VerdictsTotal    *prometheus.CounterVec
	DroppedTotal     *prometheus.CounterVec
	EvaluationTime   prometheus.Histogram
	ActiveSources    prometheus.Gauge
	EvictedSources   prometheus.Counter
	TransportErrors  *prometheus.CounterVec
	ReconnectsTotal  prometheus.Counter
	DisconnectsTotal prometheus.Counter

	// Alert metrics
	AlertCounter *prometheus.CounterVec
	SinkFailures *prometheus.CounterVec

	// Response metrics
	CommandsTotal     *prometheus.CounterVec
	PublishRetries    prometheus.Counter
	ActiveMitigations prometheus.Gauge
}

// NewPrometheusMetrics registers every metric with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatguard_messages_total",
				Help: "Total number of device messages received",
			},
			[]string{"status"},
		),

		MalformedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatguard_malformed_messages_total",
				Help: "Total number of inbound messages dropped as malformed",
			},
			[]string{"reason"},
		),

		VerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatguard_verdicts_total",
				Help: "Total number of detector verdicts by kind",
			},
			[]string{"verdict"},
		),

		DroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatguard_dropped_messages_total",
				Help: "Total number of accepted messages dropped before evaluation",
			},
			[]string{"reason"},
		),

		EvaluationTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threatguard_evaluation_seconds",
				Help:    "Time spent evaluating a single message",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),

		ActiveSources: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "threatguard_active_sources",
				Help: "Number of sources with live window state",
			},
		),

		EvictedSources: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "threatguard_evicted_sources_total",
				Help: "Total number of idle sources evicted from the detector",
			},
		),

		TransportErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatguard_transport_errors_total",
				Help: "Total number of transport errors",
			},
			[]string{"error_type"},
		),

		ReconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "threatguard_transport_reconnects_total",
				Help: "Total number of successful transport reconnects",
			},
		),

		DisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "threatguard_transport_disconnects_total",
				Help: "Total number of transport disconnects",
			},
		),

		AlertCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatguard_alerts_total",
				Help: "Total number of flood alerts raised",
			},
			[]string{"type", "severity"},
		),

		SinkFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatguard_alert_sink_failures_total",
				Help: "Total number of alert sink failures",
			},
			[]string{"sink"},
		),

		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatguard_commands_total",
				Help: "Mitigation commands by outcome (published, suppressed, failed, dropped)",
			},
			[]string{"command", "outcome"},
		),

		PublishRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "threatguard_command_publish_retries_total",
				Help: "Total number of command publish retries",
			},
		),

		ActiveMitigations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "threatguard_active_mitigations",
				Help: "Number of sources currently in the Mitigating state",
			},
		),
	}
}

// All recorders below are safe to call on a nil *PrometheusMetrics.

func (m *PrometheusMetrics) RecordMessage(status string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(status).Inc()
}

func (m *PrometheusMetrics) RecordMalformed(reason string) {
	if m == nil {
		return
	}
	m.MalformedTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) RecordVerdict(verdict string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(verdict).Inc()
	m.EvaluationTime.Observe(elapsed.Seconds())
}

func (m *PrometheusMetrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) SetActiveSources(n int) {
	if m == nil {
		return
	}
	m.ActiveSources.Set(float64(n))
}

func (m *PrometheusMetrics) RecordEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvictedSources.Add(float64(n))
}

func (m *PrometheusMetrics) RecordTransportError(errorType string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(errorType).Inc()
}

func (m *PrometheusMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

func (m *PrometheusMetrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.DisconnectsTotal.Inc()
}

func (m *PrometheusMetrics) RecordAlert(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertCounter.WithLabelValues(alertType, severity).Inc()
}

func (m *PrometheusMetrics) RecordSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}

func (m *PrometheusMetrics) RecordCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
}

func (m *PrometheusMetrics) RecordPublishRetry() {
	if m == nil {
		return
	}
	m.PublishRetries.Inc()
}

func (m *PrometheusMetrics) SetActiveMitigations(n int) {
	if m == nil {
		return
	}
	m.ActiveMitigations.Set(float64(n))
}
