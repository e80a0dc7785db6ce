package observability

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

// TransitMetrics aggregates the transit engine's Prometheus instruments.
// A nil *TransitMetrics is valid and records nothing.
type TransitMetrics struct {
    PacketsSent     *prometheus.CounterVec
    PacketsReceived *prometheus.CounterVec
    PendingRequests prometheus.Gauge
    RequestDuration prometheus.Histogram
    RequestTimeouts prometheus.Counter
}

// NewTransitMetrics registers the transit instruments with reg.
func NewTransitMetrics(reg prometheus.Registerer) *TransitMetrics {
    f := promauto.With(reg)
    return &TransitMetrics{
        PacketsSent: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: "meshrpc",
            Subsystem: "transit",
            Name:      "packets_sent_total",
            Help:      "Outbound packets published, by topic kind.",
        }, []string{"topic"}),
        PacketsReceived: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: "meshrpc",
            Subsystem: "transit",
            Name:      "packets_received_total",
            Help:      "Inbound packets dispatched, by topic kind.",
        }, []string{"topic"}),
        PendingRequests: f.NewGauge(prometheus.GaugeOpts{
            Namespace: "meshrpc",
            Subsystem: "transit",
            Name:      "pending_requests",
            Help:      "In-flight outbound requests awaiting a response.",
        }),
        RequestDuration: f.NewHistogram(prometheus.HistogramOpts{
            Namespace: "meshrpc",
            Subsystem: "transit",
            Name:      "request_duration_seconds",
            Help:      "Outbound request round-trip time.",
            Buckets:   prometheus.DefBuckets,
        }),
        RequestTimeouts: f.NewCounter(prometheus.CounterOpts{
            Namespace: "meshrpc",
            Subsystem: "transit",
            Name:      "request_timeouts_total",
            Help:      "Outbound requests that hit their deadline.",
        }),
    }
}

// Sent records one published packet.
func (m *TransitMetrics) Sent(topic string) {
    if m != nil {
        m.PacketsSent.WithLabelValues(topic).Inc()
    }
}

// Received records one dispatched packet.
func (m *TransitMetrics) Received(topic string) {
    if m != nil {
        m.PacketsReceived.WithLabelValues(topic).Inc()
    }
}

// PendingDelta moves the in-flight gauge.
func (m *TransitMetrics) PendingDelta(d float64) {
    if m != nil {
        m.PendingRequests.Add(d)
    }
}

// ObserveRequest records one completed request round trip.
func (m *TransitMetrics) ObserveRequest(seconds float64) {
    if m != nil {
        m.RequestDuration.Observe(seconds)
    }
}

// Timeout records one request deadline hit.
func (m *TransitMetrics) Timeout() {
    if m != nil {
        m.RequestTimeouts.Inc()
    }
}
