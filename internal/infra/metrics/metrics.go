// Package metrics exposes client-side stream and upload counters in
// Prometheus format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"assistant-chat/internal/infra/config"
)

// Turn and upload outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected" // refused locally, no network call
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	unitsReassembled prometheus.Counter
	chunks           *prometheus.CounterVec
	malformedUnits   prometheus.Counter
	turns            *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	turnsInFlight    prometheus.Gauge
	uploads          *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	snapshots        prometheus.Counter
}

// New builds the collectors. It returns nil when metrics are disabled.
func New(cfg config.MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	ns := cfg.Namespace
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		unitsReassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream", Name: "units_total",
			Help: "Serialized chunks recovered from the response byte stream.",
		}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream", Name: "chunks_total",
			Help: "Classified chunks by kind.",
		}, []string{"kind"}),
		malformedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream", Name: "malformed_units_total",
			Help: "Units that could not be parsed or classified.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream", Name: "turns_total",
			Help: "Settled turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "stream", Name: "turn_duration_seconds",
			Help:    "Time from submit to settle.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		turnsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "stream", Name: "turns_in_flight",
			Help: "Turns currently streaming.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "attachment", Name: "uploads_total",
			Help: "Attachment uploads by outcome.",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "attachment", Name: "upload_bytes_total",
			Help: "Bytes of successfully uploaded attachments.",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "thread", Name: "snapshots_total",
			Help: "Thread snapshots published to listeners.",
		}),
	}
	m.registry.MustRegister(
		m.unitsReassembled, m.chunks, m.malformedUnits,
		m.turns, m.turnDuration, m.turnsInFlight,
		m.uploads, m.uploadBytes, m.snapshots,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the private registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) UnitReassembled() {
	if m != nil {
		m.unitsReassembled.Inc()
	}
}

func (m *Metrics) Chunk(kind string) {
	if m != nil {
		m.chunks.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MalformedUnit() {
	if m != nil {
		m.malformedUnits.Inc()
	}
}

// TurnStarted marks a turn as in flight and returns a func that settles it.
func (m *Metrics) TurnStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.turnsInFlight.Inc()
	return func(outcome string) {
		m.turnsInFlight.Dec()
		m.turns.WithLabelValues(outcome).Inc()
		m.turnDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Upload(outcome string, size int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess && size > 0 {
		m.uploadBytes.Add(float64(size))
	}
}

func (m *Metrics) Snapshot() {
	if m != nil {
		m.snapshots.Inc()
	}
}
