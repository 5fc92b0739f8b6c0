// Package metrics holds the Prometheus collectors of a dispatcher. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels of a finished request.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// UnsupportedMethod is recorded instead of peer-supplied method names that
// are not in the registry, keeping label cardinality bounded.
const UnsupportedMethod = "unsupported"

type Metrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	events     *prometheus.CounterVec
	sessions   prometheus.Gauge
	dropped    *prometheus.CounterVec
	sendErrors prometheus.Counter
}

// New registers the dispatcher collectors with reg. Dispatchers sharing one
// process should share one *Metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "juggler",
				Subsystem: "dispatcher",
				Name:      "requests_total",
				Help:      "Requests handled, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "juggler",
				Subsystem: "dispatcher",
				Name:      "request_duration_seconds",
				Help:      "Time from receiving a request to sending its response",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
			},
			[]string{"method"},
		),
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "juggler",
				Subsystem: "dispatcher",
				Name:      "events_total",
				Help:      "Events emitted to the peer",
			},
			[]string{"event"},
		),
		sessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "juggler",
				Subsystem: "dispatcher",
				Name:      "sessions",
				Help:      "Live non-root sessions",
			},
		),
		dropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "juggler",
				Subsystem: "dispatcher",
				Name:      "dropped_messages_total",
				Help:      "Messages that could not be answered or delivered",
			},
			[]string{"reason"},
		),
		sendErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "juggler",
				Subsystem: "transport",
				Name:      "send_errors_total",
				Help:      "Failed writes to the transport",
			},
		),
	}
}

func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}
