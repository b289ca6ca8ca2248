// Package metrics holds the Prometheus instruments for call signaling. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wirechat"

type Metrics struct {
	callsStarted   *prometheus.CounterVec
	callsAnswered  prometheus.Counter
	callsEnded     *prometheus.CounterVec
	callsFailed    *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callDuration   prometheus.Histogram
	glareIgnored   prometheus.Counter
	candidates     *prometheus.CounterVec
	storeConflicts prometheus.Counter
}

// New registers every instrument with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Calls started from this device.",
		}, []string{"type"}),
		callsAnswered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_answered_total",
			Help:      "Incoming calls answered on this device.",
		}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls that reached a terminal state, by reason.",
		}, []string{"reason"}),
		callsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_failed_total",
			Help:      "Calls that failed, by error code.",
		}, []string{"code"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently ringing or connected on this device.",
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from start to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
		glareIgnored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_glare_ignored_total",
			Help:      "Descriptions ignored because negotiation had already settled.",
		}),
		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_candidates_total",
			Help:      "Negotiation candidates by direction and outcome.",
		}, []string{"direction", "outcome"}),
		storeConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_store_conflicts_total",
			Help:      "Session writes retried after a version conflict.",
		}),
	}
}

func (m *Metrics) CallStarted(callType string) {
	if m == nil {
		return
	}
	m.callsStarted.WithLabelValues(callType).Inc()
	m.callsActive.Inc()
}

func (m *Metrics) CallAnswered() {
	if m == nil {
		return
	}
	m.callsAnswered.Inc()
	m.callsActive.Inc()
}

// CallEnded records a terminal transition of a call that was counted active.
func (m *Metrics) CallEnded(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(reason).Inc()
	m.callsActive.Dec()
	if duration > 0 {
		m.callDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) CallFailed(code string) {
	if m == nil {
		return
	}
	m.callsFailed.WithLabelValues(code).Inc()
}

func (m *Metrics) GlareIgnored() {
	if m == nil {
		return
	}
	m.glareIgnored.Inc()
}

// Candidate counts one candidate; outcome is e.g. "published", "applied",
// "own" or "error".
func (m *Metrics) Candidate(direction, outcome string) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) StoreConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}
