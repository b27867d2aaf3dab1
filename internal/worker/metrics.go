package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	outcomes      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	dequeueErrors *prometheus.CounterVec
	poisoned      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "job_outcomes_total",
			Help:      "Handled jobs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobqueue",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		dequeueErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "dequeue_errors_total",
			Help:      "Failed dequeue or claim calls by kind and reason.",
		}, []string{"kind", "reason"}),
		poisoned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "poison_messages_total",
			Help:      "Messages force-acknowledged after exhausting retries.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) observe(kind string, o Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind, string(o)).Inc()
	if o.Processed() {
		m.duration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) dequeueError(kind, reason string) {
	if m == nil {
		return
	}
	m.dequeueErrors.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) poison(kind string) {
	if m == nil {
		return
	}
	m.poisoned.WithLabelValues(kind).Inc()
}
