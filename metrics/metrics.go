// Package metrics exposes Prometheus collectors for poll cycles and replies.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the autoresponder collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	items         *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoresponder",
			Name:      "poll_cycles_total",
			Help:      "Poll cycles run, by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autoresponder",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Wall time of one poll cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoresponder",
			Name:      "items_total",
			Help:      "Threads and issues evaluated, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autoresponder",
			Name:      "last_successful_cycle_timestamp_seconds",
			Help:      "Unix time of the last cycle that finished without a cycle-level error.",
		}),
	}
	reg.MustRegister(m.cycles, m.cycleDuration, m.items, m.lastSuccess)
	return m
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	if err != nil {
		m.cycles.WithLabelValues("error").Inc()
		return
	}
	m.cycles.WithLabelValues("ok").Inc()
	m.lastSuccess.SetToCurrentTime()
}

// ObserveItem records the outcome of one thread or issue.
func (m *Metrics) ObserveItem(kind, outcome string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(kind, outcome).Inc()
}
