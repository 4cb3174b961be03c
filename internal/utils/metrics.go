package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// SettlementMetrics holds the reconciliation counters exposed on /metrics.
// Each instance owns its registry.
type SettlementMetrics struct {
	Registry *prometheus.Registry

	ticks              *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	checks             *prometheus.CounterVec
	verificationErrors *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	notifierFailures   prometheus.Counter
	pendingIntents     prometheus.Gauge
}

func NewSettlementMetrics() *SettlementMetrics {
	registry := prometheus.NewRegistry()
	m := &SettlementMetrics{
		Registry: registry,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "monitor_ticks_total",
			Help:      "Reconciliation ticks by result (completed, skipped_overlap, skipped_lease).",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "monitor_tick_duration_seconds",
			Help:      "Duration of a full reconciliation pass.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "intent_checks_total",
			Help:      "Per-intent verification outcomes.",
		}, []string{"currency", "outcome"}),
		verificationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "verification_errors_total",
			Help:      "Transient chain verification failures.",
		}, []string{"currency"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "transitions_total",
			Help:      "Payment intent state transitions by status and source.",
		}, []string{"status", "source"}),
		notifierFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "notifier_failures_total",
			Help:      "Settlement notifications that failed after a transition.",
		}),
		pendingIntents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "pending_intents",
			Help:      "Pending crypto intents seen by the last tick.",
		}),
	}

	registry.MustRegister(
		m.ticks, m.tickDuration, m.checks, m.verificationErrors,
		m.settlements, m.notifierFailures, m.pendingIntents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *SettlementMetrics) TickCompleted(duration time.Duration, pending int) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues("completed").Inc()
	m.tickDuration.Observe(duration.Seconds())
	m.pendingIntents.Set(float64(pending))
}

func (m *SettlementMetrics) TickSkipped(reason string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(reason).Inc()
}

func (m *SettlementMetrics) IntentChecked(currency string, outcome string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(currency, outcome).Inc()
}

func (m *SettlementMetrics) VerificationFailed(currency string) {
	if m == nil {
		return
	}
	m.verificationErrors.WithLabelValues(currency).Inc()
}

func (m *SettlementMetrics) Transitioned(status string, source string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(status, source).Inc()
}

func (m *SettlementMetrics) NotifierFailed() {
	if m == nil {
		return
	}
	m.notifierFailures.Inc()
}
