package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Outcome string

const (
	OutcomeSuspended Outcome = "suspended"
	OutcomeExpired   Outcome = "expired"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// Metrics manages Prometheus instrumentation for the lifecycle engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reconcileRuns     *prometheus.CounterVec
	reconcileOutcomes *prometheus.CounterVec
	gatewayRequests   *prometheus.CounterVec
	gatewayLatency    *prometheus.HistogramVec
	renewals          *prometheus.CounterVec
	eventsRecorded    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hostpanel",
				Name:      "reconcile_runs_total",
				Help:      "Total expiry reconcile runs by trigger surface.",
			},
			[]string{"surface"},
		),
		reconcileOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hostpanel",
				Name:      "reconcile_outcomes_total",
				Help:      "Total per-instance reconcile outcomes.",
			},
			[]string{"outcome"},
		),
		gatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hostpanel",
				Name:      "gateway_requests_total",
				Help:      "Total remote gateway requests by operation and result.",
			},
			[]string{"op", "result"},
		),
		gatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hostpanel",
				Name:      "gateway_request_seconds",
				Help:      "Remote gateway request latency.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"op"},
		),
		renewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hostpanel",
				Name:      "renewals_total",
				Help:      "Total renewal attempts by result.",
			},
			[]string{"result"},
		),
		eventsRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hostpanel",
				Name:      "lifecycle_events_recorded_total",
				Help:      "Total lifecycle events written to the event log.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.reconcileRuns,
			m.reconcileOutcomes,
			m.gatewayRequests,
			m.gatewayLatency,
			m.renewals,
			m.eventsRecorded,
		)
	}
	return m
}

func (m *Metrics) RecordRun(surface string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(surface).Inc()
}

func (m *Metrics) RecordOutcome(o Outcome) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(string(o)).Inc()
}

// ObserveGateway records one gateway call. result is "ok", "transient" or "permanent".
func (m *Metrics) ObserveGateway(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(op, result).Inc()
	m.gatewayLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRenewal(result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordEvent() {
	if m == nil {
		return
	}
	m.eventsRecorded.Inc()
}
