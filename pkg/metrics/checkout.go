package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kluret"

// CheckoutMetrics tracks payment session lifecycle events.
type CheckoutMetrics struct {
	transitions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	polls       *prometheus.CounterVec
	reconciles  *prometheus.CounterVec
	gatewayTime *prometheus.HistogramVec
	activeRuns  prometheus.Gauge
}

// NewCheckoutMetrics registers the checkout collectors on reg. A nil registerer
// yields a no-op recorder.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	m := &CheckoutMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "session_transitions_total",
			Help:      "Payment session state transitions.",
		}, []string{"method", "from", "to"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "session_outcomes_total",
			Help:      "Terminal payment session outcomes by failure kind.",
		}, []string{"method", "state", "failure_kind"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "poll_ticks_total",
			Help:      "Gateway status poll ticks by result.",
		}, []string{"result"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "reconciliations_total",
			Help:      "Order reconciliation passes by result.",
		}, []string{"result"}),
		gatewayTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "active_runs",
			Help:      "Sessions currently driven by this process.",
		}),
	}
	reg.MustRegister(m.transitions, m.outcomes, m.polls, m.reconciles, m.gatewayTime, m.activeRuns)
	return m
}

func (m *CheckoutMetrics) ObserveTransition(method, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(method), normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *CheckoutMetrics) ObserveOutcome(method, state, failureKind string) {
	if m == nil || m.outcomes == nil {
		return
	}
	if failureKind == "" {
		failureKind = "none"
	}
	m.outcomes.WithLabelValues(normalizeLabel(method), normalizeLabel(state), failureKind).Inc()
}

func (m *CheckoutMetrics) IncPoll(result string) {
	if m == nil || m.polls == nil {
		return
	}
	m.polls.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *CheckoutMetrics) IncReconcile(result string) {
	if m == nil || m.reconciles == nil {
		return
	}
	m.reconciles.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *CheckoutMetrics) ObserveGatewayCall(op, outcome string, d time.Duration) {
	if m == nil || m.gatewayTime == nil {
		return
	}
	m.gatewayTime.WithLabelValues(normalizeLabel(op), normalizeLabel(outcome)).Observe(d.Seconds())
}

func (m *CheckoutMetrics) SetActiveRuns(n int) {
	if m == nil || m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(float64(n))
}
