package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	RetriesTotal       prometheus.Counter
	LockWaitDuration   prometheus.Histogram
	ChargesAssessed    prometheus.Counter
	EarningsRouted     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_total",
				Help: "Settlement outcomes by result (completed or a rejection code).",
			},
			[]string{"result"},
		),
		SettlementDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_duration_seconds",
				Help:    "End-to-end settlement latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_retries_total",
				Help: "Settlement attempts re-run after transient lock contention.",
			},
		),
		LockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_lock_wait_seconds",
				Help:    "Time spent acquiring the account lock pair.",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
			},
		),
		ChargesAssessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_charges_assessed_total",
				Help: "Fee charge line-items assessed.",
			},
		),
		EarningsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_earnings_routed_total",
				Help: "Charge line-items routed to hierarchy nodes, by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		),
	}

	registry.MustRegister(
		m.SettlementsTotal,
		m.SettlementDuration,
		m.RetriesTotal,
		m.LockWaitDuration,
		m.ChargesAssessed,
		m.EarningsRouted,
	)
	return m
}

func (m *Metrics) observeOutcome(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(result).Inc()
	m.SettlementDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) addCharges(n int) {
	if m == nil {
		return
	}
	m.ChargesAssessed.Add(float64(n))
}

func (m *Metrics) routeEarnings(tier string, outcome string) {
	if m == nil {
		return
	}
	m.EarningsRouted.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) addRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}
