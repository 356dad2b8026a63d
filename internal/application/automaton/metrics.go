package automaton

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the runner's operational counters. Register once per process.
type Metrics struct {
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	pluginResults    *prometheus.CounterVec
	retriesScheduled prometheus.Counter
	lockFailures     prometheus.Counter
}

// NewMetrics builds and registers the runner metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_runs_total",
				Help: "Automaton runs by transaction type and final attempt state.",
			},
			[]string{"transaction_type", "state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_run_duration_seconds",
				Help:    "Duration of one automaton run in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transaction_type"},
		),
		pluginResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_plugin_results_total",
				Help: "Raw processor plugin results before control policy.",
			},
			[]string{"transaction_type", "raw_result"},
		),
		retriesScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_retries_scheduled_total",
				Help: "Retry jobs handed to the scheduler.",
			},
		),
		lockFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_account_lock_failures_total",
				Help: "Runs aborted because the account lock could not be acquired.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.runDuration, m.pluginResults, m.retriesScheduled, m.lockFailures)
	}
	return m
}

func (m *Metrics) observeRun(transactionType, state string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(transactionType, state).Inc()
	m.runDuration.WithLabelValues(transactionType).Observe(seconds)
}

func (m *Metrics) observePluginResult(transactionType string, raw RawResult) {
	if m == nil {
		return
	}
	m.pluginResults.WithLabelValues(transactionType, string(raw)).Inc()
}

func (m *Metrics) observeRetryScheduled() {
	if m == nil {
		return
	}
	m.retriesScheduled.Inc()
}

func (m *Metrics) observeLockFailure() {
	if m == nil {
		return
	}
	m.lockFailures.Inc()
}
