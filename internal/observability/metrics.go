package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the runtime.
type Metrics struct {
	runs     *prometheus.CounterVec
	leases   *prometheus.CounterVec
	retries  *prometheus.CounterVec
	reaps    *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_runs_total",
		Help: "Total runs by terminal or transitional status.",
	}, []string{"status"})
	leases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_leases_total",
		Help: "Total lease operations by outcome (claimed, extended, lost).",
	}, []string{"outcome"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_retries_total",
		Help: "Total retry requeues by agent_key.",
	}, []string{"agent_key"})
	reaps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_reaps_total",
		Help: "Total lease reaper sweeps that processed at least one run, by outcome label.",
	}, []string{"outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrun_failures_total",
		Help: "Total terminal failures by error kind.",
	}, []string{"kind"})

	runs = registerCounterVec(registerer, runs)
	leases = registerCounterVec(registerer, leases)
	retries = registerCounterVec(registerer, retries)
	reaps = registerCounterVec(registerer, reaps)
	failures = registerCounterVec(registerer, failures)

	return &Metrics{
		runs:     runs,
		leases:   leases,
		retries:  retries,
		reaps:    reaps,
		failures: failures,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncRun(status string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) IncLease(outcome string) {
	if m == nil || m.leases == nil {
		return
	}
	m.leases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRetry(agentKey string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(agentKey).Inc()
}

func (m *Metrics) IncReap(outcome string) {
	if m == nil || m.reaps == nil {
		return
	}
	m.reaps.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
