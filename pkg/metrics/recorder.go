// Package metrics provides Prometheus instrumentation for the engine and a
// query service for reading aggregates back from a Prometheus server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records engine metrics. It satisfies orchestrator.Recorder and
// router.InvocationRecorder.
type Recorder struct {
	cyclesTotal      *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	agentResults     *prometheus.CounterVec
	invocationsTotal *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	spendTotal       *prometheus.CounterVec
	invokeDuration   *prometheus.HistogramVec
	overflowsTotal   *prometheus.CounterVec
}

// NewRecorder creates a recorder registered on the default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		cyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_cycles_total",
				Help: "Total number of cycles by final status",
			},
			[]string{"status"},
		),
		cycleDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_cycle_duration_seconds",
				Help:    "Duration of completed cycles in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		agentResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_agent_results_total",
				Help: "Total number of per-agent cycle results by status",
			},
			[]string{"agent_id", "status"},
		),
		invocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_provider_invocations_total",
				Help: "Total number of provider invocations by provider and outcome",
			},
			[]string{"provider_id", "status"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_provider_tokens_total",
				Help: "Total tokens exchanged with providers",
			},
			[]string{"provider_id", "type"},
		),
		spendTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_provider_spend_usd_total",
				Help: "Total committed spend in USD by provider",
			},
			[]string{"provider_id"},
		),
		invokeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_provider_invoke_duration_seconds",
				Help:    "Duration of provider invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider_id"},
		),
		overflowsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_bus_queue_overflows_total",
				Help: "Total events dropped due to full subscriber queues",
			},
			[]string{"topic", "subscriber"},
		),
	}
}

// ObserveCycle records a closed cycle.
func (r *Recorder) ObserveCycle(status string, duration time.Duration) {
	r.cyclesTotal.WithLabelValues(status).Inc()
	r.cycleDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveAgentResult records one agent's outcome within a cycle.
func (r *Recorder) ObserveAgentResult(agentID, status string) {
	r.agentResults.WithLabelValues(agentID, status).Inc()
}

// ObserveInvocation records a routed provider invocation.
func (r *Recorder) ObserveInvocation(providerID string, tokensIn, tokensOut int, costUSD float64, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.invocationsTotal.WithLabelValues(providerID, status).Inc()
	r.invokeDuration.WithLabelValues(providerID).Observe(duration.Seconds())

	if success {
		r.tokensTotal.WithLabelValues(providerID, "prompt").Add(float64(tokensIn))
		r.tokensTotal.WithLabelValues(providerID, "completion").Add(float64(tokensOut))
		r.spendTotal.WithLabelValues(providerID).Add(costUSD)
	}
}

// IncQueueOverflow records a dropped bus event.
func (r *Recorder) IncQueueOverflow(topic, subscriber string) {
	r.overflowsTotal.WithLabelValues(topic, subscriber).Inc()
}

// Handler returns the HTTP handler serving the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
