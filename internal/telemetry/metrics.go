package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cdr_webhooks_total", Help: "Webhook deliveries by vendor and outcome"}, []string{"vendor", "outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "cdr_webhook_rate_limit_rejects_total", Help: "Webhook deliveries rejected by the rate limiter"})
	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "cdr_jobs_enqueued_total", Help: "Pipeline jobs created"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cdr_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cdr_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cdr_jobs_retried_total", Help: "Jobs scheduled for retry, by failed step"}, []string{"step"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cdr_jobs_failed_total", Help: "Jobs failed permanently, by failed step"}, []string{"step"})
	JobsAbandoned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cdr_jobs_abandoned_total", Help: "Jobs left in processing when the drain timeout expired"})
	JobsRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "cdr_jobs_requeued_total", Help: "Jobs re-armed by an operator"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cdr_jobs_inflight", Help: "Jobs currently running in this worker"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "cdr_jobs_by_status", Help: "Jobs per status"}, []string{"status"})
	StageDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdr_stage_duration_seconds",
		Help:    "Pipeline stage latency",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"step", "outcome"})
	UsageCalls   = prometheus.NewCounter(prometheus.CounterOpts{Name: "cdr_usage_calls_total", Help: "Calls added to the billing ledger"})
	UsageSeconds = prometheus.NewCounter(prometheus.CounterOpts{Name: "cdr_usage_billable_seconds_total", Help: "Billable seconds added to the billing ledger"})
)

// Register adds the collectors to the default registry once per process.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			RateLimitRejects,
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsAbandoned,
			JobsRequeued,
			InFlightGauge,
			QueueDepthGauge,
			StageDuration,
			UsageCalls,
			UsageSeconds,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
