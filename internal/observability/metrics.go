package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	runningOps *prometheus.GaugeVec
	pendingOps *prometheus.GaugeVec

	submissionsTotal *prometheus.CounterVec
	promotionsTotal  *prometheus.CounterVec
	completionsTotal *prometheus.CounterVec

	dispatchDuration *prometheus.HistogramVec
	dispatchTotal    *prometheus.CounterVec
	fallbackTotal    prometheus.Counter
	retriesTotal     *prometheus.CounterVec

	ledgerWriteDuration prometheus.Histogram
	sweepEvictedTotal   *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runningOps: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "ops_running",
					Help: "Operations currently running by workspace.",
				},
				[]string{"workspace"},
			),
			pendingOps: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "ops_pending",
					Help: "Operations currently queued by workspace.",
				},
				[]string{"workspace"},
			),
			submissionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ops_submissions_total",
					Help: "Total submissions by admission outcome (running, queued, rejected).",
				},
				[]string{"outcome"},
			),
			promotionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ops_promotions_total",
					Help: "Total pending-to-running promotions by workspace.",
				},
				[]string{"workspace"},
			),
			completionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ops_completions_total",
					Help: "Total completed operations by terminal status.",
				},
				[]string{"status"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "engine_dispatch_duration_seconds",
					Help:    "Worker dispatch duration in seconds by channel and method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"channel", "method"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "engine_dispatch_total",
					Help: "Total worker dispatches by channel, method and status.",
				},
				[]string{"channel", "method", "status"},
			),
			fallbackTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "engine_fallback_total",
					Help: "Total daemon-to-subprocess fallbacks.",
				},
			),
			retriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "engine_retries_total",
					Help: "Total dispatch retries by retryable-error kind.",
				},
				[]string{"kind"},
			),
			ledgerWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ledger_write_duration_seconds",
					Help:    "Ledger persistence duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sweepEvictedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sweep_evicted_total",
					Help: "Total ledger entries evicted by the sweeper, by status.",
				},
				[]string{"status"},
			),
			sweepDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sweep_duration_seconds",
					Help:    "Cleanup sweep duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.runningOps,
			m.pendingOps,
			m.submissionsTotal,
			m.promotionsTotal,
			m.completionsTotal,
			m.dispatchDuration,
			m.dispatchTotal,
			m.fallbackTotal,
			m.retriesTotal,
			m.ledgerWriteDuration,
			m.sweepEvictedTotal,
			m.sweepDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetOpCounts(workspace string, running, pending int) {
	m := getMetrics()
	m.runningOps.WithLabelValues(workspace).Set(float64(running))
	m.pendingOps.WithLabelValues(workspace).Set(float64(pending))
}

func RecordSubmission(outcome string) {
	getMetrics().submissionsTotal.WithLabelValues(outcome).Inc()
}

func RecordPromotion(workspace string) {
	getMetrics().promotionsTotal.WithLabelValues(workspace).Inc()
}

func RecordCompletion(status string) {
	getMetrics().completionsTotal.WithLabelValues(status).Inc()
}

func RecordDispatch(channel, method string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dispatchTotal.WithLabelValues(channel, method, status).Inc()
	m.dispatchDuration.WithLabelValues(channel, method).Observe(duration.Seconds())
}

func RecordFallback() {
	getMetrics().fallbackTotal.Inc()
}

func RecordRetry(kind string) {
	getMetrics().retriesTotal.WithLabelValues(kind).Inc()
}

func RecordLedgerWrite(duration time.Duration) {
	getMetrics().ledgerWriteDuration.Observe(duration.Seconds())
}

func RecordSweep(duration time.Duration, evictedByStatus map[string]int) {
	m := getMetrics()
	m.sweepDuration.Observe(duration.Seconds())
	for status, count := range evictedByStatus {
		m.sweepEvictedTotal.WithLabelValues(status).Add(float64(count))
	}
}
