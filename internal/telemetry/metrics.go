package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes recorded by ObserveJob.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeRequeued  = "requeued"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_jobs_total",
			Help: "Total number of jobs processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	retriesScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_scheduled_total",
			Help: "Total number of jobs parked in the retry queue.",
		},
	)

	permanentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_permanent_failures_total",
			Help: "Jobs that will never be retried, labeled by failure reason.",
		},
		[]string{"reason"},
	)

	workflowQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_workflow_queue_depth",
			Help: "Items waiting in the workflow queue.",
		},
	)

	retryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_retry_queue_depth",
			Help: "Items waiting in the retry queue.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	ready = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_ready",
			Help: "1 when every dependency probe succeeds, 0 otherwise.",
		},
	)

	componentUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scraper_component_up",
			Help: "Result of the last dependency probe, labeled by component.",
		},
		[]string{"component"},
	)

	memoryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_memory_writes_total",
			Help: "Memory tier writes, labeled by tier and result.",
		},
		[]string{"tier", "result"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_fetches_total",
			Help: "Product page fetches, labeled by site, status and mode.",
		},
		[]string{"site", "status", "mode"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_fetch_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveJob records a job outcome.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetryScheduled records a job parked for retry.
func ObserveRetryScheduled() {
	retriesScheduledTotal.Inc()
}

// ObservePermanentFailure records a job that will not be retried.
func ObservePermanentFailure(reason string) {
	permanentFailuresTotal.WithLabelValues(reason).Inc()
}

// SetWorkflowQueueDepth publishes the workflow queue length.
func SetWorkflowQueueDepth(n int) {
	workflowQueueDepth.Set(float64(n))
}

// SetRetryQueueDepth publishes the retry queue length.
func SetRetryQueueDepth(n int) {
	retryQueueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetReady publishes overall readiness.
func SetReady(ok bool) {
	ready.Set(boolGauge(ok))
}

// SetComponentUp publishes a single probe result.
func SetComponentUp(component string, ok bool) {
	componentUp.WithLabelValues(component).Set(boolGauge(ok))
}

// ObserveMemoryWrite records a tier write result ("ok", "conflict", "error").
func ObserveMemoryWrite(tier, result string) {
	memoryWritesTotal.WithLabelValues(tier, result).Inc()
}

// ObserveFetch records a product page fetch.
func ObserveFetch(site string, status string, headless bool, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	mode := "http"
	if headless {
		mode = "headless"
	}
	fetchesTotal.WithLabelValues(sanitizedSite, status, mode).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
