// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsSubmittedTotal         *prometheus.CounterVec
	jobsFinishedTotal          *prometheus.CounterVec
	jobsStalledTotal           prometheus.Counter
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchAttemptSeconds        *prometheus.HistogramVec
	escalationsTotal           *prometheus.CounterVec
	proxyCooldownsTotal        prometheus.Counter
	cacheLookupsTotal          *prometheus.CounterVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	fanoutChildrenTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	admissionWaitSeconds       prometheus.Histogram
	progressDroppedTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_jobs_submitted_total",
			Help: "Scrape submissions, labeled by whether they coalesced into a live job.",
		}, []string{"outcome"})
		jobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_jobs_finished_total",
			Help: "Jobs reaching a terminal state, labeled by status and source.",
		}, []string{"status", "source"})
		jobsStalledTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_jobs_stalled_total",
			Help: "Active jobs whose lease expired or whose worker crashed.",
		})
		fetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_attempts_total",
			Help: "Fetch attempts, labeled by tier, outcome and site.",
		}, []string{"tier", "outcome", "site"})
		fetchAttemptSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_fetch_attempt_seconds",
			Help:    "Histogram of fetch attempt latencies, labeled by tier.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}, []string{"tier"})
		escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_escalations_total",
			Help: "Tier escalations, labeled by source and target tier.",
		}, []string{"from", "to"})
		proxyCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_proxy_cooldowns_total",
			Help: "Times a proxy was cooled down after consecutive failures.",
		})
		cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_cache_lookups_total",
			Help: "Result cache lookups, labeled by result.",
		}, []string{"result"})
		webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_webhook_deliveries_total",
			Help: "Webhook deliveries, labeled by final outcome.",
		}, []string{"outcome"})
		fanoutChildrenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fanout_children_total",
			Help: "Recursive child submissions, labeled by outcome.",
		}, []string{"outcome"})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_active_workers",
			Help: "Number of workers currently processing a job.",
		})
		admissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_admission_wait_seconds",
			Help:    "Time workers spend waiting on the admission limiter.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		})
		progressDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_progress_events_dropped_total",
			Help: "Lifecycle events dropped because the progress hub buffer was full.",
		})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		}, []string{"method", "route"})
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveSubmit counts a submission; coalesced marks a dedup hit.
func ObserveSubmit(coalesced bool) {
	Init()
	outcome := "created"
	if coalesced {
		outcome = "coalesced"
	}
	jobsSubmittedTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob counts a terminal job. source is "fetch" or "cache".
func ObserveJob(status, source string) {
	Init()
	jobsFinishedTotal.WithLabelValues(status, source).Inc()
}

// ObserveStall counts a stalled job.
func ObserveStall() {
	Init()
	jobsStalledTotal.Inc()
}

// ObserveAttempt records one fetch attempt.
func ObserveAttempt(tier, outcome, rawURL string, elapsed time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(tier, outcome, SanitizeSite(rawURL)).Inc()
	fetchAttemptSeconds.WithLabelValues(tier).Observe(elapsed.Seconds())
}

// ObserveEscalation counts a move between tiers.
func ObserveEscalation(from, to string) {
	Init()
	escalationsTotal.WithLabelValues(from, to).Inc()
}

// ObserveProxyCooldown counts a proxy entering cooldown.
func ObserveProxyCooldown() {
	Init()
	proxyCooldownsTotal.Inc()
}

// ObserveCache records a cache hit or miss.
func ObserveCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveWebhook records the final outcome of a webhook delivery.
func ObserveWebhook(outcome string) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFanout records a child submission outcome.
func ObserveFanout(outcome string) {
	Init()
	fanoutChildrenTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveAdmissionWait records time spent blocked on the admission limiter.
func ObserveAdmissionWait(d time.Duration) {
	Init()
	admissionWaitSeconds.Observe(d.Seconds())
}

// ObserveProgressDropped counts lifecycle events lost to backpressure.
func ObserveProgressDropped(n int64) {
	Init()
	progressDroppedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
