// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerBlocksTotal            *prometheus.CounterVec
	crawlerEscalationsTotal       *prometheus.CounterVec
	crawlerVerificationsTotal     *prometheus.CounterVec
	crawlerExtractionsTotal       *prometheus.CounterVec
	crawlerArticlesTotal          *prometheus.CounterVec
	crawlerQueueItemsTotal        *prometheus.CounterVec
	crawlerUploadsTotal           *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of page fetches, labeled by site, tier and status code.",
			},
			[]string{"site", "tier", "code"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by tier.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tier"},
		)

		crawlerBlocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_blocks_total",
				Help: "Block signals seen, labeled by site and reason.",
			},
			[]string{"site", "reason"},
		)

		crawlerEscalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_proxy_escalations_total",
				Help: "Requests retried on a higher proxy tier, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerVerificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_session_verifications_total",
				Help: "Browser session verifications, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerExtractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_extractions_total",
				Help: "Extraction attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		crawlerArticlesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_articles_total",
				Help: "Articles handled by the batch writer, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerQueueItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_queue_items_total",
				Help: "Queue items finished by workers, labeled by final status.",
			},
			[]string{"status"},
		)

		crawlerUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_uploads_total",
				Help: "Output file uploads, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a page.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	return promhttp.Handler()
}

// ObserveFetch records one completed fetch.
func ObserveFetch(site, tier string, code int, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, tier, strconv.Itoa(code)).Inc()
	crawlerFetchDurationSeconds.WithLabelValues(tier).Observe(duration.Seconds())
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveBlock counts a block signal. reason is "status" or "challenge".
func ObserveBlock(site, reason string) {
	Init()
	crawlerBlocksTotal.WithLabelValues(SanitizeSite(site), reason).Inc()
}

// ObserveEscalation counts a retry on a higher proxy tier.
func ObserveEscalation(site string) {
	Init()
	crawlerEscalationsTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveVerification counts a session verification attempt.
func ObserveVerification(outcome string) {
	Init()
	crawlerVerificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtraction counts one strategy attempt.
func ObserveExtraction(strategy, outcome string) {
	Init()
	crawlerExtractionsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveArticles adds n articles with the given outcome.
func ObserveArticles(outcome string, n int) {
	Init()
	if n > 0 {
		crawlerArticlesTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveQueueItem counts a queue item reaching status.
func ObserveQueueItem(status string) {
	Init()
	crawlerQueueItemsTotal.WithLabelValues(status).Inc()
}

// ObserveUpload counts an output upload.
func ObserveUpload(outcome string) {
	Init()
	crawlerUploadsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
