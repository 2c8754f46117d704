// Package metrics exposes Prometheus collectors for fleet participants.
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
	envelopesPublishedTotal    *prometheus.CounterVec
	envelopesReceivedTotal     *prometheus.CounterVec
	envelopesDroppedTotal      *prometheus.CounterVec
	publishRetriesTotal        prometheus.Counter
	publishFailuresTotal       *prometheus.CounterVec
	dispatchesTotal            *prometheus.CounterVec
	workersEvictedTotal        prometheus.Counter
	liveWorkers                prometheus.Gauge
	jobsTotal                  *prometheus.CounterVec
	crawlerPagesTotal          *prometheus.CounterVec
	robotsFallbacksTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observers are no-ops until
// Init has run.
func Init() {
	once.Do(func() {
		envelopesPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_envelopes_published_total",
				Help: "Envelopes successfully published, labeled by command.",
			},
			[]string{"command"},
		)

		envelopesReceivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_envelopes_received_total",
				Help: "Envelopes delivered to a participant handler, labeled by command.",
			},
			[]string{"command"},
		)

		envelopesDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_envelopes_dropped_total",
				Help: "Inbound envelopes dropped before reaching a handler, labeled by reason.",
			},
			[]string{"reason"},
		)

		publishRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_publish_retries_total",
				Help: "Publish attempts retried after a transport error.",
			},
		)

		publishFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_publish_failures_total",
				Help: "Publishes that exhausted their retry budget, labeled by command.",
			},
			[]string{"command"},
		)

		dispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_dispatches_total",
				Help: "Dispatch decisions taken by the scheduler, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		workersEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_workers_evicted_total",
				Help: "Worker records dropped by the liveness sweep.",
			},
		)

		liveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_live_workers",
				Help: "Workers seen available within the liveness window.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_jobs_total",
				Help: "Crawl jobs ended by scrapers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallbacks_total",
				Help: "robots.txt probes answered with allow-all after retries, labeled by site and reason.",
			},
			[]string{"site", "reason"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
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

// ObservePublished counts a successful publish.
func ObservePublished(command string) {
	if envelopesPublishedTotal != nil {
		envelopesPublishedTotal.WithLabelValues(command).Inc()
	}
}

// ObserveReceived counts an envelope handed to a handler.
func ObserveReceived(command string) {
	if envelopesReceivedTotal != nil {
		envelopesReceivedTotal.WithLabelValues(command).Inc()
	}
}

// ObserveDropped counts an inbound envelope discarded for reason.
func ObserveDropped(reason string) {
	if envelopesDroppedTotal != nil {
		envelopesDroppedTotal.WithLabelValues(reason).Inc()
	}
}

// ObservePublishRetry counts a retried publish attempt.
func ObservePublishRetry() {
	if publishRetriesTotal != nil {
		publishRetriesTotal.Inc()
	}
}

// ObservePublishFailure counts a publish that gave up.
func ObservePublishFailure(command string) {
	if publishFailuresTotal != nil {
		publishFailuresTotal.WithLabelValues(command).Inc()
	}
}

// ObserveDispatch counts a scheduler decision ("dispatched", "rolled_back").
func ObserveDispatch(outcome string) {
	if dispatchesTotal != nil {
		dispatchesTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveEvictions counts workers dropped by a liveness sweep.
func ObserveEvictions(n int) {
	if workersEvictedTotal != nil && n > 0 {
		workersEvictedTotal.Add(float64(n))
	}
}

// SetLiveWorkers records the current live worker count.
func SetLiveWorkers(n int) {
	if liveWorkers != nil {
		liveWorkers.Set(float64(n))
	}
}

// ObserveJob counts a finished crawl job ("success", "failure", "aborted").
func ObserveJob(outcome string) {
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveCrawl increments the page counter for site.
func ObserveCrawl(site string, status string) {
	if crawlerPagesTotal != nil {
		crawlerPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
	}
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(site, reason string) {
	if robotsFallbacksTotal != nil {
		robotsFallbacksTotal.WithLabelValues(SanitizeSite(site), reason).Inc()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds != nil {
		rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
