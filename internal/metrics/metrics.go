// Package metrics exposes Prometheus collectors for the harvester.
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
	ingestRecordsTotal           *prometheus.CounterVec
	downloadsTotal               *prometheus.CounterVec
	downloadBytesTotal           prometheus.Counter
	blobPutsTotal                *prometheus.CounterVec
	extractionsTotal             *prometheus.CounterVec
	indexFlushesTotal            *prometheus.CounterVec
	indexDocumentsTotal          prometheus.Counter
	passDurationSeconds          *prometheus.HistogramVec
	activeWorkers                prometheus.Gauge
	rateLimitDelaysSeconds       *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	searchDegradedResponsesTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_ingest_records_total",
				Help: "Upstream records seen by the registrar, labeled by outcome (new, duplicate, rejected).",
			},
			[]string{"outcome"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Download attempts, labeled by outcome (verified, unverified, local, failed).",
			},
			[]string{"outcome"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_download_bytes_total",
				Help: "Total number of bytes fetched from the archive.",
			},
		)

		blobPutsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_blob_puts_total",
				Help: "Content store writes, labeled by result (created, deduplicated, collision).",
			},
			[]string{"result"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_extractions_total",
				Help: "Snapshot extractions, labeled by status.",
			},
			[]string{"status"},
		)

		indexFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_index_flushes_total",
				Help: "Batched index writes, labeled by status.",
			},
			[]string{"status"},
		)

		indexDocumentsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_index_documents_total",
				Help: "Documents written to the search index.",
			},
		)

		passDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_pass_duration_seconds",
				Help:    "Histogram of pipeline pass durations, labeled by status.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_download_workers",
				Help: "Number of workers currently attempting a download.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
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

		searchDegradedResponsesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_search_degraded_total",
				Help: "Search requests answered with a degraded response because the index was unreachable.",
			},
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
	Init()
	return promhttp.Handler()
}

// ObserveIngest records registrar outcomes for one batch.
func ObserveIngest(created, duplicate, rejected int) {
	Init()
	ingestRecordsTotal.WithLabelValues("new").Add(float64(created))
	ingestRecordsTotal.WithLabelValues("duplicate").Add(float64(duplicate))
	ingestRecordsTotal.WithLabelValues("rejected").Add(float64(rejected))
}

// ObserveDownload records one download attempt.
func ObserveDownload(outcome string, bytesFetched int) {
	Init()
	downloadsTotal.WithLabelValues(outcome).Inc()
	if bytesFetched > 0 {
		downloadBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveBlobPut records one content store write.
func ObserveBlobPut(result string) {
	Init()
	blobPutsTotal.WithLabelValues(result).Inc()
}

// ObserveExtraction records one extraction attempt.
func ObserveExtraction(status string) {
	Init()
	extractionsTotal.WithLabelValues(status).Inc()
}

// ObserveIndexFlush records one batched index write.
func ObserveIndexFlush(status string, documents int) {
	Init()
	indexFlushesTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		indexDocumentsTotal.Add(float64(documents))
	}
}

// ObservePass records the duration of a pipeline pass.
func ObservePass(status string, duration time.Duration) {
	Init()
	passDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
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

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSearchDegraded counts a degraded search response.
func ObserveSearchDegraded() {
	Init()
	searchDegradedResponsesTotal.Inc()
}
