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
	admissionWaitSeconds       *prometheus.HistogramVec
	inFlightAttempts           prometheus.Gauge
	escalationsTotal           *prometheus.CounterVec
	quarantinesTotal           *prometheus.CounterVec
	chainsTotal                *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_admission_wait_seconds",
				Help:    "Time spent waiting for a rate token and concurrency slot, labeled by target.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"target"},
		)

		inFlightAttempts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_in_flight_attempts",
				Help: "Number of attempts currently holding a concurrency slot.",
			},
		)

		escalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_escalations_total",
				Help: "Strategy escalations, labeled by target and destination tier.",
			},
			[]string{"target", "tier"},
		)

		quarantinesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_identity_quarantines_total",
				Help: "Identities quarantined, labeled by target.",
			},
			[]string{"target"},
		)

		chainsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_chains_total",
				Help: "Finished query chains, labeled by terminal status.",
			},
			[]string{"status"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Deduplicated records written, labeled by target.",
			},
			[]string{"target"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of campaign workers currently running a chain.",
			},
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

// SanitizeSite sanitizes a URL or bare host to a lowercase hostname.
// It returns "unknown" if the input is invalid.
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

// ObserveAdmissionWait records how long an admission blocked.
func ObserveAdmissionWait(target string, d time.Duration) {
	Init()
	admissionWaitSeconds.WithLabelValues(SanitizeSite(target)).Observe(d.Seconds())
}

// SetInFlight sets the in-flight attempt gauge.
func SetInFlight(n int64) {
	Init()
	inFlightAttempts.Set(float64(n))
}

// ObserveEscalation counts an escalation to tier.
func ObserveEscalation(target, tier string) {
	Init()
	escalationsTotal.WithLabelValues(SanitizeSite(target), tier).Inc()
}

// ObserveQuarantine counts an identity entering quarantine.
func ObserveQuarantine(target string) {
	Init()
	quarantinesTotal.WithLabelValues(SanitizeSite(target)).Inc()
}

// ObserveChain counts a chain reaching a terminal status.
func ObserveChain(status string) {
	Init()
	chainsTotal.WithLabelValues(status).Inc()
}

// ObserveRecords counts records written for target.
func ObserveRecords(target string, n int) {
	if n <= 0 {
		return
	}
	Init()
	recordsTotal.WithLabelValues(SanitizeSite(target)).Add(float64(n))
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

// ObserveHTTPRequest increments the ops API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
