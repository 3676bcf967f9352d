// Package metrics owns the Prometheus registry for the client process and the
// collectors that are not tied to the progress channel: backend submit calls,
// downloads, and the ops HTTP surface.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles a private registry with the process-level collectors.
type Metrics struct {
	registry *prometheus.Registry

	submitsTotal               *prometheus.CounterVec
	submitDurationSeconds      *prometheus.HistogramVec
	downloadBytesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// New creates a registry with Go runtime and process collectors plus the
// client collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		submitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdimg_submits_total",
				Help: "Submit calls to the backend, labeled by backend host, operation and outcome.",
			},
			[]string{"backend", "op", "outcome"},
		),
		submitDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mdimg_submit_duration_seconds",
				Help:    "Histogram of submit call latencies, labeled by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"op"},
		),
		downloadBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdimg_download_bytes_total",
				Help: "Bytes of converted artifacts downloaded, labeled by backend host.",
			},
			[]string{"backend"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdimg_ops_http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mdimg_ops_http_request_duration_seconds",
				Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitsTotal,
		m.submitDurationSeconds,
		m.downloadBytesTotal,
		m.httpRequestsTotal,
		m.httpRequestDurationSeconds,
	)
	return m
}

// Registerer is handed to components that register their own collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Gatherer exposes the registry for tests and custom handlers.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns an http.Handler for exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SanitizeHost extracts a lowercase hostname from rawURL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveSubmit records one submit call against backend.
func (m *Metrics) ObserveSubmit(backend, op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.submitsTotal.WithLabelValues(SanitizeHost(backend), op, outcome).Inc()
	m.submitDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveDownload adds n downloaded bytes.
func (m *Metrics) ObserveDownload(backend string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytesTotal.WithLabelValues(SanitizeHost(backend)).Add(float64(n))
}

// ObserveHTTPRequest increments the ops HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
