package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// httpMetrics implements prometheus.Collector, the same shape
// pkg/daemon.poolMetrics uses, so it can be registered directly into the
// registry pkg/prometheus hands back.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics() *httpMetrics {
	return &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harmonia_http_requests_total",
			Help: "HTTP requests served, by method, route pattern, and status.",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "harmonia_http_request_duration_seconds",
			Help: "HTTP request latency in seconds.",
			// Logarithmic buckets spanning 100us to ~1.6s.
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, []string{"method", "path"}),
	}
}

// Describe implements prometheus.Collector.
func (m *httpMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.requests.Describe(ch)
	m.duration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *httpMetrics) Collect(ch chan<- prometheus.Metric) {
	m.requests.Collect(ch)
	m.duration.Collect(ch)
}

func (m *httpMetrics) observe(method, path string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
