package daemon

import "github.com/prometheus/client_golang/prometheus"

// poolMetrics implements prometheus.Collector so a Pool can be registered
// directly with a registry (see pkg/prometheus for the registry Harmonia
// uses).
type poolMetrics struct {
	active      prometheus.Gauge
	idle        prometheus.Gauge
	created     prometheus.Counter
	errors      prometheus.Counter
	acquireWait prometheus.Histogram
}

func newPoolMetrics() *poolMetrics {
	return &poolMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harmonia_daemon_pool_active_connections",
			Help: "Daemon connections currently checked out of the pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harmonia_daemon_pool_idle_connections",
			Help: "Daemon connections sitting idle in the pool.",
		}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_daemon_pool_connections_created_total",
			Help: "Daemon connections dialed and handshaken over the pool's lifetime.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harmonia_daemon_pool_connection_errors_total",
			Help: "Daemon connection dial, handshake, or health-check failures.",
		}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harmonia_daemon_pool_acquire_wait_seconds",
			Help:    "Time spent in Acquire waiting for a daemon connection.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *poolMetrics) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

// Collect implements prometheus.Collector.
func (m *poolMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.active
	ch <- m.idle
	ch <- m.created
	ch <- m.errors
	ch <- m.acquireWait
}
