package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Download pipeline metrics
	DownloadTotal    *prometheus.CounterVec
	DownloadDuration *prometheus.HistogramVec
	DownloadBytes    prometheus.Counter

	// Cache state metrics
	CacheBytes    prometheus.Gauge
	CacheBlobs    prometheus.Gauge
	EvictionTotal *prometheus.CounterVec

	// Poll cycle metrics
	PollCycleTotal    *prometheus.CounterVec
	PollCycleDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Provider response validation metrics
	ResponseValidationTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		DownloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "study_downloads_total",
			Help: "Total number of study download attempts",
		}, []string{"status"}),

		DownloadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "study_download_duration_seconds",
			Help:    "Study download duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),

		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "study_download_bytes_total",
			Help: "Total bytes of study archives downloaded",
		}),

		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_bytes",
			Help: "Current total size of cached encrypted studies in bytes",
		}),

		CacheBlobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_blobs",
			Help: "Current number of cached encrypted studies",
		}),

		EvictionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions",
		}, []string{"reason"}),

		PollCycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total number of worklist poll cycles",
		}, []string{"status"}),

		PollCycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poll_cycle_duration_seconds",
			Help:    "Worklist poll cycle duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		ResponseValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_response_validation_total",
			Help: "Total number of provider response validations",
		}, []string{"endpoint", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.DownloadTotal)
	registerOrGet(m.DownloadDuration)
	registerOrGet(m.DownloadBytes)
	registerOrGet(m.CacheBytes)
	registerOrGet(m.CacheBlobs)
	registerOrGet(m.EvictionTotal)
	registerOrGet(m.PollCycleTotal)
	registerOrGet(m.PollCycleDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.ResponseValidationTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
