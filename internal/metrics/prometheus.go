// Package metrics provides Prometheus-based metrics collection for postalscan.
// All collectors live on a private registry that the API exposes at /metrics.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all postalscan metrics
	namespace = "postalscan"

	// Subsystems
	subsystemJobs   = "jobs"
	subsystemProbe  = "probe"
	subsystemIngest = "ingest"
	subsystemStore  = "store"
	subsystemAPI    = "api"
	subsystemSystem = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Job metrics
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge

	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram

	// Ingest metrics
	ingestRecords *prometheus.CounterVec

	// Store metrics
	storeCalls    *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	storeRetries  *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime time.Time
	mu        sync.RWMutex
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initJobMetrics()
	pm.initProbeMetrics()
	pm.initStoreMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	registry.MustRegister(
		pm.jobsTotal, pm.jobDuration, pm.activeJobs,
		pm.probesTotal, pm.probeDuration,
		pm.ingestRecords,
		pm.storeCalls, pm.storeDuration, pm.storeRetries,
		pm.httpRequests, pm.httpDuration,
		pm.goroutines, pm.uptime,
	)

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initJobMetrics() {
	pm.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemJobs,
			Name:      "total",
			Help:      "Scan jobs that reached a terminal state, by status",
		},
		[]string{"status"},
	)

	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemJobs,
			Name:      "duration_seconds",
			Help:      "Wall time from job start to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"status"},
	)

	pm.activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemJobs,
			Name:      "active",
			Help:      "Scan jobs currently executing",
		},
	)

	pm.ingestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemIngest,
			Name:      "records_total",
			Help:      "Input records by ingestion result",
		},
		[]string{"result"},
	)
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Probes resolved, by outcome",
		},
		[]string{"outcome"},
	)

	pm.probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Time spent in a single probe",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
}

func (pm *PrometheusMetrics) initStoreMetrics() {
	pm.storeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "calls_total",
			Help:      "Persistence calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "duration_seconds",
			Help:      "Duration of persistence calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	pm.storeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "retries_total",
			Help:      "Retried persistence calls by operation",
		},
		[]string{"operation"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Job Metrics Methods

// RecordJobFinished counts a terminal job and observes its run time.
func (pm *PrometheusMetrics) RecordJobFinished(status string, duration time.Duration) {
	pm.jobsTotal.WithLabelValues(status).Inc()
	pm.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncActiveJobs increments the running job gauge.
func (pm *PrometheusMetrics) IncActiveJobs() {
	pm.activeJobs.Inc()
}

// DecActiveJobs decrements the running job gauge.
func (pm *PrometheusMetrics) DecActiveJobs() {
	pm.activeJobs.Dec()
}

// AddIngestRecords counts ingested records by result (accepted, skipped, duplicate, conflict, dropped).
func (pm *PrometheusMetrics) AddIngestRecords(result string, count int) {
	if count > 0 {
		pm.ingestRecords.WithLabelValues(result).Add(float64(count))
	}
}

// Probe Metrics Methods

// RecordProbe counts a resolved probe and observes its duration.
func (pm *PrometheusMetrics) RecordProbe(outcome string, duration time.Duration) {
	pm.probesTotal.WithLabelValues(outcome).Inc()
	pm.probeDuration.Observe(duration.Seconds())
}

// Store Metrics Methods

// RecordStoreCall records a persistence call
func (pm *PrometheusMetrics) RecordStoreCall(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	pm.storeCalls.WithLabelValues(operation, status).Inc()
	pm.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncrementStoreRetries counts a retried persistence call
func (pm *PrometheusMetrics) IncrementStoreRetries(operation string) {
	pm.storeRetries.WithLabelValues(operation).Inc()
}

// API Metrics Methods

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// StartPeriodicUpdates periodically updates system metrics until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
