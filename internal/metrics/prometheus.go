// Package metrics provides Prometheus-based metrics collection for portsim.
// Every PrometheusMetrics value owns its own registry, so tests and embedded
// servers can create isolated instances; the process-wide instance is
// available through GetGlobalMetrics.
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
	// Namespace for all portsim metrics
	namespace = "portsim"

	// Subsystems
	subsystemScan      = "scan"
	subsystemHistory   = "history"
	subsystemAPI       = "api"
	subsystemWebSocket = "websocket"
	subsystemSystem    = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal    *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	scanErrors    *prometheus.CounterVec
	scanRejected  *prometheus.CounterVec
	portsScanned  *prometheus.CounterVec
	activeScans   prometheus.Gauge
	scheduledRuns *prometheus.CounterVec

	// History metrics
	historyOps      *prometheus.CounterVec
	historyDuration *prometheus.HistogramVec
	historyEntries  prometheus.Gauge

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpErrors   *prometheus.CounterVec

	// WebSocket metrics
	wsMessages *prometheus.CounterVec
	wsClients  prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initHistoryMetrics()
	pm.initAPIMetrics()
	pm.initWebSocketMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of finished scan sessions by method and final status",
		},
		[]string{"method", "status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scan sessions in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0},
		},
		[]string{"method"},
	)

	pm.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "errors_total",
			Help:      "Total number of scan loop failures by method and error type",
		},
		[]string{"method", "error_type"},
	)

	pm.scanRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "rejected_total",
			Help:      "Total number of rejected start requests by reason",
		},
		[]string{"reason"},
	)

	pm.portsScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "ports_total",
			Help:      "Total number of simulated port verdicts",
		},
		[]string{"method", "port_status"},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of currently running scan sessions",
		},
	)

	pm.scheduledRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "scheduled_runs_total",
			Help:      "Total number of scheduled job firings by job and outcome",
		},
		[]string{"job", "outcome"},
	)
}

func (pm *PrometheusMetrics) initHistoryMetrics() {
	pm.historyOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHistory,
			Name:      "operations_total",
			Help:      "Total number of history store operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.historyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemHistory,
			Name:      "operation_duration_seconds",
			Help:      "Duration of history store operations in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	pm.historyEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemHistory,
			Name:      "entries",
			Help:      "Number of entries currently held in the history log",
		},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "path"},
	)

	pm.httpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "errors_total",
			Help:      "Total number of HTTP errors by method, path and error type",
		},
		[]string{"method", "path", "error_type"},
	)
}

func (pm *PrometheusMetrics) initWebSocketMetrics() {
	pm.wsMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWebSocket,
			Name:      "messages_total",
			Help:      "Total number of WebSocket messages broadcast by type",
		},
		[]string{"type"},
	)

	pm.wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWebSocket,
			Name:      "clients",
			Help:      "Number of connected WebSocket clients",
		},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.scanErrors,
		pm.scanRejected,
		pm.portsScanned,
		pm.activeScans,
		pm.scheduledRuns,

		pm.historyOps,
		pm.historyDuration,
		pm.historyEntries,

		pm.httpRequests,
		pm.httpDuration,
		pm.httpErrors,

		pm.wsMessages,
		pm.wsClients,

		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Scan Metrics Methods

// IncrementScansTotal increments the finished scan counter
func (pm *PrometheusMetrics) IncrementScansTotal(method, status string) {
	pm.scansTotal.WithLabelValues(method, status).Inc()
}

// RecordScanDuration records a scan duration
func (pm *PrometheusMetrics) RecordScanDuration(method string, duration time.Duration) {
	pm.scanDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// IncrementScanErrors increments scan error counter
func (pm *PrometheusMetrics) IncrementScanErrors(method, errorType string) {
	pm.scanErrors.WithLabelValues(method, errorType).Inc()
}

// IncrementScanRejected increments the rejected start request counter
func (pm *PrometheusMetrics) IncrementScanRejected(reason string) {
	pm.scanRejected.WithLabelValues(reason).Inc()
}

// IncrementPortsScanned increments ports scanned counter
func (pm *PrometheusMetrics) IncrementPortsScanned(method, status string, count int) {
	pm.portsScanned.WithLabelValues(method, status).Add(float64(count))
}

// SetActiveScans sets the number of active scans
func (pm *PrometheusMetrics) SetActiveScans(count int) {
	pm.activeScans.Set(float64(count))
}

// IncrementScheduledRuns records a scheduled job firing
func (pm *PrometheusMetrics) IncrementScheduledRuns(job, outcome string) {
	pm.scheduledRuns.WithLabelValues(job, outcome).Inc()
}

// History Metrics Methods

// RecordHistoryOperation records one history store operation
func (pm *PrometheusMetrics) RecordHistoryOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	pm.historyOps.WithLabelValues(operation, status).Inc()
	pm.historyDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetHistoryEntries sets the current history log length
func (pm *PrometheusMetrics) SetHistoryEntries(count int) {
	pm.historyEntries.Set(float64(count))
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

// IncrementHTTPErrors increments HTTP error counter
func (pm *PrometheusMetrics) IncrementHTTPErrors(method, path, errorType string) {
	pm.httpErrors.WithLabelValues(method, path, errorType).Inc()
}

// WebSocket Metrics Methods

// IncrementWebSocketMessages counts a broadcast message of the given type
func (pm *PrometheusMetrics) IncrementWebSocketMessages(messageType string) {
	pm.wsMessages.WithLabelValues(messageType).Inc()
}

// SetWebSocketClients sets the number of connected clients
func (pm *PrometheusMetrics) SetWebSocketClients(count int) {
	pm.wsClients.Set(float64(count))
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())

	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates periodically updates system metrics until ctx is done
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
