package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "composer"

var processingBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600}

// Metrics holds every collector exported by the server and the worker.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	JobsTotal     *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobQueueDepth prometheus.Gauge
	ActiveJobs    prometheus.Gauge

	ExportsTotal   *prometheus.CounterVec
	ExportDuration *prometheus.HistogramVec
	ActiveExports  prometheus.Gauge

	PipelineSamplesTotal *prometheus.CounterVec
	PipelineRunsTotal    *prometheus.CounterVec
	PipelineRunDuration  prometheus.Histogram

	FFmpegOperationsTotal *prometheus.CounterVec
	FFmpegOperationErrors *prometheus.CounterVec
	FFmpegProcessingTime  *prometheus.HistogramVec

	WebSocketConnections   prometheus.Gauge
	WebSocketMessagesTotal *prometheus.CounterVec

	StorageFiles *prometheus.GaugeVec
	StorageBytes *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}
	m.registerHTTP(f)
	m.registerJobs(f)
	m.registerMedia(f)
	m.registerWebSocket(f)
	m.registerStorage(f)
	return m
}

func (m *Metrics) registerHTTP(f promauto.Factory) {
	labels := []string{"method", "path", "status"}
	m.HTTPRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route pattern and status class.",
	}, labels)
	m.HTTPRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, labels)
	m.HTTPResponseSize = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
		Help:    "HTTP response body size.",
		Buckets: prometheus.ExponentialBuckets(100, 10, 8),
	}, labels)
}

func (m *Metrics) registerJobs(f promauto.Factory) {
	m.JobsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "total",
		Help: "Job state transitions by status and operation.",
	}, []string{"status", "operation"})
	m.JobDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds",
		Help:    "Time from job start to a terminal state.",
		Buckets: processingBuckets,
	}, []string{"operation", "status"})
	m.JobQueueDepth = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "queue_depth",
		Help: "Jobs created but not yet started by this process.",
	})
	m.ActiveJobs = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "active",
		Help: "Jobs currently running.",
	})

	m.ExportsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "export", Name: "total",
		Help: "Exports by operation and outcome.",
	}, []string{"operation", "status"})
	m.ExportDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "export", Name: "duration_seconds",
		Help:    "Export wall time.",
		Buckets: processingBuckets,
	}, []string{"operation"})
	m.ActiveExports = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "export", Name: "active",
		Help: "Exports currently running.",
	})
}

func (m *Metrics) registerMedia(f promauto.Factory) {
	m.PipelineSamplesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "samples_total",
		Help: "Samples forwarded from demuxer to muxer.",
	}, []string{"kind"})
	m.PipelineRunsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "runs_total",
		Help: "Pipeline runs by final state.",
	}, []string{"status"})
	m.PipelineRunDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "run_duration_seconds",
		Help:    "Pipeline run duration.",
		Buckets: processingBuckets,
	})

	m.FFmpegOperationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ffmpeg", Name: "operations_total",
		Help: "FFmpeg and ffprobe invocations by outcome.",
	}, []string{"operation", "status"})
	m.FFmpegOperationErrors = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ffmpeg", Name: "errors_total",
		Help: "FFmpeg failures by error class.",
	}, []string{"operation", "error_type"})
	m.FFmpegProcessingTime = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "ffmpeg", Name: "processing_seconds",
		Help:    "FFmpeg invocation wall time.",
		Buckets: processingBuckets,
	}, []string{"operation"})
}

func (m *Metrics) registerWebSocket(f promauto.Factory) {
	m.WebSocketConnections = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "websocket", Name: "connections",
		Help: "Open websocket connections.",
	})
	m.WebSocketMessagesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "websocket", Name: "messages_total",
		Help: "Job events delivered to websocket clients.",
	}, []string{"type"})
}

func (m *Metrics) registerStorage(f promauto.Factory) {
	m.StorageFiles = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "storage", Name: "files",
		Help: "Files held in a storage zone.",
	}, []string{"zone"})
	m.StorageBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "storage", Name: "bytes",
		Help: "Bytes held in a storage zone.",
	}, []string{"zone"})
}

// RecordHTTPRequest records one served request. path is the route pattern.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, responseSize int64) {
	status := statusCodeToString(statusCode)

	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	if responseSize > 0 {
		m.HTTPResponseSize.WithLabelValues(method, path, status).Observe(float64(responseSize))
	}
}

func (m *Metrics) RecordJobCreated(operation string) {
	m.JobsTotal.WithLabelValues("created", operation).Inc()
	m.JobQueueDepth.Inc()
}

func (m *Metrics) RecordJobStarted() {
	m.ActiveJobs.Inc()
	m.JobQueueDepth.Dec()
}

func (m *Metrics) RecordJobCompleted(operation string, status string, duration time.Duration) {
	m.ActiveJobs.Dec()
	m.JobDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	m.JobsTotal.WithLabelValues(status, operation).Inc()
}

func (m *Metrics) RecordExportStarted() {
	m.ActiveExports.Inc()
}

func (m *Metrics) RecordExportFinished(operation string, success bool, duration time.Duration) {
	m.ActiveExports.Dec()
	m.ExportsTotal.WithLabelValues(operation, successLabel(success)).Inc()
	m.ExportDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSample counts one forwarded pipeline sample. kind is "video" or "audio".
func (m *Metrics) RecordSample(kind string) {
	m.PipelineSamplesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPipelineRun(status string, duration time.Duration) {
	m.PipelineRunsTotal.WithLabelValues(status).Inc()
	m.PipelineRunDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordFFmpegOperation(operation string, success bool, duration time.Duration) {
	m.FFmpegOperationsTotal.WithLabelValues(operation, successLabel(success)).Inc()
	m.FFmpegProcessingTime.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordFFmpegError(operation string, errorType string) {
	m.FFmpegOperationErrors.WithLabelValues(operation, errorType).Inc()
}

func (m *Metrics) RecordWebSocketConnection(connected bool) {
	if connected {
		m.WebSocketConnections.Inc()
		return
	}
	m.WebSocketConnections.Dec()
}

func (m *Metrics) RecordWebSocketMessage(messageType string) {
	m.WebSocketMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateStorageMetrics sets the usage gauges for one zone.
func (m *Metrics) UpdateStorageMetrics(zone string, fileCount int64, bytes int64) {
	m.StorageFiles.WithLabelValues(zone).Set(float64(fileCount))
	m.StorageBytes.WithLabelValues(zone).Set(float64(bytes))
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
