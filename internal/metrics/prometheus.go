package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the call stream service
type Metrics struct {
	// Connection metrics
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ActiveConnections   prometheus.Gauge
	BytesReceived       prometheus.Counter
	ProtocolAnomalies   *prometheus.CounterVec

	// Window metrics
	WindowsEmitted prometheus.Counter
	SilentWindows  prometheus.Counter
	WindowDuration prometheus.Histogram

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	SegmentsRecorded prometheus.Counter
	StoreFailures    *prometheus.CounterVec

	// Dispatch metrics
	JobsSubmitted       *prometheus.CounterVec
	JobsFailed          *prometheus.CounterVec
	JobsDropped         prometheus.Counter
	DegradedDispatches  prometheus.Counter
	SubmitDuration      prometheus.Histogram
	DispatchQueueSize   prometheus.Gauge
	PoolUtilization     *prometheus.GaugeVec
	LeasesExpired       *prometheus.CounterVec
	CompletionsReceived *prometheus.CounterVec
	CompletionsDropped  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler;
// tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_connections_accepted_total",
			Help: "Total number of switch connections accepted",
		}),
		ConnectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_connections_rejected_total",
			Help: "Total number of connections rejected at the concurrency limit",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "callstream_active_connections",
			Help: "Current number of open switch connections",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_audio_bytes_received_total",
			Help: "Total number of audio bytes received after the call header",
		}),
		ProtocolAnomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_protocol_anomalies_total",
			Help: "Total number of protocol anomalies by kind",
		}, []string{"kind"}),

		// Window metrics
		WindowsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_windows_emitted_total",
			Help: "Total number of audio windows emitted by connection buffers",
		}),
		SilentWindows: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_silent_windows_skipped_total",
			Help: "Total number of windows skipped by the silence gate",
		}),
		WindowDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callstream_window_duration_seconds",
			Help:    "Duration of emitted audio windows",
			Buckets: prometheus.LinearBuckets(1, 1, 30), // 1s to 30s
		}),

		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "callstream_active_sessions",
			Help: "Current number of active call sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_sessions_started_total",
			Help: "Total number of call sessions created",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_sessions_ended_total",
			Help: "Total number of call sessions ended by final status",
		}, []string{"status"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callstream_session_duration_seconds",
			Help:    "Duration of call sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		SegmentsRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_segments_recorded_total",
			Help: "Total number of transcript segments applied to sessions",
		}),
		StoreFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_store_failures_total",
			Help: "Total number of shared store failures by operation",
		}, []string{"op"}),

		// Dispatch metrics
		JobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_jobs_submitted_total",
			Help: "Total number of analysis jobs submitted by type",
		}, []string{"job_type"}),
		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_jobs_failed_total",
			Help: "Total number of failed job submissions by type",
		}, []string{"job_type"}),
		JobsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_jobs_dropped_total",
			Help: "Total number of windows dropped because the dispatch queue was full",
		}),
		DegradedDispatches: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_degraded_dispatches_total",
			Help: "Total number of windows dispatched as transcription only",
		}),
		SubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callstream_job_submit_duration_seconds",
			Help:    "Duration of job submissions",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		DispatchQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "callstream_dispatch_queue_size",
			Help: "Current number of windows waiting for submission",
		}),
		PoolUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callstream_pool_utilization_percent",
			Help: "Resource pool utilization percentage",
		}, []string{"pool"}),
		LeasesExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_pool_leases_expired_total",
			Help: "Total number of pool slots reclaimed without a completion",
		}, []string{"pool"}),
		CompletionsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_completions_received_total",
			Help: "Total number of job completions received by type",
		}, []string{"job_type"}),
		CompletionsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "callstream_completions_dropped_total",
			Help: "Total number of completions dropped because the inbox was full",
		}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callstream_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionAccepted counts an accepted connection
func (m *Metrics) RecordConnectionAccepted() {
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed decrements the open connection gauge
func (m *Metrics) RecordConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordConnectionRejected counts a connection refused at the limit
func (m *Metrics) RecordConnectionRejected() {
	m.ConnectionsRejected.Inc()
}

// RecordBytesReceived adds audio bytes read from a connection
func (m *Metrics) RecordBytesReceived(n int) {
	m.BytesReceived.Add(float64(n))
}

// RecordProtocolAnomaly counts a malformed header or misaligned read
func (m *Metrics) RecordProtocolAnomaly(kind string) {
	m.ProtocolAnomalies.WithLabelValues(kind).Inc()
}

// RecordWindowEmitted records an emitted window
func (m *Metrics) RecordWindowEmitted(durationSeconds float64) {
	m.WindowsEmitted.Inc()
	m.WindowDuration.Observe(durationSeconds)
}

// RecordSilentWindow counts a window skipped by the silence gate
func (m *Metrics) RecordSilentWindow() {
	m.SilentWindows.Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionEnded counts an ended session and records its duration
func (m *Metrics) RecordSessionEnded(status string, durationSeconds float64) {
	m.SessionsEnded.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSegment increments the segments recorded counter
func (m *Metrics) RecordSegment() {
	m.SegmentsRecorded.Inc()
}

// RecordStoreFailure counts a failed shared store operation
func (m *Metrics) RecordStoreFailure(op string) {
	m.StoreFailures.WithLabelValues(op).Inc()
}

// RecordJobSubmitted records a successful submission
func (m *Metrics) RecordJobSubmitted(jobType string, durationSeconds float64) {
	m.JobsSubmitted.WithLabelValues(jobType).Inc()
	m.SubmitDuration.Observe(durationSeconds)
}

// RecordJobFailed records a failed submission
func (m *Metrics) RecordJobFailed(jobType string, durationSeconds float64) {
	m.JobsFailed.WithLabelValues(jobType).Inc()
	m.SubmitDuration.Observe(durationSeconds)
}

// RecordJobDropped counts a window dropped at a full dispatch queue
func (m *Metrics) RecordJobDropped() {
	m.JobsDropped.Inc()
}

// RecordDegradedDispatch counts a window dispatched as transcription only
func (m *Metrics) RecordDegradedDispatch() {
	m.DegradedDispatches.Inc()
}

// SetDispatchQueueSize sets the current dispatch queue depth
func (m *Metrics) SetDispatchQueueSize(size int) {
	m.DispatchQueueSize.Set(float64(size))
}

// SetPoolUtilization sets a pool's utilization percentage
func (m *Metrics) SetPoolUtilization(pool string, percent float64) {
	m.PoolUtilization.WithLabelValues(pool).Set(percent)
}

// RecordLeaseExpired counts a slot reclaimed by lease expiry
func (m *Metrics) RecordLeaseExpired(pool string) {
	m.LeasesExpired.WithLabelValues(pool).Inc()
}

// RecordCompletion counts a received completion
func (m *Metrics) RecordCompletion(jobType string) {
	m.CompletionsReceived.WithLabelValues(jobType).Inc()
}

// RecordCompletionDropped counts a completion refused by a full inbox
func (m *Metrics) RecordCompletionDropped() {
	m.CompletionsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
