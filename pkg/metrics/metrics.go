package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Call lifecycle metrics
	ActiveCalls  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration prometheus.Histogram
	TurnsTotal   prometheus.Counter

	// Audio metrics
	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter
	BytesEvicted   prometheus.Counter
	FramesDropped  *prometheus.CounterVec

	// Connection metrics
	HeartbeatTimeouts     prometheus.Counter
	ReconnectAttempts     prometheus.Counter
	ConnectionsFailed     prometheus.Counter
	OutboundFramesDropped prometheus.Counter

	// Remote operation metrics
	RemoteLatency  *prometheus.HistogramVec
	RemoteErrors   *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	ReplyCacheHits *prometheus.CounterVec

	// Admission control metrics
	RateLimitDecisions *prometheus.CounterVec

	// Quality metrics
	QualityAlerts *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicegate_calls_active",
				Help: "Number of active call sessions",
			},
		)

		CallsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_calls_total",
				Help: "Total number of call sessions by terminal status",
			},
			[]string{"status"},
		)

		CallDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicegate_call_duration_seconds",
				Help:    "Duration of completed call sessions",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
			},
		)

		TurnsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_conversation_turns_total",
				Help: "Total number of completed conversation turns",
			},
		)

		FramesReceived = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_audio_frames_received_total",
				Help: "Total number of inbound audio frames produced by the framer",
			},
		)

		FramesSent = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_audio_frames_sent_total",
				Help: "Total number of audio frames streamed back to call legs",
			},
		)

		BytesEvicted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_audio_bytes_evicted_total",
				Help: "Total number of buffered audio bytes evicted under memory pressure",
			},
		)

		FramesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_audio_frames_dropped_total",
				Help: "Total number of audio frames dropped",
			},
			[]string{"reason"},
		)

		HeartbeatTimeouts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_heartbeat_timeouts_total",
				Help: "Total number of connections declared dead by the heartbeat sweep",
			},
		)

		ReconnectAttempts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_reconnect_attempts_total",
				Help: "Total number of reconnection attempts",
			},
		)

		ConnectionsFailed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_connections_failed_total",
				Help: "Total number of connections that exhausted their reconnect budget",
			},
		)

		OutboundFramesDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_outbound_frames_dropped_total",
				Help: "Total number of queued outbound frames discarded on terminal disconnect",
			},
		)

		RemoteLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicegate_remote_latency_seconds",
				Help:    "Latency of remote collaborator calls",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"operation"},
		)

		RemoteErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_remote_errors_total",
				Help: "Total number of failed remote collaborator calls",
			},
			[]string{"operation"},
		)

		RetriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_retries_total",
				Help: "Total number of retry attempts by operation category",
			},
			[]string{"category"},
		)

		ReplyCacheHits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_reply_cache_requests_total",
				Help: "Reply cache lookups by outcome",
			},
			[]string{"outcome"},
		)

		RateLimitDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_rate_limit_decisions_total",
				Help: "Rate limiter admission decisions",
			},
			[]string{"decision"},
		)

		QualityAlerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_quality_alerts_total",
				Help: "Call quality threshold alerts by type",
			},
			[]string{"type"},
		)

		registry.MustRegister(
			ActiveCalls, CallsTotal, CallDuration, TurnsTotal,
			FramesReceived, FramesSent, BytesEvicted, FramesDropped,
			HeartbeatTimeouts, ReconnectAttempts, ConnectionsFailed, OutboundFramesDropped,
			RemoteLatency, RemoteErrors, RetriesTotal, ReplyCacheHits,
			RateLimitDecisions, QualityAlerts,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// Handler returns the HTTP handler serving the metrics registry
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
