package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	httpRequestsTotal    *prometheus.CounterVec
	httpLatencySeconds   *prometheus.HistogramVec
	httpErrorsTotal      *prometheus.CounterVec
	realtimeConnections  prometheus.Gauge
	realtimeEventsTotal  *prometheus.CounterVec
	realtimeDropped      *prometheus.CounterVec
	presenceTransitions  *prometheus.CounterVec
	messagesCreatedTotal *prometheus.CounterVec
	messagesDeletedTotal prometheus.Counter
	scheduledFiredTotal  *prometheus.CounterVec
	mediaUploadsTotal    *prometheus.CounterVec
	mediaRejectedTotal   *prometheus.CounterVec
	mediaLatencySeconds  prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the chat server.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of chat API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_latency_seconds",
			Help:    "Latency distribution for chat API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_errors_total",
			Help: "Total number of error responses returned by chat endpoints.",
		}, []string{"method", "route", "status"})

		realtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_realtime_connections",
			Help: "Number of open realtime connections on this node.",
		})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_realtime_events_total",
			Help: "Realtime events received from clients by event name and outcome.",
		}, []string{"event", "outcome"})

		realtimeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_realtime_dropped_frames_total",
			Help: "Outbound frames dropped because a connection queue was full.",
		}, []string{"event"})

		presenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_presence_transitions_total",
			Help: "Presence changes applied by the presence store.",
		}, []string{"state"})

		messagesCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_created_total",
			Help: "Messages persisted by message type.",
		}, []string{"type"})

		messagesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_deleted_total",
			Help: "Messages removed through bulk deletes.",
		})

		scheduledFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_scheduled_messages_total",
			Help: "Scheduled messages processed by outcome.",
		}, []string{"outcome"})

		mediaUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_media_uploads_total",
			Help: "Accepted media uploads by detected MIME type.",
		}, []string{"mime"})

		mediaRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_media_rejected_total",
			Help: "Rejected media uploads by reason.",
		}, []string{"reason"})

		mediaLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_media_upload_latency_seconds",
			Help:    "Time spent validating and storing media uploads.",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			realtimeConnections, realtimeEventsTotal, realtimeDropped,
			presenceTransitions, messagesCreatedTotal, messagesDeletedTotal,
			scheduledFiredTotal, mediaUploadsTotal, mediaRejectedTotal, mediaLatencySeconds,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// RealtimeConnections exposes the open connection gauge.
func RealtimeConnections() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnections
}

// RealtimeEvents exposes the inbound realtime event counter.
func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

// RealtimeDropped exposes the dropped outbound frame counter.
func RealtimeDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeDropped
}

// PresenceTransitions exposes the presence change counter.
func PresenceTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return presenceTransitions
}

// MessagesCreated exposes the persisted message counter.
func MessagesCreated() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesCreatedTotal
}

// MessagesDeleted exposes the deleted message counter.
func MessagesDeleted() prometheus.Counter {
	RegisterMetrics()
	return messagesDeletedTotal
}

// ScheduledFired exposes the scheduled message outcome counter.
func ScheduledFired() *prometheus.CounterVec {
	RegisterMetrics()
	return scheduledFiredTotal
}

// MediaUploads exposes the accepted upload counter.
func MediaUploads() *prometheus.CounterVec {
	RegisterMetrics()
	return mediaUploadsTotal
}

// MediaRejected exposes the rejected upload counter.
func MediaRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return mediaRejectedTotal
}

// MediaLatency exposes the upload latency histogram.
func MediaLatency() prometheus.Histogram {
	RegisterMetrics()
	return mediaLatencySeconds
}
