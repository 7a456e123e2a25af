package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofvo_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sofvo_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	ProfilesRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sofvo_profiles_registered_total",
			Help: "Total profiles registered",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofvo_messages_sent_total",
			Help: "Total messages sent",
		},
		[]string{"type"}, // "text", "image" or "file"
	)

	MessagesEdited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sofvo_messages_edited_total",
			Help: "Total messages edited",
		},
	)

	PermissionDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofvo_permission_denied_total",
			Help: "Sends rejected by conversation permission checks",
		},
		[]string{"code"},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofvo_notifications_created_total",
			Help: "Total notifications created",
		},
		[]string{"kind"},
	)

	NotificationsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sofvo_notifications_pruned_total",
			Help: "Read notifications removed by the retention sweeper",
		},
	)

	// Stream metrics
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sofvo_active_streams",
			Help: "Open event streams",
		},
	)

	StreamEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofvo_stream_events_delivered_total",
			Help: "Events handed to stream subscribers",
		},
		[]string{"event"},
	)

	SubscribersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sofvo_stream_subscribers_evicted_total",
			Help: "Stream subscribers dropped because their buffer was full",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofvo_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofvo_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sofvo_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sofvo_postgres_latency_seconds",
			Help:    "PostgreSQL query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
