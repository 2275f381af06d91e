package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "delivery_dispatch"

var (
	JobsEnqueued   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_enqueued_total", Help: "Dispatch jobs admitted to the queue"})
	JobsDuplicate  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_duplicate_total", Help: "Enqueue calls that returned an already active job"})
	JobsFinished   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_finished_total", Help: "Dispatch jobs by terminal status"}, []string{"status"})
	JobRetries     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "job_retries_total", Help: "Dispatch attempts rescheduled after a transient failure"})
	JobsReaped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_reaped_total", Help: "Stale processing jobs returned to the queue"})
	JobDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "job_duration_seconds", Help: "Dispatch attempt latency seconds"})
	FallbacksFired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fallbacks_total", Help: "Orders escalated to manual assignment"})
	Acceptances    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "acceptances_total", Help: "Rider acceptance attempts by result"}, []string{"result"})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_published_total", Help: "Events published to the fan-out"}, []string{"event"})
	NotificationsDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Frames dropped because a connection buffer was full"})
	LiveConnections        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "live_connections", Help: "Open real-time connections on this process"})

	TrackingUpdates       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_updates_total", Help: "Rider location updates relayed"})
	TrackingPersisted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_persisted_total", Help: "Tracking samples written to the order"})
	TrackingThrottled     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_throttled_total", Help: "Tracking samples relayed but not persisted"})
	TrackingPersistErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_persist_errors_total", Help: "Tracking samples that failed to persist"})

	HeartbeatsApplied = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "heartbeats_applied_total", Help: "Rider heartbeats applied to store and geo index"})
	HeartbeatErrors   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "heartbeat_errors_total", Help: "Rider heartbeats that could not be applied"})
	HeartbeatsInvalid = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "heartbeats_invalid_total", Help: "Malformed rider heartbeat messages"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
