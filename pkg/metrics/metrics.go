package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registration metrics
	RegistrationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailroom_registrations_total",
			Help: "Total number of live registrations by delivery mode",
		},
		[]string{"mode"},
	)

	RegistrationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_registrations_expired_total",
			Help: "Total number of registrations removed by lease expiration",
		},
	)

	PendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailroom_pending_events",
			Help: "Number of undelivered events across all registrations",
		},
	)

	// Event log metrics
	EventsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_events_appended_total",
			Help: "Total number of events appended to registration logs",
		},
	)

	EventsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_events_rejected_total",
			Help: "Total number of notifications refused because the event is blacklisted",
		},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_events_dropped_total",
			Help: "Total number of log entries skipped by reason",
		},
		[]string{"reason"},
	)

	LifecycleEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_lifecycle_events_dropped_total",
			Help: "Total number of lifecycle events lost to full broker queues",
		},
	)

	StreamHandlesOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailroom_stream_handles",
			Help: "Open log stream handles by state",
		},
		[]string{"state"},
	)

	// Delivery metrics
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_delivery_attempts_total",
			Help: "Total number of push delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailroom_delivery_latency_seconds",
			Help:    "Time taken by a single target invocation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveryTasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailroom_delivery_tasks_active",
			Help: "Number of delivery tasks currently running",
		},
	)

	DeliveryTasksAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_delivery_tasks_abandoned_total",
			Help: "Total number of delivery tasks abandoned after exhausting attempts or time",
		},
	)

	DeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_dead_letters_total",
			Help: "Total number of events moved to the dead-letter store",
		},
	)

	// Journal metrics
	JournalRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_journal_records_total",
			Help: "Total number of journal records appended by operation",
		},
		[]string{"op"},
	)

	JournalSnapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroom_journal_snapshots_total",
			Help: "Total number of journal snapshots taken",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailroom_raft_applied_index",
			Help: "Last applied journal index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroom_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailroom_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(RegistrationsExpired)
	prometheus.MustRegister(PendingEvents)
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(EventsRejected)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(LifecycleEventsDropped)
	prometheus.MustRegister(StreamHandlesOpen)
	prometheus.MustRegister(DeliveryAttempts)
	prometheus.MustRegister(DeliveryLatency)
	prometheus.MustRegister(DeliveryTasksActive)
	prometheus.MustRegister(DeliveryTasksAbandoned)
	prometheus.MustRegister(DeadLetters)
	prometheus.MustRegister(JournalRecords)
	prometheus.MustRegister(JournalSnapshots)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
