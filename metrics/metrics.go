// Package metrics defines the Prometheus collectors of strata. Collectors
// are registered with the default registry upon import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Keys for strata metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors of the mvcc package.
var (
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_commits_total",
		Help: "Cumulative number of write transactions, by outcome.",
	}, []string{"status"})
	CommitDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_commit_duration_seconds",
		Help:    "Duration of write transaction commits.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	ActiveVersions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_active_versions",
		Help: "Number of distinct versions pinned by open read transactions.",
	}, []string{"path"})
	ActiveVersionRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_active_version_rejections_total",
		Help: "Cumulative number of writes rejected due to the active version ceiling.",
	})
)

// Collectors of the notify package.
var (
	NotificationEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_notification_events_total",
		Help: "Cumulative number of change events delivered, by target kind.",
	}, []string{"target"})
	NotificationOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_notification_overflows_total",
		Help: "Cumulative number of subscriptions cancelled due to a full buffer.",
	})
	NotificationSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_notification_subscriptions",
		Help: "Number of currently registered change subscriptions.",
	})
)

// Collectors of the session package.
var (
	SyncBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_sync_bytes_total",
		Help: "Cumulative number of changeset bytes transferred, by direction.",
	}, []string{"direction"})
	SyncChangesetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_sync_changesets_total",
		Help: "Cumulative number of changesets transferred, by direction.",
	}, []string{"direction"})
	SyncRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_sync_requests_total",
		Help: "Cumulative number of sync transport requests, by endpoint and status.",
	}, []string{"endpoint", "status"})
	SyncSessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_sync_session_transitions_total",
		Help: "Cumulative number of sync session state transitions, by entered state.",
	}, []string{"state"})
	ClientResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_client_resets_total",
		Help: "Cumulative number of client resets, by strategy and status.",
	}, []string{"strategy", "status"})
)

// Collectors of the sync reference server.
var (
	ServerChangesetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_server_changesets_total",
		Help: "Cumulative number of changesets integrated or served by the sync server.",
	}, []string{"op"})
)

// Collectors of the stores package.
var (
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_store_operations_total",
		Help: "Cumulative number of blob store operations, by store, operation and status.",
	}, []string{"store", "operation", "status"})
	StoreOperationDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_store_operation_duration_seconds",
		Help:    "Duration of blob store operations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"store", "operation", "status"})
	StorePutBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_store_put_bytes_total",
		Help: "Cumulative number of bytes written to blob stores, by store and encoding.",
	}, []string{"store", "encoding"})
)
