// Package pdsmetrics holds the account engine's Prometheus surface,
// namespaced and labeled the way internal/pds/metrics does in the teacher
// this project is adapted from.
package pdsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "atlas_pds"

var (
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"handler", "method", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
	}, []string{"handler", "method"})

	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_queries_total",
		Help:      "Total number of store operations.",
	}, []string{"query", "status"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_query_duration_seconds",
		Help:      "Store operation duration in seconds.",
	}, []string{"query"})

	FirehoseSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "firehose_subscribers",
		Help:      "Number of currently connected firehose subscribers.",
	})

	EventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firehose_events_sent_total",
		Help:      "Total number of firehose events sent to subscribers.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firehose_events_dropped_total",
		Help:      "Total number of firehose events dropped due to slow consumers.",
	})

	BlobUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_uploads_total",
		Help:      "Total number of blob uploads.",
	}, []string{"status"})

	BlobDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_downloads_total",
		Help:      "Total number of blob downloads.",
	}, []string{"status"})

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "Total number of authentication attempts.",
	}, []string{"type", "status"})

	RecordOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "record_operations_total",
		Help:      "Total number of repo record operations.",
	}, []string{"operation", "collection", "status"})

	OAuthGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oauth_grants_total",
		Help:      "Total number of OAuth token grants.",
	}, []string{"grant_type", "status"})
)
