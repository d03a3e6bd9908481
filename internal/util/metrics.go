package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScanReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_scan_reads_total",
		Help: "Total number of raw scan reads observed",
	})

	ScanConfirmationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_scan_confirmations_total",
		Help: "Total number of confirmed scans",
	})

	ScanUnresolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_scan_unresolved_total",
		Help: "Total number of confirmed codes with no matching product",
	})

	CartMutationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_cart_mutations_total",
		Help: "Total number of persisted cart mutations",
	})

	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_checkouts_total",
		Help: "Total number of checkouts by outcome",
	}, []string{"status"})

	DiscountRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_discount_rejections_total",
		Help: "Total number of discount stage rejections",
	}, []string{"stage", "code"})

	QueueEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_queue_enqueued_total",
		Help: "Total number of transactions added to the offline queue",
	})

	QueueDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_queue_duplicates_total",
		Help: "Total number of enqueue calls dropped as duplicates",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_queue_depth",
		Help: "Number of unsynced transactions in the offline queue",
	})

	QueueSyncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_queue_synced_total",
		Help: "Total number of queued transactions submitted",
	})

	QueueFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_queue_failed_total",
		Help: "Total number of failed submission attempts",
	})

	QueueRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_queue_rejected_total",
		Help: "Total number of queued transactions parked after a permanent rejection",
	})

	QueueDrainsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_queue_drains_skipped_total",
		Help: "Total number of drains skipped because the sync lock was held",
	})

	QueueDrainLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pos_queue_drain_latency_seconds",
		Help:    "Latency of offline queue drains",
		Buckets: prometheus.DefBuckets,
	})

	ConnectivityTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_connectivity_transitions_total",
		Help: "Total number of connectivity transitions",
	}, []string{"state"})

	CatalogLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_catalog_lookups_total",
		Help: "Total number of product lookups by source",
	}, []string{"source"})

	CatalogSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_catalog_syncs_total",
		Help: "Total number of catalog reconciliations by outcome",
	}, []string{"result"})

	CartPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_cart_pushes_total",
		Help: "Total number of remote cart pushes by outcome",
	}, []string{"result"})

	RemoteRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_remote_request_latency_seconds",
		Help:    "Latency of backend requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
