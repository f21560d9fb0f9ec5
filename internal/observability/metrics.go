package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fabric"

// Metrics holds every collector the fabric exports. Components receive the
// struct and touch only the fields they own.
type Metrics struct {
	// ingestion
	MessagesConsumed *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	BatchesCommitted *prometheus.CounterVec
	BatchRetries     *prometheus.CounterVec
	BatchesLost      *prometheus.CounterVec
	MessagesLost     *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	BatchDuration    prometheus.Histogram
	StaleAggregates  prometheus.Counter
	ClientsOffline   prometheus.Counter

	// points
	PointsDuration prometheus.Histogram
	PointsRows     prometheus.Gauge
	CatalogSize    prometheus.Gauge

	// connections
	ActiveConnections   prometheus.Gauge
	ConnectionsRejected prometheus.Counter
	ProtocolViolations  prometheus.Counter
	UnsupportedCommands prometheus.Counter
	ChecksumMismatches  prometheus.Counter
	HeartbeatsPublished prometheus.Counter
	TasksDispatched     prometheus.Counter
	TasksTimedOut       prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_total",
			Help: "Bus entries handed to the processor.",
		}, []string{"partition"}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "decode_errors_total",
			Help: "Bus entries skipped because they did not decode.",
		}, []string{"partition"}),
		BatchesCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "batches_committed_total",
			Help: "Batches applied in one committed transaction.",
		}, []string{"partition"}),
		BatchRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "batch_retries_total",
			Help: "Batch transaction attempts that were retried.",
		}, []string{"partition"}),
		BatchesLost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "batches_lost_total",
			Help: "Batches dropped after their retries were exhausted.",
		}, []string{"partition"}),
		MessagesLost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_lost_total",
			Help: "Heartbeats contained in dropped batches.",
		}, []string{"partition"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "batch_size",
			Help:    "Entries per released batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "batch_apply_seconds",
			Help:    "Time to apply one batch, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		StaleAggregates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "stale_aggregates_total",
			Help: "Aggregate upserts skipped because the bucket was not newer.",
		}),
		ClientsOffline: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "clients_marked_offline_total",
			Help: "Client snapshots marked offline by the sweeper.",
		}),
		PointsDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "points", Name: "recompute_seconds",
			Help:    "Duration of a full points recomputation.",
			Buckets: prometheus.DefBuckets,
		}),
		PointsRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "points", Name: "rows",
			Help: "Rows in the last points projection.",
		}),
		CatalogSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "points", Name: "device_types",
			Help: "Device types in the current catalog snapshot.",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "active_connections",
			Help: "Registered worker connections.",
		}),
		ConnectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "connections_rejected_total",
			Help: "Connections refused by the rate limiter.",
		}),
		ProtocolViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "protocol_violations_total",
			Help: "Connections closed for a protocol violation.",
		}),
		UnsupportedCommands: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "unsupported_commands_total",
			Help: "Frames ignored because their version or kind is unknown.",
		}),
		ChecksumMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "checksum_mismatches_total",
			Help: "Reassembled payloads discarded for a bad checksum.",
		}),
		HeartbeatsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "heartbeats_published_total",
			Help: "Heartbeats forwarded to the bus.",
		}),
		TasksDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "tasks_dispatched_total",
			Help: "Tasks sent to workers.",
		}),
		TasksTimedOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "tasks_timed_out_total",
			Help: "Tasks whose deadline expired before a result arrived.",
		}),
	}
}

// Discard returns metrics registered with a private registry, for callers
// that do not export them.
func Discard() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
