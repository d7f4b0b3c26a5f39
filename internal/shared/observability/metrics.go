package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devloop_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})

	WatcherBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devloop_watcher_batches_total",
		Help: "Total number of coalesced change batches emitted by the debouncer.",
	})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devloop_batches_total",
		Help: "Total number of change batches processed, by resulting tier.",
	}, []string{"tier"})

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devloop_batch_seconds",
		Help:    "Time from batch arrival to completed execution.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tier"})

	DirtySetSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devloop_dirty_set_size",
		Help:    "Number of files invalidated per batch.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	GraphNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devloop_graph_nodes_total",
		Help: "Total number of nodes in the dependency graph.",
	})

	GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devloop_graph_edges_total",
		Help: "Total number of edges in the dependency graph.",
	})

	GraphCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devloop_graph_cycles_total",
		Help: "Total number of dependency cycles reported during invalidation.",
	})

	ImportRuleViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devloop_import_rule_violations_total",
		Help: "Total number of import edges reported as rule violations.",
	})

	ParseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devloop_dependency_parse_failures_total",
		Help: "Total number of files whose dependencies could not be extracted.",
	})

	ParsersInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devloop_parsers_in_use",
		Help: "Tree-sitter parsers currently leased from the pools.",
	})

	ParsingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devloop_parsing_seconds",
		Help:    "Time spent extracting dependencies from a source file.",
		Buckets: prometheus.DefBuckets,
	})

	CompileFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devloop_hot_replace_failures_total",
		Help: "Total number of modules that failed to recompile during hot replacement.",
	})

	ServerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devloop_server_restarts_total",
		Help: "Total number of server launches, by reason.",
	}, []string{"reason"})

	ManifestFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devloop_manifest_flush_seconds",
		Help:    "Latency for atomically persisting the manifest.",
		Buckets: prometheus.DefBuckets,
	})

	ManifestRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devloop_manifest_records",
		Help: "Number of file records tracked by the manifest.",
	})

	WorkerCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devloop_health_worker_crashes_total",
		Help: "Total number of health worker crashes or timeouts, by worker kind.",
	}, []string{"kind"})

	WorkerRedeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devloop_health_redeliveries_total",
		Help: "Total number of check batches re-issued after a worker crash.",
	}, []string{"kind"})

	HealthCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devloop_health_check_seconds",
		Help:    "Round-trip time of a health check batch.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	UnhealthyFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devloop_unhealthy_files",
		Help: "Number of tracked files currently reported unhealthy.",
	})
)
