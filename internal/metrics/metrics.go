// Package metrics defines the Prometheus instrumentation shared across the
// runtime. One Set is created at startup and threaded through the
// components; tests build their own Set over a fresh registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles every collector the runtime exports.
type Set struct {
	// Resolution.
	ResolverHits     prometheus.Counter
	ResolverMisses   prometheus.Counter
	ResolverFailures *prometheus.CounterVec // class: not_found|unsafe|load_failure

	// Lifecycle, labeled by category.
	Constructions        *prometheus.CounterVec
	ConstructionFailures *prometheus.CounterVec
	Teardowns            *prometheus.CounterVec
	ConfigMerges         *prometheus.CounterVec
	DeferredKeys         *prometheus.CounterVec
	LiveInstances        *prometheus.GaugeVec

	// Scheduler.
	Ticks              prometheus.Counter
	TickDuration       prometheus.Histogram
	BusinessExecutions prometheus.Counter
	BusinessFailures   prometheus.Counter
	BackpressureSkips  *prometheus.CounterVec // pipeline

	// Serving.
	InferenceRuns     prometheus.Counter
	InferenceFailures prometheus.Counter
	InferenceDuration prometheus.Histogram

	// Comm.
	CommRetries       *prometheus.CounterVec // channel
	CommReconnects    *prometheus.CounterVec // channel
	OutboundEnqueued  prometheus.Counter
	OutboundEvicted   prometheus.Counter
	OutboundSent      prometheus.Counter
	OutboundSendFails prometheus.Counter
	OutboundDepth     prometheus.Gauge

	// Heartbeat.
	HeartbeatsSent prometheus.Counter
}

// NewSet registers all collectors with the given registerer.
func NewSet(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)

	return &Set{
		ResolverHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_resolver_cache_hits_total",
			Help: "Descriptor cache hits, successes and sticky failures alike.",
		}),
		ResolverMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_resolver_cache_misses_total",
			Help: "Descriptor cache misses that triggered a discovery cycle.",
		}),
		ResolverFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_resolver_failures_total",
			Help: "Resolution failures by class.",
		}, []string{"class"}),

		Constructions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_instances_constructed_total",
			Help: "Plugin instances constructed and started.",
		}, []string{"category"}),
		ConstructionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_construction_failures_total",
			Help: "Construction or startup failures, including timeouts.",
		}, []string{"category"}),
		Teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_instances_torn_down_total",
			Help: "Plugin instances torn down after leaving the desired set.",
		}, []string{"category"}),
		ConfigMerges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_config_merges_total",
			Help: "Incremental configuration merges applied to live instances.",
		}, []string{"category"}),
		DeferredKeys: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_constructions_deferred_total",
			Help: "Constructions pushed to a later tick by the per-tick cap.",
		}, []string{"category"}),
		LiveInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgenode_live_instances",
			Help: "Currently live plugin instances.",
		}, []string{"category"}),

		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_ticks_total",
			Help: "Completed scheduler ticks.",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgenode_tick_duration_seconds",
			Help:    "Wall time of one full scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		BusinessExecutions: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_business_executions_total",
			Help: "Business instance executions.",
		}),
		BusinessFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_business_failures_total",
			Help: "Business executions that returned an error.",
		}),
		BackpressureSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_backpressure_skips_total",
			Help: "Capture collections skipped because consumers were saturated.",
		}, []string{"pipeline"}),

		InferenceRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_inference_runs_total",
			Help: "Inference jobs executed by the serving pool.",
		}),
		InferenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_inference_failures_total",
			Help: "Inference jobs that returned an error or timed out.",
		}),
		InferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgenode_inference_duration_seconds",
			Help:    "Wall time of one inference job.",
			Buckets: prometheus.DefBuckets,
		}),

		CommRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_comm_connect_retries_total",
			Help: "Failed connection attempts per channel.",
		}, []string{"channel"}),
		CommReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_comm_reconnects_total",
			Help: "Successful transitions into the connected state.",
		}, []string{"channel"}),
		OutboundEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_outbound_enqueued_total",
			Help: "Envelopes accepted into the outbound queue.",
		}),
		OutboundEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_outbound_evicted_total",
			Help: "Oldest envelopes evicted by inserts into a full queue.",
		}),
		OutboundSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_outbound_sent_total",
			Help: "Envelopes delivered to a channel.",
		}),
		OutboundSendFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_outbound_send_failures_total",
			Help: "Envelope deliveries that failed; entries are not re-enqueued.",
		}),
		OutboundDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgenode_outbound_queue_depth",
			Help: "Current outbound queue depth.",
		}),

		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_heartbeats_total",
			Help: "Heartbeat envelopes enqueued.",
		}),
	}
}

// NewTestSet returns a Set over a private registry, for tests.
func NewTestSet() *Set {
	return NewSet(prometheus.NewRegistry())
}
