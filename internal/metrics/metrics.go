// Package metrics provides the node's Prometheus collectors (spec §4.12),
// one metric family per pipeline stage so an operator can see exactly
// where a request was slow or rejected.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector exposed on the node's /metrics endpoint.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	PipelineStageDuration *prometheus.HistogramVec
	PipelineRejections    *prometheus.CounterVec

	WAFDecisions       *prometheus.CounterVec
	BlocklistHits      *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec

	CacheHits      *prometheus.CounterVec
	CacheBytes     prometheus.Gauge
	CacheEvictions prometheus.Counter

	WasmInvocations *prometheus.CounterVec
	WasmDuration    *prometheus.HistogramVec
	WasmTraps       *prometheus.CounterVec

	GossipEntriesAccepted prometheus.Counter
	GossipEntriesRejected *prometheus.CounterVec
	GossipPeers           prometheus.Gauge

	NodeUptime prometheus.Gauge
	NodeInfo   *prometheus.GaugeVec
}

// New creates and registers every collector against the default registry.
func New(nodeID string) *Metrics {
	return NewWithRegistry(nodeID, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered against a custom registerer,
// used by tests to avoid collisions with the global default registry.
func NewWithRegistry(nodeID string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_requests_total",
			Help: "Total number of ingress requests, by final disposition.",
		}, []string{"node", "status", "disposition"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_request_duration_seconds",
			Help:    "End-to-end request handling latency.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"node"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_requests_in_flight",
			Help: "Requests currently being processed by the pipeline.",
		}),

		PipelineStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_pipeline_stage_duration_seconds",
			Help:    "Per-stage latency within the pipeline controller (spec §4.1).",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		}, []string{"stage"}),

		PipelineRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_pipeline_rejections_total",
			Help: "Requests rejected at a given pipeline stage.",
		}, []string{"stage", "reason"}),

		WAFDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_waf_decisions_total",
			Help: "WAF rule evaluations by verdict and category.",
		}, []string{"verdict", "category"}),

		BlocklistHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_blocklist_hits_total",
			Help: "Requests matched against the threat-intel blocklist.",
		}, []string{"source"}),

		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_rate_limit_rejections_total",
			Help: "Requests rejected by the distributed rate limiter.",
		}, []string{"resource", "backend"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_cache_requests_total",
			Help: "Cache lookups by result.",
		}, []string{"result"}),

		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_cache_bytes",
			Help: "Current size of the response cache in bytes.",
		}),

		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_cache_evictions_total",
			Help: "Entries evicted to bring the cache under its watermark.",
		}),

		WasmInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_wasm_invocations_total",
			Help: "Wasm module invocations by result.",
		}, []string{"cid", "result"}),

		WasmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_wasm_duration_seconds",
			Help:    "Wasm module execution wall-clock time.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05},
		}, []string{"cid"}),

		WasmTraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_wasm_traps_total",
			Help: "Wasm module aborts by reason (fuel, memory, wall-clock, trap).",
		}, []string{"cid", "reason"}),

		GossipEntriesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_gossip_entries_accepted_total",
			Help: "Signed threat-intel entries accepted from gossip.",
		}),

		GossipEntriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_gossip_entries_rejected_total",
			Help: "Gossip entries rejected, by reason.",
		}, []string{"reason"}),

		GossipPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_gossip_peers",
			Help: "Peers this node has exchanged heartbeats with recently.",
		}),

		NodeUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_node_uptime_seconds",
			Help: "Seconds since the node process started.",
		}),

		NodeInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aegis_node_info",
			Help: "Static node identity labels, value is always 1.",
		}, []string{"node_id", "version"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.PipelineStageDuration, m.PipelineRejections,
			m.WAFDecisions, m.BlocklistHits, m.RateLimitRejections,
			m.CacheHits, m.CacheBytes, m.CacheEvictions,
			m.WasmInvocations, m.WasmDuration, m.WasmTraps,
			m.GossipEntriesAccepted, m.GossipEntriesRejected, m.GossipPeers,
			m.NodeUptime, m.NodeInfo,
		)
	}

	m.NodeInfo.WithLabelValues(nodeID, "1.0.0").Set(1)
	return m
}

func (m *Metrics) RecordRequest(status, disposition string, d time.Duration) {
	m.RequestsTotal.WithLabelValues("", status, disposition).Inc()
	m.RequestDuration.WithLabelValues("").Observe(d.Seconds())
}

func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.PipelineStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordRejection(stage, reason string) {
	m.PipelineRejections.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) UpdateUptime(start time.Time) {
	m.NodeUptime.Set(time.Since(start).Seconds())
}

var (
	globalMu      sync.Mutex
	globalMetrics *Metrics
)

// Init initializes the process-wide metrics instance exactly once.
func Init(nodeID string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(nodeID)
	}
	return globalMetrics
}

// Global returns the process-wide metrics instance, initializing a
// fallback if Init was never called (e.g. in unit tests).
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
