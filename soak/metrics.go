package soak

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns every Prometheus collector the engine exports, namespaced
// with "mmsoak".
//
// Histograms:
//   - tick_total_ms, fetch_md_ms, guards_ms, emit_ms: per-tick stage timings
//   - exchange_request_ms{verb}: batched exchange call latency
//
// Counters:
//   - coalesced_commands_total{op}: intents collapsed into batches
//   - exchange_requests_total{verb,endpoint}: outbound batch calls
//   - tick_deadline_miss_total: ticks aborted at the deadline
//   - ws_gap_invalidations_total: cached books dropped on sequence gaps
//   - guard_trips_total{reason}: guard activations by tag
//   - risk_blocks_total{reason}, risk_freezes_total
//   - writes_failed_total: artifact write failures
//   - tuning_outcomes_total{outcome}: apply/partial/skip per iteration
//
// Construct one Metrics per registry. Tests isolate collectors by passing
// prometheus.NewRegistry(); teardown between tests is a fresh registry, not
// unregistration.
type Metrics struct {
	TickTotal  prometheus.Histogram
	FetchMD    prometheus.Histogram
	Guards     prometheus.Histogram
	EmitStage  prometheus.Histogram
	ExchangeMS *prometheus.HistogramVec

	CoalescedCommands  *prometheus.CounterVec
	ExchangeRequests   *prometheus.CounterVec
	DeadlineMisses     prometheus.Counter
	WSGapInvalidations prometheus.Counter
	GuardTrips         *prometheus.CounterVec
	RiskBlocks         *prometheus.CounterVec
	RiskFreezes        prometheus.Counter
	WritesFailed       prometheus.Counter
	TuningOutcomes     *prometheus.CounterVec
}

// NewMetrics registers all engine collectors with the given registry.
// A nil registry uses the global default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	stageBuckets := []float64{1, 2, 5, 10, 25, 50, 100, 200, 400, 1000}

	m := &Metrics{}

	m.TickTotal = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mmsoak",
		Name:      "tick_total_ms",
		Help:      "Wall-clock duration of one tick across all symbols",
		Buckets:   stageBuckets,
	})
	m.FetchMD = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mmsoak",
		Name:      "fetch_md_ms",
		Help:      "Market data fetch stage duration within a tick",
		Buckets:   stageBuckets,
	})
	m.Guards = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mmsoak",
		Name:      "guards_ms",
		Help:      "Pre-trade guard stage duration within a tick",
		Buckets:   stageBuckets,
	})
	m.EmitStage = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mmsoak",
		Name:      "emit_ms",
		Help:      "Command emit stage duration within a tick",
		Buckets:   stageBuckets,
	})
	m.ExchangeMS = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mmsoak",
		Name:      "exchange_request_ms",
		Help:      "Batched exchange request latency",
		Buckets:   stageBuckets,
	}, []string{"verb"})

	m.CoalescedCommands = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "coalesced_commands_total",
		Help:      "Per-symbol intents collapsed into batched exchange calls",
	}, []string{"op"}) // op: place, cancel

	m.ExchangeRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "exchange_requests_total",
		Help:      "Outbound batched exchange calls",
	}, []string{"verb", "endpoint"})

	m.DeadlineMisses = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "tick_deadline_miss_total",
		Help:      "Ticks aborted because the per-tick deadline elapsed",
	})

	m.WSGapInvalidations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "ws_gap_invalidations_total",
		Help:      "Cached orderbooks invalidated by a snapshot sequence gap",
	})

	m.GuardTrips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "guard_trips_total",
		Help:      "Tuning guard activations by reason tag",
	}, []string{"reason"})

	m.RiskBlocks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "risk_blocks_total",
		Help:      "Orders blocked by pre-trade risk checks",
	}, []string{"reason"})

	m.RiskFreezes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "risk_freezes_total",
		Help:      "Risk monitor freeze entries",
	})

	m.WritesFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "writes_failed_total",
		Help:      "Artifact write failures (fsync or rename)",
	})

	m.TuningOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmsoak",
		Name:      "tuning_outcomes_total",
		Help:      "Per-iteration tuning outcomes",
	}, []string{"outcome"}) // outcome: apply, partial, skip

	return m
}
