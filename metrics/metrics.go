// Package metrics exposes the per-stream counters spec.md §6 names
// ("committable", "leader_total", "async_cmt_lat", "chore_retry", and
// per-opcode batched degree/totals) as real Prometheus collectors.
//
// Grounded on the teacher's advanced/metrics exporter shape and
// pkg/concurrency/metrics_exporter.go's "handle passed explicitly"
// pattern (DESIGN NOTES §9: "model thread-local metrics as a
// per-worker struct threaded through call chains explicitly"), but
// backed by github.com/prometheus/client_golang instead of a hand-
// rolled text exporter, matching the library every teacher-adjacent
// example repo (aistore, erigon, go-ethereum, luxfi-evm) carries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Handle is a per-target-stream metrics handle. One Handle is created
// per execution stream at engine start and passed explicitly to
// engine.Container (Deps.Metrics), rather than looked up from a
// goroutine-local — see DESIGN NOTES §9; dispatch and bg do not take
// a Handle.
type Handle struct {
	stream string

	Committable     prometheus.Gauge
	CommittableColl prometheus.Gauge
	LeaderTotal     prometheus.Counter
	AsyncCommitLat  prometheus.Histogram
	ChoreRetry      prometheus.Counter

	BatchedDegree *prometheus.HistogramVec // labeled by opcode
	BatchedTotal  *prometheus.CounterVec   // labeled by opcode, outcome

	OldestCommittableAge prometheus.Gauge
	AggregatedTotal       prometheus.Counter
	ResyncTotal           prometheus.Counter
	RefreshTotal          *prometheus.CounterVec // labeled by outcome
}

// Registry owns the collectors shared across every stream's Handle;
// per-stream labels are applied via curried vectors.
type Registry struct {
	reg *prometheus.Registry

	leaderTotal     *prometheus.CounterVec
	committable     *prometheus.GaugeVec
	committableColl *prometheus.GaugeVec
	asyncCommitLat  *prometheus.HistogramVec
	choreRetry      *prometheus.CounterVec
	batchedDegree   *prometheus.HistogramVec
	batchedTotal    *prometheus.CounterVec
	oldestCmtAge    *prometheus.GaugeVec
	aggregatedTotal *prometheus.CounterVec
	resyncTotal     *prometheus.CounterVec
	refreshTotal    *prometheus.CounterVec
}

// NewRegistry creates a fresh, independent Prometheus registry — tests
// and multiple engine instances in one process should each own one
// rather than sharing prometheus.DefaultRegisterer.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.leaderTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtx", Name: "leader_total", Help: "DTX transactions driven as leader.",
	}, []string{"stream"})
	r.committable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dtx", Name: "committable", Help: "Entries currently committable in CoS.",
	}, []string{"stream"})
	r.committableColl = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dtx", Name: "committable_collective", Help: "Collective entries currently committable in CoS.",
	}, []string{"stream"})
	r.asyncCommitLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dtx", Name: "async_commit_latency_seconds", Help: "Latency of batched (async) commit passes.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})
	r.choreRetry = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtx", Name: "chore_retry_total", Help: "Dispatch chore retries (AGAIN responses).",
	}, []string{"stream"})
	r.batchedDegree = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dtx", Name: "batched_rpc_degree", Help: "Number of DTX ids carried per batched RPC.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	}, []string{"stream", "opcode"})
	r.batchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtx", Name: "batched_rpc_total", Help: "Batched RPCs issued.",
	}, []string{"stream", "opcode", "outcome"})
	r.oldestCmtAge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dtx", Name: "oldest_committable_age_seconds", Help: "Age of the oldest committable CoS entry.",
	}, []string{"stream"})
	r.aggregatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtx", Name: "aggregated_total", Help: "DTX entries reclaimed by aggregation.",
	}, []string{"stream"})
	r.resyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtx", Name: "resync_total", Help: "Resync passes completed.",
	}, []string{"stream"})
	r.refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtx", Name: "refresh_total", Help: "REFRESH outcomes observed.",
	}, []string{"stream", "outcome"})

	r.reg.MustRegister(
		r.leaderTotal, r.committable, r.committableColl, r.asyncCommitLat,
		r.choreRetry, r.batchedDegree, r.batchedTotal, r.oldestCmtAge,
		r.aggregatedTotal, r.resyncTotal, r.refreshTotal,
	)
	return r
}

// Gatherer exposes the underlying registry for an HTTP /metrics
// handler (e.g. promhttp.HandlerFor(reg.Gatherer(), ...)).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// For returns (creating if necessary) the Handle for one stream name.
func (r *Registry) For(stream string) *Handle {
	return &Handle{
		stream:               stream,
		Committable:          r.committable.WithLabelValues(stream),
		CommittableColl:      r.committableColl.WithLabelValues(stream),
		LeaderTotal:          r.leaderTotal.WithLabelValues(stream),
		AsyncCommitLat:       r.asyncCommitLat.WithLabelValues(stream),
		ChoreRetry:           r.choreRetry.WithLabelValues(stream),
		BatchedDegree:        r.batchedDegree.MustCurryWith(prometheus.Labels{"stream": stream}),
		BatchedTotal:         r.batchedTotal.MustCurryWith(prometheus.Labels{"stream": stream}),
		OldestCommittableAge: r.oldestCmtAge.WithLabelValues(stream),
		AggregatedTotal:      r.aggregatedTotal.WithLabelValues(stream),
		ResyncTotal:          r.resyncTotal.WithLabelValues(stream),
		RefreshTotal:         r.refreshTotal.MustCurryWith(prometheus.Labels{"stream": stream}),
	}
}

// ObserveBatch records one batched RPC of the given opcode, degree
// (number of DTX ids carried) and outcome ("ok", "partial", "error").
func (h *Handle) ObserveBatch(opcode string, degree int, outcome string) {
	h.BatchedDegree.WithLabelValues(opcode).Observe(float64(degree))
	h.BatchedTotal.WithLabelValues(opcode, outcome).Inc()
}

// ObserveRefresh records one REFRESH reply outcome ("committed",
// "aborted", "uncertain", "inprogress").
func (h *Handle) ObserveRefresh(outcome string) {
	h.RefreshTotal.WithLabelValues(outcome).Inc()
}
