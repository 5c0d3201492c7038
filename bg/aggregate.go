package bg

import (
	"context"
	"time"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/vos"
)

// ContainerStats is the subset of dtx_stat needed to pick aggregation
// victims (spec.md §4.5.2).
type ContainerStats struct {
	CmtCount        int64
	PoolCmtCount    int64
	OldestBlobAge   time.Duration
}

// Aggregate is the per-engine aggregation worker (spec.md §4.5.2):
// picks a victim container per pool and repeatedly calls
// vos_dtx_aggregate until thresholds drop below the lo-water marks or
// the oldest commit is younger than AggAgePreserve.
type Aggregate struct {
	cfg   *config.DtxConfig
	store vos.Interface

	// Stats returns the current victim-selection stats; wired to the
	// engine's per-container/per-pool bookkeeping in production.
	Stats func(ctx context.Context) ContainerStats
}

// NewAggregate returns a worker bound to store, paced per cfg.
func NewAggregate(cfg *config.DtxConfig, store vos.Interface, stats func(ctx context.Context) ContainerStats) *Aggregate {
	return &Aggregate{cfg: cfg, store: store, Stats: stats}
}

// IsVictim reports whether the container described by s is an
// aggregation victim (spec.md §4.5.2's two-way OR condition).
func (a *Aggregate) IsVictim(s ContainerStats) bool {
	if s.CmtCount >= a.cfg.AggThdCntUp {
		return true
	}
	overLo := s.CmtCount > a.cfg.AggThdCntLo || s.PoolCmtCount >= a.cfg.AggThdCntUp
	return overLo && s.OldestBlobAge >= a.cfg.AggThdAgeUp
}

// Pass runs one aggregation worker to quiescence for the current
// victim, respecting the AggAgePreserve floor (spec.md §4.5.2: "the
// 3-second floor is load-bearing").
func (a *Aggregate) Pass(ctx context.Context) (reclaimed int, err error) {
	s := a.Stats(ctx)
	if !a.IsVictim(s) {
		return 0, nil
	}

	ageFloorNanos := int(a.cfg.AggAgePreserve.Nanoseconds())
	for {
		select {
		case <-ctx.Done():
			return reclaimed, ctx.Err()
		default:
		}

		n, err := a.store.Aggregate(ctx, ageFloorNanos)
		if err != nil {
			return reclaimed, err
		}
		reclaimed += n
		if n == 0 {
			return reclaimed, nil
		}

		s = a.Stats(ctx)
		if s.CmtCount < a.cfg.AggThdCntLo && s.OldestBlobAge < a.cfg.AggThdAgeLo {
			return reclaimed, nil
		}
		if s.OldestBlobAge < a.cfg.AggAgePreserve {
			return reclaimed, nil
		}
	}
}

// Run polls Pass every 500ms until ctx is canceled (spec.md §4.5.2:
// "one ULT per engine, waking every 500 ms").
func (a *Aggregate) Run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = a.Pass(ctx)
		}
	}
}
