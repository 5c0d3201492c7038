// Package bg implements the background services of spec.md §4.5:
// batched commit, aggregation, cleanup, resync and refresh. Each is a
// small worker with a Run(ctx) loop; in the original these are ULTs
// multiplexed on a scheduler, here each gets its own goroutine, paced
// by a time.Ticker instead of sched_req_sleep.
package bg

import (
	"context"
	"time"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/cos"
	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/vos"
)

// BatchedCommit is the per-engine batched-commit worker (spec.md
// §4.5.1): for each eligible container, drain up to ThresholdCount
// committable entries per pass, using collective commit for
// collective entries one at a time.
type BatchedCommit struct {
	cfg   *config.DtxConfig
	store vos.Interface
	cos   *cos.Cache

	// Commit issues the actual commit RPC fan-out for a batch of
	// regular ids, or the collective path for a single collective id.
	Commit func(ctx context.Context, ids []dtxid.ID, collective bool) error

	idleSleep time.Duration
	busySleep time.Duration
}

// NewBatchedCommit returns a worker bound to store/cosCache, paced per
// cfg (spec.md §4.5.1: "50 ms sleeps, 500 ms when idle").
func NewBatchedCommit(cfg *config.DtxConfig, store vos.Interface, cosCache *cos.Cache, commit func(ctx context.Context, ids []dtxid.ID, collective bool) error) *BatchedCommit {
	return &BatchedCommit{
		cfg: cfg, store: store, cos: cosCache, Commit: commit,
		idleSleep: 500 * time.Millisecond,
		busySleep: 50 * time.Millisecond,
	}
}

// Eligible reports whether the container currently warrants starting a
// batched-commit worker (spec.md §4.5.1's three-way OR condition).
func (b *BatchedCommit) Eligible() bool {
	if b.cos.CommittableCount() > b.cfg.ThresholdCount {
		return true
	}
	if b.cos.CommittableCollCount() > 0 {
		return true
	}
	oldest := b.cos.Oldest()
	if oldest == 0 {
		return false
	}
	age := time.Duration(uint64(nowHLC()) - uint64(oldest))
	return age >= b.cfg.CommitThresholdAge
}

// nowHLC is overridden in tests; production wiring stamps HLC as
// monotonic nanoseconds from the engine's clock source.
var nowHLC = func() dtxid.HLC { return dtxid.HLC(time.Now().UnixNano()) }

// Pass drains up to cfg.ThresholdCount committable entries in one
// pass, oldest-first, honoring the "collective entries committed
// singly" rule (spec.md §4.5.1 "Ordering").
func (b *BatchedCommit) Pass(ctx context.Context) (drained int, err error) {
	entries, isColl := b.cos.FetchCommittable(b.cfg.ThresholdCount, nil, maxHLC(), false)
	if len(entries) == 0 {
		return 0, nil
	}

	ids := make([]dtxid.ID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	if err := b.Commit(ctx, ids, isColl); err != nil {
		return 0, err
	}
	if err := b.store.Commit(ctx, ids); err != nil {
		return 0, dtxerr.Wrap(err, "bg: batched commit persist")
	}

	rm := make([]bool, len(ids))
	for i := range rm {
		rm[i] = true
	}
	b.cos.BatchedDel(ids, rm)
	return len(ids), nil
}

func maxHLC() dtxid.HLC { return dtxid.HLC(^uint64(0)) }

// Run drives Pass in a loop until ctx is canceled, sleeping busySleep
// after productive passes and idleSleep when there was nothing to do.
func (b *BatchedCommit) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := b.Pass(ctx)
		sleep := b.idleSleep
		if n > 0 && err == nil {
			sleep = b.busySleep
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}
