package bg

import (
	"context"
	"time"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/vos"
)

// ActiveEntry is one row of the active-DTX scan Cleanup walks (spec.md
// §4.5.3: "scans active DTX entries partitioning them by whether they
// are PARTIAL_COMMITTED or merely old").
type ActiveEntry struct {
	ID        dtxid.ID
	Flags     membership.EntryFlags
	StartTime time.Time
}

// Cleanup is the per-container, on-demand cleanup service.
type Cleanup struct {
	cfg   *config.DtxConfig
	store vos.Interface

	// Scan returns the current active-entry set.
	Scan func(ctx context.Context) ([]ActiveEntry, error)

	// RetryCommit retries a regular (or collective) commit for a
	// PARTIAL_COMMITTED entry.
	RetryCommit func(ctx context.Context, id dtxid.ID) error

	// RefreshBatch issues REFRESH for a batch of stale-prepared ids.
	RefreshBatch func(ctx context.Context, ids []dtxid.ID) error

	rpcTimeout time.Duration
	now        func() time.Time
}

// NewCleanup returns a worker bound to store, with the given RPC
// timeout feeding CleanupThreshold (spec.md §4.5.3).
func NewCleanup(cfg *config.DtxConfig, store vos.Interface, rpcTimeout time.Duration, scan func(ctx context.Context) ([]ActiveEntry, error), retryCommit func(ctx context.Context, id dtxid.ID) error, refreshBatch func(ctx context.Context, ids []dtxid.ID) error) *Cleanup {
	return &Cleanup{
		cfg: cfg, store: store, rpcTimeout: rpcTimeout,
		Scan: scan, RetryCommit: retryCommit, RefreshBatch: refreshBatch,
		now: time.Now,
	}
}

// Pass partitions the active-entry scan and drives each bucket
// through its resolution path, batching stale-prepared refreshes at
// cfg.RefreshMax (spec.md §4.5.3).
func (c *Cleanup) Pass(ctx context.Context) error {
	entries, err := c.Scan(ctx)
	if err != nil {
		return err
	}

	threshold := c.cfg.CleanupThreshold(c.rpcTimeout)
	now := c.now()

	var stale []dtxid.ID
	for _, e := range entries {
		if e.Flags.Has(membership.PartialCommitted) {
			if err := c.RetryCommit(ctx, e.ID); err != nil {
				return err
			}
			continue
		}
		if now.Sub(e.StartTime) >= threshold {
			stale = append(stale, e.ID)
		}
	}

	for i := 0; i < len(stale); i += c.cfg.RefreshMax {
		end := i + c.cfg.RefreshMax
		if end > len(stale) {
			end = len(stale)
		}
		if err := c.RefreshBatch(ctx, stale[i:end]); err != nil {
			return err
		}
	}
	return nil
}
