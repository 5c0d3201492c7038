package bg

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/vos"
)

// ResyncEntry is one row the resync scan walks (spec.md §4.5.4 step
// 2): entries already CORRUPTED/ORPHAN/unprepared/newer-than-self are
// filtered out by the scanner before reaching Resync.
type ResyncEntry struct {
	ID      dtxid.ID
	Ver     uint32
	IsLocal bool // true if this engine is the current leader for the entry
}

// Resync is the per-(pool, container) resync service. Only one resync
// may run at a time per key; golang.org/x/sync/singleflight replaces
// the cond-var guard the original uses, generalizing "a second caller
// with block == true waits" into singleflight's natural duplicate-call
// coalescing; "block == false early-returns" is Resync.TryRun, which
// checks a separate inFlight guard map and returns ErrInProgress.
type Resync struct {
	cfg   *config.DtxConfig
	store vos.Interface
	group singleflight.Group

	mu       sync.Mutex
	inFlight map[string]bool

	Scan         func(ctx context.Context, resyncVersion, discardVersion uint32) ([]ResyncEntry, error)
	HandleLocal  func(ctx context.Context, ids []dtxid.ID) error
	ForwardCheck func(ctx context.Context, ids []dtxid.ID) error
	DrainOnClose func(ctx context.Context) error
}

// NewResync returns a worker bound to store.
func NewResync(cfg *config.DtxConfig, store vos.Interface, scan func(ctx context.Context, resyncVersion, discardVersion uint32) ([]ResyncEntry, error), handleLocal func(ctx context.Context, ids []dtxid.ID) error, forwardCheck func(ctx context.Context, ids []dtxid.ID) error, drainOnClose func(ctx context.Context) error) *Resync {
	return &Resync{
		cfg: cfg, store: store,
		inFlight: make(map[string]bool),
		Scan:     scan, HandleLocal: handleLocal, ForwardCheck: forwardCheck, DrainOnClose: drainOnClose,
	}
}

// Run executes one resync pass for key (pool,container), coalescing
// concurrent callers via singleflight (spec.md §4.5.4: "only one
// resync may be running per container").
func (r *Resync) Run(ctx context.Context, key string, resyncVersion, discardVersion uint32) error {
	_, err, _ := r.group.Do(key, func() (any, error) {
		return nil, r.run(ctx, resyncVersion, discardVersion)
	})
	return err
}

// TryRun is the block==false variant: it returns ErrInProgress
// immediately if a resync for key is already in flight rather than
// waiting for it (spec.md §4.5.4: "block == false early-returns").
// singleflight.Group itself always coalesces callers onto the
// in-flight result, so the non-blocking early-return needs its own
// small guard map alongside the Group.
func (r *Resync) TryRun(ctx context.Context, key string, resyncVersion, discardVersion uint32) error {
	r.mu.Lock()
	if r.inFlight[key] {
		r.mu.Unlock()
		return dtxerr.ErrInProgress
	}
	r.inFlight[key] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, key)
		r.mu.Unlock()
	}()

	return r.Run(ctx, key, resyncVersion, discardVersion)
}

// run executes one resync pass. Per spec.md §4.5.4 step 1, when
// resyncVersion == discardVersion only the "discard stale" work runs:
// entries below discardVersion still get aborted, but no local/remote
// resolution work is issued, since there is nothing beyond the
// discard floor left to resync.
func (r *Resync) run(ctx context.Context, resyncVersion, discardVersion uint32) error {
	entries, err := r.Scan(ctx, resyncVersion, discardVersion)
	if err != nil {
		return err
	}

	onlyDiscard := resyncVersion == discardVersion

	var toAbort, local, remote []dtxid.ID
	for _, e := range entries {
		if e.Ver < discardVersion {
			toAbort = append(toAbort, e.ID)
			continue
		}
		if onlyDiscard {
			continue
		}
		if e.IsLocal {
			local = append(local, e.ID)
		} else {
			remote = append(remote, e.ID)
		}
	}

	if len(toAbort) > 0 {
		if err := r.store.Abort(ctx, toAbort); err != nil && !dtxerr.IsBenign(err) {
			return err
		}
	}
	if onlyDiscard {
		return nil
	}

	if len(local) > 0 && r.HandleLocal != nil {
		if err := r.HandleLocal(ctx, local); err != nil {
			return err
		}
	}
	if len(remote) > 0 && r.ForwardCheck != nil {
		if err := r.ForwardCheck(ctx, remote); err != nil {
			return err
		}
	}

	if r.DrainOnClose != nil {
		return r.DrainOnClose(ctx)
	}
	return nil
}
