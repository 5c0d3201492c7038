// Package vos is the narrow external interface this module consumes
// from the local object store (spec.md §6: vos_dtx_{attach,cleanup,
// commit,abort,check,aggregate,cmt_reindex,mark_committable,mark_sync,
// stat,set_flags,load_mbs,rsrvd_init,rsrvd_fini,local_begin,local_end,
// validation,cache_reset,renew_epoch,detach}). Every one of those C
// entry points gets one Go method below; this module never implements
// the object store itself, only consumes it.
package vos

import (
	"context"
	"time"

	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
)

// Status is the per-entry commit status recorded in the local store.
type Status int

const (
	StatusUnknown Status = iota
	StatusPrepared
	StatusCommittable
	StatusCommitted
	StatusPartialCommitted
	StatusAborted
	StatusCorrupted
)

// EntryStat is the result of a Stat call: the persisted view of one
// DTX entry, independent of any in-DRAM handle or CoS state.
type EntryStat struct {
	ID     dtxid.ID
	Epoch  dtxid.HLC
	Status Status
	Flags  membership.EntryFlags
}

// RsrvdToken is the opaque reservation-arena handle returned by
// RsrvdInit and consumed by RsrvdFini (spec.md §5: "the reservation
// arena lives for the handle's lifetime and is reset by
// handle_reinit").
type RsrvdToken struct {
	opaque uint64
}

// Interface is the full local-store surface the engine depends on.
// Production deployments back it with the real object store;
// Fake backs it in-process for tests.
type Interface interface {
	// Attach creates the persisted DTX entry for id, associating it
	// with mbs (vos_dtx_attach).
	Attach(ctx context.Context, id dtxid.ID, epoch dtxid.HLC, mbs *membership.Ref, flags membership.EntryFlags) error

	// Cleanup discards a persisted entry that never reached a terminal
	// state, e.g. on abort of a still-prepared sub-op (vos_dtx_cleanup).
	Cleanup(ctx context.Context, id dtxid.ID) error

	// Commit transitions id to StatusCommitted (vos_dtx_commit).
	Commit(ctx context.Context, ids []dtxid.ID) error

	// Abort transitions id to StatusAborted (vos_dtx_abort).
	Abort(ctx context.Context, ids []dtxid.ID) error

	// Check returns the current status of id without side effects
	// (vos_dtx_check); ErrNonexist is the idempotent-success case.
	Check(ctx context.Context, id dtxid.ID) (EntryStat, error)

	// Aggregate reindexes committed entries older than ageFloor,
	// freeing their storage (vos_dtx_aggregate / vos_dtx_cmt_reindex).
	// ageFloor implements DTX_AGG_AGE_PRESERVE: entries younger than it
	// are never touched even under count-pressure.
	Aggregate(ctx context.Context, ageFloor int) (reclaimed int, err error)

	// MarkCommittable flags id as CoS-committable without yet
	// persisting a terminal decision (vos_dtx_mark_committable).
	MarkCommittable(ctx context.Context, id dtxid.ID) error

	// MarkSync flags id as resolved via the synchronous commit path,
	// distinguishing it from the batched path for metrics/CoS ordering
	// (vos_dtx_mark_sync).
	MarkSync(ctx context.Context, id dtxid.ID) error

	// Stat returns the persisted view of id (vos_dtx_stat).
	Stat(ctx context.Context, id dtxid.ID) (EntryStat, error)

	// SetFlags ORs extra flags onto the persisted entry
	// (vos_dtx_set_flags) — used to mark PARTIAL_COMMITTED/CORRUPTED.
	SetFlags(ctx context.Context, id dtxid.ID, flags membership.EntryFlags) error

	// LoadMBS returns the membership a persisted entry was attached
	// with (vos_dtx_load_mbs), used when reconstructing a dth/dlh on
	// resync after a restart.
	LoadMBS(ctx context.Context, id dtxid.ID) (*membership.Ref, error)

	// RsrvdInit allocates a reservation arena for a handle
	// (vos_dtx_rsrvd_init).
	RsrvdInit(ctx context.Context) (RsrvdToken, error)

	// RsrvdFini releases a reservation arena (vos_dtx_rsrvd_fini).
	RsrvdFini(ctx context.Context, tok RsrvdToken) error

	// LocalBegin starts a local (non-distributed) transaction
	// (vos_dtx_local_begin).
	LocalBegin(ctx context.Context, epoch dtxid.HLC) (dtxid.ID, error)

	// LocalEnd finalizes a local transaction: commit when err == nil,
	// abort otherwise (vos_dtx_local_end).
	LocalEnd(ctx context.Context, id dtxid.ID, err error) error

	// Validation revalidates a handle's recorded sub-ops against the
	// store, used before committing a long-lived leader handle
	// (vos_dtx_validation).
	Validation(ctx context.Context, id dtxid.ID) error

	// CacheReset drops any in-memory shadow the store keeps for a
	// container, used on resync (vos_dtx_cache_reset).
	CacheReset(ctx context.Context) error

	// RenewEpoch advances the epoch bound of a still-open entry
	// (vos_dtx_renew_epoch).
	RenewEpoch(ctx context.Context, id dtxid.ID, epoch dtxid.HLC) error

	// Detach severs a handle from its persisted entry without
	// resolving it, releasing DRAM-side bookkeeping only
	// (vos_dtx_detach).
	Detach(ctx context.Context, id dtxid.ID) error

	// CommittedStats reports the container's committed-but-not-yet-
	// aggregated entry count and the age of its oldest committed entry
	// (vos_dtx_stat's cont_cmt_count/oldest fields), the data
	// Aggregate's victim selection runs on (spec.md §4.5.2). This is
	// disjoint from the CoS committable backlog: it only grows as
	// Commit lands entries and only shrinks as Aggregate reclaims them.
	CommittedStats(ctx context.Context) (count int64, oldestAge time.Duration, err error)
}
