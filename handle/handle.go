// Package handle implements the per-transaction DRAM state tracked on
// both leader and non-leader participants (spec.md §3 "Handle (dth)",
// §4.3): sub-op tracking, the touched-OID array, and the begin/end
// lifecycle that resolves a transaction to commit, CoS caching, or
// abort.
package handle

import (
	"context"
	"sort"
	"sync"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/cos"
	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/placement"
	"github.com/mantisdb/dtxengine/rsrvd"
	"github.com/mantisdb/dtxengine/vos"
)

// SubModMax bounds modification_cnt (spec.md §3 invariant 3):
// UINT16_MAX - 2.
const SubModMax = 1<<16 - 1 - 2

// VosSubOpMax bounds op_seq (spec.md §3 invariant 3).
const VosSubOpMax = 1 << 16

// Flags is the handle-level bit set (spec.md §3 "Handle (dth)").
type Flags uint32

const (
	Solo Flags = 1 << iota
	Dist
	Sync
	DropCmt
	ForMigration
	IgnoreUncommitted
	Prepared
	EpochOwner
	Local
	Active
	CosDone
	Pinned
	ModifyShared
	Aborted
	Already
	NeedValidation
	SharesInited
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Handle is the dth: per-transaction state shared by leader and
// non-leader participants.
type Handle struct {
	mu sync.Mutex

	ID        dtxid.ID
	LeaderOID placement.OID

	Ver        uint32
	Epoch      dtxid.HLC
	EpochBound dtxid.HLC

	MBS      *membership.Ref
	DtiCos   []dtxid.ID
	ModCnt   int
	OpSeq    int
	DkeyHash uint64

	oidArray         []placement.OID
	touchedLeaderOID bool

	Flags Flags

	store  vos.Interface
	cos    *cos.Cache
	rsrvd  *rsrvd.Arena
	cfg    *config.DtxConfig
}

// New begins a non-leader handle (dth_begin, spec.md §4.3): if
// sub_cnt > 0 the DTX is persistently attached so a later resync can
// find it. Local transactions (flags.Has(Local)) bypass mbs/dispatch
// entirely and attach via vos_dtx_local_begin instead.
func New(ctx context.Context, store vos.Interface, cosCache *cos.Cache, cfg *config.DtxConfig, id dtxid.ID, epoch dtxid.HLC, ver uint32, leaderOID placement.OID, mbs *membership.Ref, subCnt int, flags Flags) (*Handle, error) {
	h := &Handle{
		ID:        id,
		LeaderOID: leaderOID,
		Ver:       ver,
		Epoch:     epoch,
		MBS:       mbs,
		Flags:     flags,
		store:     store,
		cos:       cosCache,
		cfg:       cfg,
		rsrvd:     rsrvd.New(store),
	}

	if flags.Has(Local) {
		localID, err := store.LocalBegin(ctx, epoch)
		if err != nil {
			return nil, err
		}
		h.ID = localID
		h.Flags |= Active
		return h, nil
	}

	if err := h.rsrvd.Init(ctx); err != nil {
		return nil, err
	}
	if subCnt > 0 {
		entryFlags := membership.EntryFlags(0)
		if err := store.Attach(ctx, id, epoch, mbs, entryFlags); err != nil {
			return nil, dtxerr.Wrap(err, "handle: attach")
		}
	}
	h.Flags |= Active
	return h, nil
}

// SubInit implements sub_init(oid, dkey_hash) (spec.md §4.3):
// increments op_seq, records dkey_hash, and de-dups oid into the
// sorted oid_array unless oid is the leader object.
func (h *Handle) SubInit(oid placement.OID, dkeyHash uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.OpSeq+1 > VosSubOpMax {
		return dtxerr.ErrNoPerm
	}
	h.OpSeq++
	h.DkeyHash = dkeyHash

	if oid == h.LeaderOID {
		h.touchedLeaderOID = true
		return nil
	}

	if h.ModCnt+1 > SubModMax {
		return dtxerr.ErrOverflow
	}
	if h.insertOID(oid) {
		h.ModCnt++
	}
	return nil
}

// insertOID performs the sorted, deduplicated binary-search insertion
// described as insert_oid (spec.md §4.3): capacity grows by doubling
// from an initial 4. Returns true if oid was newly inserted.
func (h *Handle) insertOID(oid placement.OID) bool {
	less := func(a, b placement.OID) bool {
		if a.Hi != b.Hi {
			return a.Hi < b.Hi
		}
		return a.Lo < b.Lo
	}

	idx := sort.Search(len(h.oidArray), func(i int) bool {
		return !less(h.oidArray[i], oid)
	})
	if idx < len(h.oidArray) && h.oidArray[idx] == oid {
		return false
	}

	if cap(h.oidArray) == 0 {
		h.oidArray = make([]placement.OID, 0, 4)
	}
	h.oidArray = append(h.oidArray, placement.OID{})
	copy(h.oidArray[idx+1:], h.oidArray[idx:])
	h.oidArray[idx] = oid
	return true
}

// OIDs returns the touched-OID set recorded so far, for tests and
// diagnostics.
func (h *Handle) OIDs() []placement.OID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]placement.OID, len(h.oidArray))
	copy(out, h.oidArray)
	return out
}

// Reinit resets per-attempt mutable state between client retries that
// share the same entry (handle_reinit, spec.md §4.3): mbs,
// modification_cnt and pinned survive; the reservation arena is
// reinitialized.
func (h *Handle) Reinit(ctx context.Context) error {
	h.mu.Lock()
	h.OpSeq = 0
	h.oidArray = h.oidArray[:0]
	h.touchedLeaderOID = false
	h.DtiCos = nil
	h.Flags &^= Aborted | Already | CosDone
	h.mu.Unlock()
	return h.rsrvd.Reinit(ctx)
}

// cosFlagsFor derives the CoS insertion flags for a non-collective
// entry reaching step 5 of end() (spec.md §4.3 step 5): entries not
// replicated within a single redundancy group always commit via the
// dedicated "expcmt" RPC sublist; only shared-replicated entries that
// also touch a shared object take the priority "Shared" sublist.
func cosFlagsFor(mbsFlags membership.Flags, shared bool) cos.Flags {
	if !mbsFlags.Has(membership.SrdgRep) {
		return cos.ExpCmt
	}
	if shared {
		return cos.Shared
	}
	return 0
}

// End resolves the handle's final state (end(), spec.md §4.3 steps
// 1-7). result carries the caller's proposed outcome: nil means
// success, any non-nil error means the transaction must abort.
//
// Local transactions (Flags.Has(Local)) take the short local_end path
// and never touch CoS or dispatch, matching spec.md §4.3's "local
// transactions do not interact with CoS or dispatch".
func (h *Handle) End(ctx context.Context, key cos.Key, result error) error {
	if h.ID.IsZero() || dtxerr.Is(result, dtxerr.ErrAlready) {
		return nil
	}

	if h.Flags.Has(Local) {
		return h.store.LocalEnd(ctx, h.ID, result)
	}

	defer func() {
		h.cos.PutPiggyback(h.DtiCos, result == nil)
		_ = h.rsrvd.Fini(ctx)
		_ = h.store.Detach(ctx, h.ID)
	}()

	if !h.Flags.Has(Solo) {
		if err := h.store.Validation(ctx, h.ID); err != nil {
			if dtxerr.Is(err, dtxerr.ErrAlready) {
				return nil
			}
		}
	}

	if result != nil {
		if !h.Flags.Has(Solo) {
			_ = h.store.Cleanup(ctx, h.ID)
			_ = h.store.Abort(ctx, []dtxid.ID{h.ID})
		}
		return result
	}

	if !h.Flags.Has(Active) && !h.Flags.Has(Prepared) && (h.Flags.Has(Dist) || h.ModCnt > 0) {
		if err := h.store.Attach(ctx, h.ID, h.Epoch, h.MBS, 0); err != nil {
			return dtxerr.Wrap(err, "handle: end attach")
		}
	}

	mbsFlags := membership.Flags(0)
	if h.MBS != nil && h.MBS.Get() != nil {
		mbsFlags = h.MBS.Get().Flags
	}

	if (h.Flags.Has(Prepared) && !mbsFlags.Has(membership.CollTarget)) || h.cfg.BatchedULTMax == 0 {
		err := h.store.Commit(ctx, []dtxid.ID{h.ID})
		if err == nil {
			return nil
		}
		if !dtxerr.Is(err, dtxerr.ErrNoMem) {
			return dtxerr.Wrap(err, "handle: sync commit")
		}
		// NOMEM: fall back to async commit through CoS below.
	}

	flags := cosFlagsFor(mbsFlags, h.Flags.Has(ModifyShared))
	if mbsFlags.Has(membership.CollTarget) {
		flags = cos.ExpCmt | cos.Coll
	}
	entry := &membership.Entry{ID: h.ID, MBS: h.MBS}
	if err := h.cos.Add(h.ID, entry, key, h.Epoch, flags); err != nil && !dtxerr.Is(err, dtxerr.ErrAlready) {
		return dtxerr.Wrap(err, "handle: cos add")
	}
	h.Flags |= CosDone
	return nil
}

// TranslateState translates the final state per spec.md §4.3 step 3 when called
// with a state-carrying error rather than a plain nil/non-nil result;
// kept as a standalone helper so dispatch/bg callers can reuse the
// same translation table.
func TranslateState(st vos.Status, aborted bool) error {
	switch {
	case st == vos.StatusPrepared && aborted:
		return dtxerr.ErrAgain
	case st == vos.StatusUnknown || st == vos.StatusPrepared:
		return dtxerr.ErrAgain
	case st == vos.StatusAborted:
		return dtxerr.ErrInProgress
	default:
		return nil
	}
}
