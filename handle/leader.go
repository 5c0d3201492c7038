package handle

import (
	"context"
	"sync"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/cos"
	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/placement"
	"github.com/mantisdb/dtxengine/vos"
)

// SubStatus is one dtx_sub_status: the dispatch result for a single
// forwarded target (spec.md §3 "per-target {tgt, result, version,
// complete_bit}").
type SubStatus struct {
	Target      uint32
	Result      error
	Version     uint32
	CompleteBit bool
}

// LeaderFlags are the collective/forwarding bits tracked only on the
// leader side (spec.md §3 "Leader handle").
type LeaderFlags uint32

const (
	Coll LeaderFlags = 1 << iota
	Relay
	NormalSubDone
	DropCond
	NeedAgg
	AggDone
)

func (f LeaderFlags) Has(bit LeaderFlags) bool { return f&bit != 0 }

// LeaderHandle is the dlh: state for an in-flight or just-finished
// leader-side transaction, embedding the shared non-leader Handle
// fields (spec.md §3 "Leader Handle (dlh)").
type LeaderHandle struct {
	*Handle

	mu sync.Mutex

	Subs []SubStatus

	NormalSubCnt int
	DelaySubCnt  int
	ForwardIdx   int
	ForwardCnt   int
	Result       error
	RemoteVer    uint32
	AllowFailure bool

	LFlags LeaderFlags
}

// LeaderBegin creates a leader handle (leader_begin, spec.md §4.3):
// allocates Subs sized to the membership's target count and, for
// regular (non-collective) flows, wires targets up-front; collective
// flows populate targets lazily as the dispatcher discovers them.
func LeaderBegin(ctx context.Context, store vos.Interface, cosCache *cos.Cache, cfg *config.DtxConfig, id dtxid.ID, epoch dtxid.HLC, ver uint32, leaderOID placement.OID, mbs *membership.Ref, subCnt int, flags Flags) (*LeaderHandle, error) {
	h, err := New(ctx, store, cosCache, cfg, id, epoch, ver, leaderOID, mbs, subCnt, flags|Dist)
	if err != nil {
		return nil, err
	}

	lh := &LeaderHandle{Handle: h}
	if mbs == nil || mbs.Get() == nil {
		return lh, nil
	}
	m := mbs.Get()
	if m.Flags.Has(membership.CollTarget) {
		lh.LFlags |= Coll
		return lh, nil // targets populated lazily by the dispatcher
	}

	lh.Subs = make([]SubStatus, 0, len(m.Targets))
	for _, t := range m.Targets {
		lh.Subs = append(lh.Subs, SubStatus{Target: t.TargetID})
	}
	lh.NormalSubCnt = len(lh.Subs)
	return lh, nil
}

// RecordResult stores the dispatch outcome for one target, called by
// the dispatch engine as forwarded sub-requests complete.
func (lh *LeaderHandle) RecordResult(target uint32, ver uint32, err error) {
	lh.mu.Lock()
	defer lh.mu.Unlock()
	for i := range lh.Subs {
		if lh.Subs[i].Target == target {
			lh.Subs[i].Result = err
			lh.Subs[i].Version = ver
			lh.Subs[i].CompleteBit = true
			return
		}
	}
}

// AllComplete reports whether every sub-request has completed.
func (lh *LeaderHandle) AllComplete() bool {
	lh.mu.Lock()
	defer lh.mu.Unlock()
	for _, s := range lh.Subs {
		if !s.CompleteBit {
			return false
		}
	}
	return true
}

// FailedTargets returns the targets whose sub-request did not
// succeed, used to decide between full commit, partial-commit
// demotion, and abort.
func (lh *LeaderHandle) FailedTargets() []uint32 {
	lh.mu.Lock()
	defer lh.mu.Unlock()
	var out []uint32
	for _, s := range lh.Subs {
		if s.Result != nil && !dtxerr.IsBenign(s.Result) {
			out = append(out, s.Target)
		}
	}
	return out
}

// LeaderEnd resolves the leader transaction's final state, applying
// the same seven-step resolution as End but additionally marking
// PARTIAL_COMMITTED when some (not all) sub-requests failed (spec.md
// example scenario 4: "leader async + partial commit").
func (lh *LeaderHandle) LeaderEnd(ctx context.Context, key cos.Key, result error) error {
	failed := lh.FailedTargets()
	if result == nil && len(failed) > 0 && len(failed) < len(lh.Subs) {
		if err := lh.store.SetFlags(ctx, lh.ID, membership.PartialCommitted); err != nil && !dtxerr.Is(err, dtxerr.ErrNonexist) {
			return dtxerr.Wrap(err, "handle: mark partial committed")
		}
		// Partial-committed entries still resolve through CoS so the
		// next batched-commit cycle retries the remaining targets.
	}
	if result == nil && len(failed) == len(lh.Subs) && len(lh.Subs) > 0 {
		result = dtxerr.ErrHG
	}
	return lh.End(ctx, key, result)
}
