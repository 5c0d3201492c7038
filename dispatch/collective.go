package dispatch

import (
	"context"

	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/transport"
)

// KnomialChildren returns the ranks reachable as direct children of
// root within [minRank, maxRank] under a k-nomial broadcast tree of
// the given branching factor (spec.md §4.4: "KNOMIAL(8),
// CRT_RPC_FLAG_FILTER_INVERT"). Ranks are relative to minRank so the
// tree shape is independent of where the range starts.
func KnomialChildren(root, minRank, maxRank uint32, branching int) []uint32 {
	rel := int(root - minRank)
	span := int(maxRank-minRank) + 1
	var children []uint32
	for i := 1; i <= branching; i++ {
		childRel := rel*branching + i
		if childRel >= span {
			break
		}
		children = append(children, minRank+uint32(childRel))
	}
	return children
}

// CollBroadcast issues req across [minRank, maxRank] via a genuine
// multi-level KNOMIAL(e.cfg.CollTreeWidth) tree rooted at root (spec.md
// §4.4: "leader dispatches a KNOMIAL tree broadcast"): root sends only
// to its direct KnomialChildren, and each child's own subtree is
// walked recursively rather than flat-broadcasting every rank from the
// root. Replies are merged per-opcode: commit counters add, check
// folds through MergeCheckResult, and a hard error anywhere aborts the
// whole broadcast.
func (e *Engine) CollBroadcast(ctx context.Context, root, minRank, maxRank uint32, req transport.Request) (transport.Reply, error) {
	out := transport.Reply{PerXIDState: make(map[dtxid.ID]int)}
	children := KnomialChildren(root, minRank, maxRank, e.cfg.CollTreeWidth)
	for _, child := range children {
		reply, err := e.sender.Send(ctx, child, req)
		if err != nil {
			if !dtxerr.IsBenign(err) {
				return out, err
			}
		} else {
			mergeCollReply(&out, reply, req.Opcode)
		}

		sub, err := e.CollBroadcast(ctx, child, minRank, maxRank, req)
		if err != nil {
			return out, err
		}
		mergeCollReply(&out, sub, req.Opcode)
	}
	return out, nil
}

// mergeCollReply folds one more rank's reply into acc, per spec.md
// §4.4 "Aggregation callbacks merge per-opcode": commit counters add,
// abort carries no aggregate counter (failures already propagate as
// errors), and check folds through MergeCheckResult.
func mergeCollReply(acc *transport.Reply, next transport.Reply, op transport.Opcode) {
	switch op {
	case transport.OpCollCommit:
		acc.Status += next.Status
	case transport.OpCollCheck:
		acc.Status = int(MergeCheckResult(CheckState(acc.Status), CheckState(next.Status), nil))
	}
	for id, st := range next.PerXIDState {
		acc.PerXIDState[id] = st
	}
}

// CollCheck runs a collective CHECK: per spec.md §4.4, if the hinted
// shard's state is NONEXIST/INPROGRESS the non-leader must still
// consult all other local targets, and a plain NONEXIST is upgraded
// to INPROGRESS so the leader retries rather than accepting a false
// negative caused by migration.
func CollCheck(hintedState CheckState, hintedErr error, othersState CheckState) (CheckState, error) {
	if hintedErr != nil && !isNonexistOrInProgress(hintedErr) {
		return hintedState, hintedErr
	}
	merged := MergeCheckResult(hintedState, othersState, nil)
	if merged == CheckUnknown {
		return merged, dtxerr.ErrInProgress
	}
	return merged, nil
}

func isNonexistOrInProgress(err error) bool {
	return dtxerr.Is(err, dtxerr.ErrNonexist) || dtxerr.Is(err, dtxerr.ErrInProgress)
}

// collEntryBitmap tracks, per local VOS target, whether this engine
// instance participates in a collective DTX (spec.md §4.4 "coll_entry
// captures bitmap of local VOS targets").
type collEntryBitmap struct {
	bits []bool
}

func newCollEntryBitmap(n int) *collEntryBitmap {
	return &collEntryBitmap{bits: make([]bool, n)}
}

func (b *collEntryBitmap) Set(target int)      { b.bits[target] = true }
func (b *collEntryBitmap) Has(target int) bool { return b.bits[target] }

func (b *collEntryBitmap) Targets() []int {
	var out []int
	for i, v := range b.bits {
		if v {
			out = append(out, i)
		}
	}
	return out
}
