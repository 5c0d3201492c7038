// Package dispatch implements the RPC dispatch engine (spec.md §4.4):
// target classification, step-paced batch draining, the per-opcode RPC
// handlers, the collective KNOMIAL broadcast path, and the two-phase
// leader fan-out with delayed sub-requests.
package dispatch

import (
	"context"

	"github.com/tidwall/btree"

	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/placement"
)

// classKey packs (rank, tag) into the single uint64 the classification
// tree is ordered by (spec.md §4.4: "classification B-tree keyed by
// (rank << 32) | tag").
type classKey uint64

func packKey(rank, tag uint32) classKey {
	return classKey(uint64(rank)<<32 | uint64(tag))
}

type classBucket struct {
	key      classKey
	targetID uint32
	xids     []dtxid.ID
}

// Batch is the per-(rank,tag) result of Classify: one bucket worth of
// de-duplicated transaction ids destined for one target. Rank is the
// RPC destination (what the transport dials); TargetID is the VOS
// target identity the membership/leader-handle bookkeeping tracks.
// The two live in different address spaces and must not be confused
// when recording a sub-request's outcome.
type Batch struct {
	Rank, Tag uint32
	TargetID  uint32
	XIDs      []dtxid.ID
}

// Classify builds the per-(rank,tag) dispatch batches for a set of
// entries, applying the five skip rules of spec.md §4.4 "Target
// classification": skip the sender when CONTAIN_LEADER, skip stale
// pool-map versions, skip ineligible statuses, skip self, and
// de-duplicate consecutive xids within one (rank,tag) bucket.
func Classify(ctx context.Context, pool placement.Map, entries []*membership.Entry, mbsOf func(*membership.Entry) *membership.Membership, verOf func(*membership.Entry) uint32, self uint32) ([]Batch, error) {
	tree := btree.NewBTreeG(func(a, b *classBucket) bool { return a.key < b.key })

	for _, e := range entries {
		m := mbsOf(e)
		if m == nil {
			continue
		}
		ver := verOf(e)

		for i, t := range m.Targets {
			if i == 0 && m.Flags.Has(membership.ContainLeader) {
				continue // first entry is the sender
			}
			info, err := pool.TargetStatus(ctx, t.TargetID)
			if err != nil {
				continue
			}
			if info.InVer > ver {
				continue
			}
			if !info.Status.Eligible() {
				continue
			}
			if info.Target == self {
				continue
			}

			key := packKey(info.Rank, info.Tag)
			probe := &classBucket{key: key}
			b, ok := tree.Get(probe)
			if !ok {
				b = &classBucket{key: key, targetID: info.Target}
				tree.Set(b)
			}
			if len(b.xids) > 0 && b.xids[len(b.xids)-1] == e.ID {
				continue // duplicate consecutive insertion
			}
			b.xids = append(b.xids, e.ID)
		}
	}

	var out []Batch
	tree.Scan(func(b *classBucket) bool {
		out = append(out, Batch{
			Rank:     uint32(uint64(b.key) >> 32),
			Tag:      uint32(uint64(b.key)),
			TargetID: b.targetID,
			XIDs:     b.xids,
		})
		return true
	})
	return out, nil
}
