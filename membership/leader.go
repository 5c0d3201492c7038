package membership

import (
	"context"

	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/placement"
)

// LeaderGet resolves the leader target for a DTX over the given
// membership, following the four-rule algorithm (spec.md §4.1):
//
//  1. Walk m.Targets in order; the first one whose pool-map status is
//     eligible and whose in_ver <= ver is elected leader.
//  2. If none qualifies and m lacks CollTarget, the entry has no
//     reachable leader: ErrNonexist.
//  3. Otherwise (collective DTX) fall back to placing oid through pool
//     and electing the first shard of the resulting layout.
//  4. Any other placement failure is returned wrapped rather than
//     swallowed; a not-found or empty layout is ErrNonexist.
func LeaderGet(ctx context.Context, pool placement.Map, m *Membership, oid placement.OID, ver uint32) (placement.TargetInfo, error) {
	for _, t := range m.Targets {
		info, err := pool.TargetStatus(ctx, t.TargetID)
		if err != nil {
			if dtxerr.Is(err, dtxerr.ErrNonexist) {
				continue
			}
			return placement.TargetInfo{}, dtxerr.Wrap(err, "membership: leader target status")
		}
		if info.Status.Eligible() && info.InVer <= ver {
			return info, nil
		}
	}

	if !m.Flags.Has(CollTarget) {
		return placement.TargetInfo{}, dtxerr.ErrNonexist
	}

	layout, err := pool.Place(ctx, oid, ver)
	if err != nil {
		if dtxerr.Is(err, dtxerr.ErrNonexist) {
			return placement.TargetInfo{}, err
		}
		return placement.TargetInfo{}, dtxerr.Wrap(err, "membership: leader placement")
	}
	if len(layout.Shards) == 0 {
		return placement.TargetInfo{}, dtxerr.ErrNonexist
	}
	return layout.Shards[0].TargetInfo, nil
}
