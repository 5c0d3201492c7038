package placement

import (
	"context"
	"sort"

	"github.com/mantisdb/dtxengine/dtxerr"
)

// Fake is an in-memory Map used by tests. It is grounded on the
// teacher's testing/reliability_tests.go fault-injection shape: callers
// seed it with targets and layouts, and it serves them back
// deterministically with no network or real pool-map dependency.
type Fake struct {
	Targets map[uint32]TargetInfo
	Layouts map[OID]Layout
}

// NewFake returns an empty Fake ready for Seed calls.
func NewFake() *Fake {
	return &Fake{
		Targets: make(map[uint32]TargetInfo),
		Layouts: make(map[OID]Layout),
	}
}

// SeedTarget registers one target's status/in_ver.
func (f *Fake) SeedTarget(t TargetInfo) {
	f.Targets[t.Target] = t
}

// SeedLayout registers the placement layout for one object.
func (f *Fake) SeedLayout(oid OID, shards ...Shard) {
	f.Layouts[oid] = Layout{Shards: append([]Shard(nil), shards...)}
}

func (f *Fake) TargetStatus(_ context.Context, target uint32) (TargetInfo, error) {
	t, ok := f.Targets[target]
	if !ok {
		return TargetInfo{}, dtxerr.ErrNonexist
	}
	return t, nil
}

func (f *Fake) Place(_ context.Context, oid OID, _ uint32) (Layout, error) {
	l, ok := f.Layouts[oid]
	if !ok {
		return Layout{}, dtxerr.ErrInval
	}
	return l, nil
}

func (f *Fake) NodeNr(_ context.Context) (int, error) {
	ranks := map[uint32]struct{}{}
	for _, t := range f.Targets {
		ranks[t.Rank] = struct{}{}
	}
	nodes := make([]uint32, 0, len(ranks))
	for r := range ranks {
		nodes = append(nodes, r)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return len(nodes), nil
}

var _ Map = (*Fake)(nil)
