package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mantisdb/dtxengine/bg"
	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/cos"
	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/handle"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/placement"
	"github.com/mantisdb/dtxengine/transport"
	"github.com/mantisdb/dtxengine/vos"
)

func newTestContainer() (*Container, *vos.Fake, *placement.Fake, *transport.Fake) {
	store := vos.NewFake()
	pool := placement.NewFake()
	sender := transport.NewFake()
	c := New(0, config.Default(), Deps{Store: store, Pool: pool, Sender: sender})
	return c, store, pool, sender
}

func TestContainerLocalCommit(t *testing.T) {
	c, store, _, _ := newTestContainer()
	ctx := context.Background()

	h, tok, err := c.Begin(ctx, dtxid.Zero, 1, 0, placement.OID{}, nil, 0, handle.Local)
	require.NoError(t, err)
	require.NoError(t, c.End(ctx, tok, h, cos.Key{}, nil))

	st, err := store.Stat(ctx, h.ID)
	require.NoError(t, err)
	require.Equal(t, vos.StatusCommitted, st.Status)
}

func TestContainerLocalAbort(t *testing.T) {
	c, store, _, _ := newTestContainer()
	ctx := context.Background()

	h, tok, err := c.Begin(ctx, dtxid.Zero, 1, 0, placement.OID{}, nil, 0, handle.Local)
	require.NoError(t, err)
	require.NoError(t, c.End(ctx, tok, h, cos.Key{}, dtxerr.ErrHG))

	st, err := store.Stat(ctx, h.ID)
	require.NoError(t, err)
	require.Equal(t, vos.StatusAborted, st.Status)
}

func TestContainerLeaderSyncCommit(t *testing.T) {
	c, store, pool, sender := newTestContainer()
	ctx := context.Background()

	pool.SeedTarget(placement.TargetInfo{Target: 1, Rank: 1, Tag: 0, Status: placement.StatusUp, InVer: 0})
	m := &membership.Membership{Targets: []membership.TargetDesc{{TargetID: 1}}}
	mbs := membership.NewRef(m)

	id := dtxid.New(1)
	lh, tok, err := c.BeginLeader(ctx, id, 1, 5, placement.OID{}, mbs, 1, handle.Prepared)
	require.NoError(t, err)

	require.NoError(t, c.CommitLeader(ctx, tok, lh, cos.Key{OID: placement.OID{Hi: 1}, DkeyHash: 1}))
	require.Len(t, sender.Calls(), 1)
	require.Equal(t, transport.OpCommit, sender.Calls()[0].Opcode)

	st, err := store.Stat(ctx, id)
	require.NoError(t, err)
	require.Equal(t, vos.StatusCommitted, st.Status)
}

func TestContainerLeaderAsyncPartialCommit(t *testing.T) {
	c, store, pool, sender := newTestContainer()
	ctx := context.Background()

	pool.SeedTarget(placement.TargetInfo{Target: 1, Rank: 1, Tag: 0, Status: placement.StatusUp, InVer: 0})
	pool.SeedTarget(placement.TargetInfo{Target: 2, Rank: 2, Tag: 0, Status: placement.StatusUp, InVer: 0})
	sender.FailTarget(transport.OpCommit, 2, dtxerr.ErrHG)

	m := &membership.Membership{Targets: []membership.TargetDesc{{TargetID: 1}, {TargetID: 2}}}
	mbs := membership.NewRef(m)

	id := dtxid.New(1)
	lh, tok, err := c.BeginLeader(ctx, id, 1, 5, placement.OID{}, mbs, 2, 0)
	require.NoError(t, err)

	key := cos.Key{OID: placement.OID{Hi: 2}, DkeyHash: 2}
	require.NoError(t, c.CommitLeader(ctx, tok, lh, key))

	st, err := store.Stat(ctx, id)
	require.NoError(t, err)
	require.True(t, st.Flags.Has(membership.PartialCommitted))
	require.Equal(t, 1, c.cos.CommittableCount())
}

func TestContainerLeaderAsyncPartialCommitWithDistinctRankAndTargetID(t *testing.T) {
	c, store, pool, sender := newTestContainer()
	ctx := context.Background()

	// Rank (the RPC address) and TargetID (the VOS target identity)
	// deliberately differ here, unlike the coincidental Target==Rank
	// seeding elsewhere in this file: this is the case that breaks a
	// RecordResult call keyed on the wrong address space.
	pool.SeedTarget(placement.TargetInfo{Target: 100, Rank: 10, Tag: 0, Status: placement.StatusUp, InVer: 0})
	pool.SeedTarget(placement.TargetInfo{Target: 200, Rank: 20, Tag: 0, Status: placement.StatusUp, InVer: 0})
	sender.FailTarget(transport.OpCommit, 20, dtxerr.ErrHG)

	m := &membership.Membership{Targets: []membership.TargetDesc{{TargetID: 100}, {TargetID: 200}}}
	mbs := membership.NewRef(m)

	id := dtxid.New(1)
	lh, tok, err := c.BeginLeader(ctx, id, 1, 5, placement.OID{}, mbs, 2, 0)
	require.NoError(t, err)

	key := cos.Key{OID: placement.OID{Hi: 3}, DkeyHash: 3}
	require.NoError(t, c.CommitLeader(ctx, tok, lh, key))

	st, err := store.Stat(ctx, id)
	require.NoError(t, err)
	require.True(t, st.Flags.Has(membership.PartialCommitted), "one of two targets failed: must demote to partial-committed, not silently succeed")
}

func TestContainerRefreshResolvesLatePrepared(t *testing.T) {
	c, store, pool, sender := newTestContainer()
	ctx := context.Background()

	pool.SeedTarget(placement.TargetInfo{Target: 1, Rank: 1, Tag: 0, Status: placement.StatusUp, InVer: 0})
	m := &membership.Membership{Targets: []membership.TargetDesc{{TargetID: 1}}}
	mbs := membership.NewRef(m)

	id := dtxid.New(1)
	require.NoError(t, store.Attach(ctx, id, 1, mbs, 0))

	sender.Handle(func(ctx context.Context, target uint32, req transport.Request) (transport.Reply, error) {
		require.Equal(t, transport.OpRefresh, req.Opcode)
		return transport.Reply{Status: int(bg.PeerCommitted)}, nil
	})

	require.NoError(t, c.refreshBatch(ctx, []dtxid.ID{id}))

	st, err := store.Stat(ctx, id)
	require.NoError(t, err)
	require.Equal(t, vos.StatusCommitted, st.Status)
}

func TestContainerHandleRequestCommitAndAbort(t *testing.T) {
	c, store, _, _ := newTestContainer()
	ctx := context.Background()

	id := dtxid.New(1)
	require.NoError(t, store.Attach(ctx, id, 1, nil, 0))

	reply, err := c.HandleRequest(ctx, transport.Request{Opcode: transport.OpCommit, XIDs: []dtxid.ID{id}})
	require.NoError(t, err)
	require.Equal(t, 1, reply.Status)

	st, err := store.Stat(ctx, id)
	require.NoError(t, err)
	require.Equal(t, vos.StatusCommitted, st.Status)

	abortID := dtxid.New(2)
	require.NoError(t, store.Attach(ctx, abortID, 2, nil, 0))

	reply, err = c.HandleRequest(ctx, transport.Request{Opcode: transport.OpAbort, XIDs: []dtxid.ID{abortID}})
	require.NoError(t, err)
	require.Equal(t, 1, reply.Status)

	st, err = store.Stat(ctx, abortID)
	require.NoError(t, err)
	require.Equal(t, vos.StatusAborted, st.Status)
}

func TestContainerHandleRequestRefreshReportsPeerState(t *testing.T) {
	c, store, _, _ := newTestContainer()
	ctx := context.Background()

	id := dtxid.New(1)
	require.NoError(t, store.Attach(ctx, id, 1, nil, 0))
	require.NoError(t, store.Commit(ctx, []dtxid.ID{id}))

	reply, err := c.HandleRequest(ctx, transport.Request{Opcode: transport.OpRefresh, XIDs: []dtxid.ID{id}})
	require.NoError(t, err)
	require.Equal(t, int(bg.PeerCommitted), reply.PerXIDState[id])
}

func TestContainerHandleRequestRefreshNonexistentIsIdempotent(t *testing.T) {
	c, _, _, _ := newTestContainer()
	ctx := context.Background()

	id := dtxid.New(1)
	reply, err := c.HandleRequest(ctx, transport.Request{Opcode: transport.OpRefresh, XIDs: []dtxid.ID{id}})
	require.NoError(t, err)
	require.Equal(t, int(bg.PeerNonexist), reply.PerXIDState[id])
}

func TestContainerCloseRefusesNewHandlesAfterDraining(t *testing.T) {
	c, _, _, _ := newTestContainer()
	ctx := context.Background()

	h, tok, err := c.Begin(ctx, dtxid.Zero, 1, 0, placement.OID{}, nil, 0, handle.Local)
	require.NoError(t, err)
	require.NoError(t, c.End(ctx, tok, h, cos.Key{}, nil))
	require.NoError(t, c.Close(ctx))

	_, _, err = c.Begin(ctx, dtxid.Zero, 1, 0, placement.OID{}, nil, 0, handle.Local)
	require.ErrorIs(t, err, dtxerr.ErrShutdown)
}
