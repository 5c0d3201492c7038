package handle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/cos"
	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/placement"
	"github.com/mantisdb/dtxengine/vos"
)

func newTestHandle(t *testing.T, flags Flags) (*Handle, vos.Interface, *cos.Cache) {
	store := vos.NewFake()
	c := cos.New()
	cfg := config.Default()
	id := dtxid.New(1)
	h, err := New(context.Background(), store, c, cfg, id, 1, 1, placement.OID{}, nil, 0, flags)
	require.NoError(t, err)
	return h, store, c
}

func TestSubInitDedupsAndOrdersOIDs(t *testing.T) {
	h, _, _ := newTestHandle(t, 0)
	a := placement.OID{Lo: 2}
	b := placement.OID{Lo: 1}

	require.NoError(t, h.SubInit(a, 10))
	require.NoError(t, h.SubInit(b, 11))
	require.NoError(t, h.SubInit(a, 12), "duplicate insert must not grow the array")

	require.Equal(t, []placement.OID{b, a}, h.OIDs())
	require.Equal(t, 2, h.ModCnt)
}

func TestSubInitSkipsLeaderOID(t *testing.T) {
	leader := placement.OID{Lo: 5}
	store := vos.NewFake()
	c := cos.New()
	cfg := config.Default()
	h, err := New(context.Background(), store, c, cfg, dtxid.New(1), 1, 1, leader, nil, 0, 0)
	require.NoError(t, err)

	require.NoError(t, h.SubInit(leader, 1))
	require.Empty(t, h.OIDs())
	require.True(t, h.touchedLeaderOID)
}

func TestEndOnZeroIDIsNoop(t *testing.T) {
	h := &Handle{}
	require.NoError(t, h.End(context.Background(), cos.Key{}, nil))
}

func TestEndLocalDelegatesToVOS(t *testing.T) {
	h, store, _ := newTestHandle(t, Local)
	require.NoError(t, h.End(context.Background(), cos.Key{}, nil))

	st, err := store.Check(context.Background(), h.ID)
	require.NoError(t, err)
	require.Equal(t, vos.StatusCommitted, st.Status)
}

func TestEndSyncCommitWhenBatchedDisabled(t *testing.T) {
	store := vos.NewFake()
	c := cos.New()
	cfg := config.Default()
	cfg.BatchedULTMax = 0
	id := dtxid.New(1)
	h, err := New(context.Background(), store, c, cfg, id, 1, 1, placement.OID{}, nil, 1, 0)
	require.NoError(t, err)

	require.NoError(t, h.End(context.Background(), cos.Key{}, nil))
	st, err := store.Check(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, vos.StatusCommitted, st.Status)
	require.Equal(t, 0, c.CommittableCount())
}

func TestEndPlacesIntoCosWhenBatchingEnabled(t *testing.T) {
	store := vos.NewFake()
	c := cos.New()
	cfg := config.Default()
	mbs := membership.NewRef(&membership.Membership{})
	id := dtxid.New(1)
	h, err := New(context.Background(), store, c, cfg, id, 1, 1, placement.OID{}, mbs, 1, 0)
	require.NoError(t, err)

	k := cos.Key{OID: placement.OID{Lo: 1}}
	require.NoError(t, h.End(context.Background(), k, nil))
	require.Equal(t, 1, c.CommittableCount())
}

func TestEndQueuesExpCmtForNonReplicatedEntries(t *testing.T) {
	store := vos.NewFake()
	c := cos.New()
	cfg := config.Default()
	mbs := membership.NewRef(&membership.Membership{}) // Flags has no SrdgRep bit set
	id := dtxid.New(1)
	h, err := New(context.Background(), store, c, cfg, id, 1, 1, placement.OID{}, mbs, 1, 0)
	require.NoError(t, err)

	k := cos.Key{OID: placement.OID{Lo: 2}}
	require.NoError(t, h.End(context.Background(), k, nil))

	entries, _ := c.FetchCommittable(10, nil, ^dtxid.HLC(0), true)
	require.Len(t, entries, 1)
	require.NotZero(t, entries[0].Flags&cos.ExpCmt, "non-SrdgRep entries must land on the expcmt sublist")
	require.Zero(t, entries[0].Flags&cos.Shared)
}

func TestEndAbortsOnFailure(t *testing.T) {
	store := vos.NewFake()
	c := cos.New()
	cfg := config.Default()
	id := dtxid.New(1)
	h, err := New(context.Background(), store, c, cfg, id, 1, 1, placement.OID{}, nil, 1, 0)
	require.NoError(t, err)

	failErr := h.End(context.Background(), cos.Key{}, dtxerr.ErrHG)
	require.Error(t, failErr)
}

func TestReinitPreservesMBSAndResetsOpSeq(t *testing.T) {
	h, _, _ := newTestHandle(t, 0)
	require.NoError(t, h.SubInit(placement.OID{Lo: 1}, 1))
	require.Equal(t, 1, h.OpSeq)

	require.NoError(t, h.Reinit(context.Background()))
	require.Equal(t, 0, h.OpSeq)
	require.Empty(t, h.OIDs())
}
