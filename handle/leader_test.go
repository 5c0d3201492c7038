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

func newTestLeader(t *testing.T) (*LeaderHandle, vos.Interface, *cos.Cache) {
	store := vos.NewFake()
	c := cos.New()
	cfg := config.Default()
	mbs := membership.NewRef(&membership.Membership{
		Targets: []membership.TargetDesc{{TargetID: 1}, {TargetID: 2}, {TargetID: 3}},
	})
	lh, err := LeaderBegin(context.Background(), store, c, cfg, dtxid.New(1), 1, 1, placement.OID{}, mbs, 1, 0)
	require.NoError(t, err)
	return lh, store, c
}

func TestLeaderBeginWiresSubsUpFront(t *testing.T) {
	lh, _, _ := newTestLeader(t)
	require.Len(t, lh.Subs, 3)
	require.Equal(t, 3, lh.NormalSubCnt)
}

func TestLeaderBeginCollectiveDefersSubs(t *testing.T) {
	store := vos.NewFake()
	c := cos.New()
	cfg := config.Default()
	mbs := membership.NewRef(&membership.Membership{Flags: membership.CollTarget})
	lh, err := LeaderBegin(context.Background(), store, c, cfg, dtxid.New(1), 1, 1, placement.OID{}, mbs, 1, 0)
	require.NoError(t, err)
	require.Empty(t, lh.Subs)
	require.True(t, lh.LFlags.Has(Coll))
}

func TestRecordResultAndAllComplete(t *testing.T) {
	lh, _, _ := newTestLeader(t)
	require.False(t, lh.AllComplete())

	lh.RecordResult(1, 1, nil)
	lh.RecordResult(2, 1, nil)
	require.False(t, lh.AllComplete())

	lh.RecordResult(3, 1, nil)
	require.True(t, lh.AllComplete())
	require.Empty(t, lh.FailedTargets())
}

func TestFailedTargetsExcludesBenignErrors(t *testing.T) {
	lh, _, _ := newTestLeader(t)
	lh.RecordResult(1, 1, nil)
	lh.RecordResult(2, 1, dtxerr.ErrNonexist)
	lh.RecordResult(3, 1, dtxerr.ErrHG)

	require.Equal(t, []uint32{3}, lh.FailedTargets())
}

func TestLeaderEndMarksPartialCommittedOnMixedFailure(t *testing.T) {
	lh, store, c := newTestLeader(t)
	lh.RecordResult(1, 1, nil)
	lh.RecordResult(2, 1, nil)
	lh.RecordResult(3, 1, dtxerr.ErrHG)

	k := cos.Key{OID: placement.OID{Lo: 1}}
	require.NoError(t, lh.LeaderEnd(context.Background(), k, nil))

	st, err := store.Check(context.Background(), lh.ID)
	require.NoError(t, err)
	require.True(t, st.Flags.Has(membership.PartialCommitted))
	require.Equal(t, 1, c.CommittableCount())
}

func TestLeaderEndAbortsWhenAllTargetsFail(t *testing.T) {
	lh, _, _ := newTestLeader(t)
	lh.RecordResult(1, 1, dtxerr.ErrHG)
	lh.RecordResult(2, 1, dtxerr.ErrHG)
	lh.RecordResult(3, 1, dtxerr.ErrHG)

	err := lh.LeaderEnd(context.Background(), cos.Key{}, nil)
	require.Error(t, err)
}
