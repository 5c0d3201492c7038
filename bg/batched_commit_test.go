package bg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/cos"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/placement"
	"github.com/mantisdb/dtxengine/vos"
)

func TestBatchedCommitEligibleByCount(t *testing.T) {
	cfg := config.Default()
	cfg.ThresholdCount = 2
	cache := cos.New()
	store := vos.NewFake()
	bc := NewBatchedCommit(cfg, store, cache, func(ctx context.Context, ids []dtxid.ID, coll bool) error { return nil })
	require.False(t, bc.Eligible())

	for i := 0; i < 3; i++ {
		id := dtxid.New(dtxid.HLC(i + 1))
		key := cos.Key{OID: placement.OID{Hi: 1, Lo: uint64(i)}, DkeyHash: 1}
		require.NoError(t, cache.Add(id, &membership.Entry{ID: id}, key, dtxid.HLC(i+1), 0))
	}
	require.True(t, bc.Eligible())
}

func TestBatchedCommitEligibleByCollective(t *testing.T) {
	cfg := config.Default()
	cache := cos.New()
	store := vos.NewFake()
	bc := NewBatchedCommit(cfg, store, cache, nil)
	id := dtxid.New(1)
	key := cos.Key{OID: placement.OID{Hi: 9, Lo: 9}, DkeyHash: 9}
	require.NoError(t, cache.Add(id, &membership.Entry{ID: id}, key, 1, cos.Coll))
	require.True(t, bc.Eligible())
}

func TestBatchedCommitPassDrainsAndPersists(t *testing.T) {
	cfg := config.Default()
	cfg.ThresholdCount = 10
	cache := cos.New()
	store := vos.NewFake()

	var committed []dtxid.ID
	bc := NewBatchedCommit(cfg, store, cache, func(ctx context.Context, ids []dtxid.ID, coll bool) error {
		committed = append(committed, ids...)
		return nil
	})

	ids := make([]dtxid.ID, 3)
	for i := range ids {
		ids[i] = dtxid.New(dtxid.HLC(i + 1))
		key := cos.Key{OID: placement.OID{Hi: 1, Lo: uint64(i)}, DkeyHash: 1}
		require.NoError(t, store.Attach(context.Background(), ids[i], dtxid.HLC(i+1), nil, 0))
		require.NoError(t, cache.Add(ids[i], &membership.Entry{ID: ids[i]}, key, dtxid.HLC(i+1), 0))
	}

	n, err := bc.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, committed, 3)
	require.Equal(t, 0, cache.CommittableCount())

	for _, id := range ids {
		st, err := store.Stat(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, vos.StatusCommitted, st.Status)
	}
}

func TestBatchedCommitPassEmpty(t *testing.T) {
	cfg := config.Default()
	cache := cos.New()
	store := vos.NewFake()
	bc := NewBatchedCommit(cfg, store, cache, func(ctx context.Context, ids []dtxid.ID, coll bool) error {
		t.Fatal("Commit should not be called for an empty pass")
		return nil
	})
	n, err := bc.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
