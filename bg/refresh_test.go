package bg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/vos"
)

func TestRefreshEmptyTbdIsNoop(t *testing.T) {
	store := vos.NewFake()
	r := NewRefresh(store, func(ctx context.Context, peers []SharePeer) ([]SharePeer, error) {
		t.Fatal("Send should not be called for an empty tbd list")
		return nil, nil
	})
	require.NoError(t, r.Run(context.Background(), nil))
}

func TestRefreshCommitsOnCommittedOrCommittable(t *testing.T) {
	store := vos.NewFake()
	id1 := dtxid.New(1)
	id2 := dtxid.New(2)
	require.NoError(t, store.Attach(context.Background(), id1, 1, nil, 0))
	require.NoError(t, store.Attach(context.Background(), id2, 2, nil, 0))

	r := NewRefresh(store, func(ctx context.Context, peers []SharePeer) ([]SharePeer, error) {
		return []SharePeer{
			{ID: id1, State: PeerCommitted},
			{ID: id2, State: PeerCommittable},
		}, nil
	})

	err := r.Run(context.Background(), []SharePeer{{ID: id1}, {ID: id2}})
	require.ErrorIs(t, err, dtxerr.ErrAgain)

	st1, _ := store.Stat(context.Background(), id1)
	st2, _ := store.Stat(context.Background(), id2)
	require.Equal(t, vos.StatusCommitted, st1.Status)
	require.Equal(t, vos.StatusCommitted, st2.Status)
}

func TestRefreshAbortsOnNonexistUnlessInitialLeader(t *testing.T) {
	store := vos.NewFake()
	id := dtxid.New(1)
	require.NoError(t, store.Attach(context.Background(), id, 1, nil, 0))

	r := NewRefresh(store, func(ctx context.Context, peers []SharePeer) ([]SharePeer, error) {
		return []SharePeer{{ID: id, State: PeerNonexist}}, nil
	})
	err := r.Run(context.Background(), []SharePeer{{ID: id}})
	require.ErrorIs(t, err, dtxerr.ErrAgain)

	st, _ := store.Stat(context.Background(), id)
	require.Equal(t, vos.StatusAborted, st.Status)
}

func TestRefreshSkipsAbortWhenInitialLeaderHinted(t *testing.T) {
	store := vos.NewFake()
	id := dtxid.New(1)
	require.NoError(t, store.Attach(context.Background(), id, 1, nil, 0))

	r := NewRefresh(store, func(ctx context.Context, peers []SharePeer) ([]SharePeer, error) {
		return []SharePeer{{ID: id, State: PeerNonexist, InitialLeader: true}}, nil
	})
	err := r.Run(context.Background(), []SharePeer{{ID: id}})
	require.ErrorIs(t, err, dtxerr.ErrAgain)

	st, _ := store.Stat(context.Background(), id)
	require.Equal(t, vos.StatusPrepared, st.Status)
}

func TestRefreshSurfacesUncertain(t *testing.T) {
	store := vos.NewFake()
	id := dtxid.New(1)
	require.NoError(t, store.Attach(context.Background(), id, 1, nil, 0))

	r := NewRefresh(store, func(ctx context.Context, peers []SharePeer) ([]SharePeer, error) {
		return []SharePeer{{ID: id, State: PeerUncertain}}, nil
	})
	err := r.Run(context.Background(), []SharePeer{{ID: id}})
	require.ErrorIs(t, err, dtxerr.ErrTXUncertain)

	st, statErr := store.Stat(context.Background(), id)
	require.NoError(t, statErr)
	require.True(t, st.Flags.Has(membership.Orphan), "TX_UNCERTAIN must mark the entry ORPHAN")
}

func TestRefreshLeavesInProgressActive(t *testing.T) {
	store := vos.NewFake()
	id := dtxid.New(1)
	require.NoError(t, store.Attach(context.Background(), id, 1, nil, 0))

	r := NewRefresh(store, func(ctx context.Context, peers []SharePeer) ([]SharePeer, error) {
		return []SharePeer{{ID: id, State: PeerInProgress}}, nil
	})
	err := r.Run(context.Background(), []SharePeer{{ID: id}})
	require.ErrorIs(t, err, dtxerr.ErrInProgress)

	st, _ := store.Stat(context.Background(), id)
	require.Equal(t, vos.StatusPrepared, st.Status)
}

func TestRefreshBulkNetworkFailureMigratesToInProgress(t *testing.T) {
	store := vos.NewFake()
	id := dtxid.New(1)
	r := NewRefresh(store, func(ctx context.Context, peers []SharePeer) ([]SharePeer, error) {
		return nil, dtxerr.ErrCanceled
	})
	err := r.Run(context.Background(), []SharePeer{{ID: id}})
	require.ErrorIs(t, err, dtxerr.ErrInProgress)
}
