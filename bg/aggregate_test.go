package bg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/vos"
)

func TestAggregateIsVictim(t *testing.T) {
	cfg := config.Default()
	a := NewAggregate(cfg, vos.NewFake(), nil)

	require.True(t, a.IsVictim(ContainerStats{CmtCount: cfg.AggThdCntUp}))
	require.False(t, a.IsVictim(ContainerStats{CmtCount: 0, OldestBlobAge: 0}))
	require.True(t, a.IsVictim(ContainerStats{
		CmtCount:      cfg.AggThdCntLo + 1,
		OldestBlobAge: cfg.AggThdAgeUp,
	}))
	require.False(t, a.IsVictim(ContainerStats{
		CmtCount:      cfg.AggThdCntLo + 1,
		OldestBlobAge: cfg.AggThdAgeLo,
	}))
}

func TestAggregatePassNotVictim(t *testing.T) {
	cfg := config.Default()
	a := NewAggregate(cfg, vos.NewFake(), func(ctx context.Context) ContainerStats {
		return ContainerStats{}
	})
	n, err := a.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestAggregatePassDrainsUntilBelowLo(t *testing.T) {
	cfg := config.Default()
	store := vos.NewFake()
	id := dtxid.New(1)
	require.NoError(t, store.Attach(context.Background(), id, 1, nil, 0))
	require.NoError(t, store.Commit(context.Background(), []dtxid.ID{id}))

	calls := 0
	a := NewAggregate(cfg, store, func(ctx context.Context) ContainerStats {
		calls++
		if calls == 1 {
			return ContainerStats{CmtCount: cfg.AggThdCntUp, OldestBlobAge: cfg.AggThdAgeUp}
		}
		return ContainerStats{CmtCount: 0, OldestBlobAge: 0}
	})

	n, err := a.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAggregateRespectsAgePreserveFloor(t *testing.T) {
	cfg := config.Default()
	cfg.AggAgePreserve = 3 * time.Second
	store := vos.NewFake()

	calls := 0
	a := NewAggregate(cfg, store, func(ctx context.Context) ContainerStats {
		calls++
		return ContainerStats{CmtCount: cfg.AggThdCntUp, OldestBlobAge: 1 * time.Second}
	})

	// store.Aggregate reclaims 0 once there's nothing committed, so the
	// loop exits via the n==0 branch rather than looping forever.
	n, err := a.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
