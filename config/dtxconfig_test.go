package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpec(t *testing.T) {
	c := Default()
	require.EqualValues(t, 7*(1<<19), c.AggThdCntUp)
	require.EqualValues(t, c.AggThdCntUp*19/20, c.AggThdCntLo)
	require.Equal(t, 630*time.Second, c.AggThdAgeUp)
	require.Equal(t, 32, c.BatchedULTMax)
	require.Equal(t, 3*time.Second, c.AggAgePreserve)
}

func TestLoadClampsOutOfRangeEnv(t *testing.T) {
	os.Setenv("DAOS_DTX_AGG_THD_CNT", "1")
	defer os.Unsetenv("DAOS_DTX_AGG_THD_CNT")

	c := Load()
	require.Equal(t, Default().AggThdCntUp, c.AggThdCntUp, "out-of-range env must not override default")
}

func TestLoadAcceptsInRangeEnv(t *testing.T) {
	os.Setenv("DAOS_DTX_BATCHED_ULT_MAX", "0")
	defer os.Unsetenv("DAOS_DTX_BATCHED_ULT_MAX")

	c := Load()
	require.Equal(t, 0, c.BatchedULTMax, "0 must disable batched commit")
}

func TestCleanupThreshold(t *testing.T) {
	c := Default()
	got := c.CleanupThreshold(5 * time.Second)
	want := 5*time.Second + 2*c.CommitThresholdAge - c.CleanupAgeMargin
	require.Equal(t, want, got)
}
