// Package config holds the DTX engine's process-wide tunables.
//
// All of it is loaded once via Load() at process init and exposed
// as exported fields of DtxConfig; there is no SIGHUP-triggered reload
// (see SPEC_FULL.md §1.3 and DESIGN NOTES "Global process-wide
// tunables").
package config

import (
	"os"
	"strconv"
	"time"
)

// DtxConfig is the process-wide, read-only tunable set for the DTX
// engine. Construct one with Load(); do not mutate a loaded instance.
type DtxConfig struct {
	// AggThdCntUp / AggThdCntLo are the upper/lower thresholds of
	// committed entries per pool before aggregation starts.
	AggThdCntUp int64
	AggThdCntLo int64

	// AggThdAgeUp / AggThdAgeLo are the age thresholds driving
	// aggregation victim selection.
	AggThdAgeUp time.Duration
	AggThdAgeLo time.Duration

	// BatchedULTMax bounds the number of in-flight batched-commit
	// workers; 0 disables batched commit entirely (every commit goes
	// through the synchronous fallback).
	BatchedULTMax int

	// CommitThresholdAge is DTX_COMMIT_THRESHOLD_AGE: the staleness
	// age that triggers a background commit pass, and the clamp
	// applied to REFRESH RPC timeouts.
	CommitThresholdAge time.Duration

	// ThresholdCount is DTX_THRESHOLD_COUNT: the batch size used by
	// both the committable-count trigger and the per-RPC drain size.
	ThresholdCount int

	// RefreshMax is DTX_REFRESH_MAX: the batch size used by cleanup
	// when refreshing old prepared entries.
	RefreshMax int

	// InlineMBSSize is DTX_INLINE_MBS_SIZE: membership payloads at or
	// under this size are carried inline; larger payloads are
	// compressed (see membership.Marshal).
	InlineMBSSize int

	// CollTreeWidth is the branching factor of the KNOMIAL broadcast
	// tree used for collective DTX RPCs.
	CollTreeWidth int

	// RegRPCStep / PriRPCStep are DTX_REG_RPC_STEP_LENGTH and
	// DTX_PRI_RPC_STEP_LENGTH: the chunk sizes used when draining
	// regular and priority (post-delay) sub-request batches.
	RegRPCStep int
	PriRPCStep int

	// RPCYieldThreshold is DTX_RPC_YIELD_THD: the chore yields back to
	// its caller after this many RPC sends within one step.
	RPCYieldThreshold int

	// AggAgePreserve is DTX_AGG_AGE_PRESERVE: no DTX may be aggregated
	// until its first-commit time is at least this old. This is the
	// only guaranteed temporal offset between commit and destroy
	// (spec.md §5).
	AggAgePreserve time.Duration

	// CleanupAgeMargin is subtracted from the RPC timeout plus
	// 2×CommitThresholdAge to give the age beyond which an active entry
	// is considered a cleanup candidate rather than still in flight.
	CleanupAgeMargin time.Duration
}

// Default returns the spec-mandated defaults (spec.md §6).
func Default() *DtxConfig {
	up := int64(7 * (1 << 19)) // 7 * 2^19
	return &DtxConfig{
		AggThdCntUp:        up,
		AggThdCntLo:        up * 19 / 20,
		AggThdAgeUp:        630 * time.Second,
		AggThdAgeLo:        210 * time.Second,
		BatchedULTMax:      32,
		CommitThresholdAge: 60 * time.Second,
		ThresholdCount:     32,
		RefreshMax:         64,
		InlineMBSSize:      512,
		CollTreeWidth:      8,
		RegRPCStep:         512,
		PriRPCStep:         64,
		RPCYieldThreshold:  32,
		AggAgePreserve:     3 * time.Second,
		CleanupAgeMargin:   10 * time.Second,
	}
}

// Load builds a DtxConfig from defaults overridden by environment
// variables (spec.md §6's DAOS_DTX_* names), clamping to the documented
// ranges. Values outside range are ignored, keeping the default.
func Load() *DtxConfig {
	c := Default()

	if v, ok := envInt64("DAOS_DTX_AGG_THD_CNT"); ok && v >= (1<<20) && v <= (1<<24) {
		c.AggThdCntUp = v
		c.AggThdCntLo = v * 19 / 20
	}
	if v, ok := envDurationSeconds("DAOS_DTX_AGG_THD_AGE"); ok && v >= 210*time.Second && v <= 1830*time.Second {
		c.AggThdAgeUp = v
		c.AggThdAgeLo = v / 3
	}
	if v, ok := envInt("DAOS_DTX_BATCHED_ULT_MAX"); ok {
		c.BatchedULTMax = v
	}

	return c
}

// CleanupThreshold returns the age beyond which an active, unprepared
// DTX entry is treated as a cleanup candidate rather than in-flight
// (spec.md §4.5.3): RPC timeout + 2 x CommitThresholdAge, less
// CleanupAgeMargin.
func (c *DtxConfig) CleanupThreshold(rpcTimeout time.Duration) time.Duration {
	return rpcTimeout + 2*c.CommitThresholdAge - c.CleanupAgeMargin
}

func envInt64(name string) (int64, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(name string) (int, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDurationSeconds(name string) (time.Duration, bool) {
	v, ok := envInt64(name)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Second, true
}
