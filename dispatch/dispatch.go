package dispatch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/handle"
	"github.com/mantisdb/dtxengine/transport"
)

// CheckState is the merged result of a CHECK RPC (spec.md §4.4
// "merge_check_result"): committed beats prepared beats corrupted
// beats errors.
type CheckState int

const (
	CheckUnknown CheckState = iota
	CheckError
	CheckCorrupted
	CheckPrepared
	CheckCommitted
)

// MergeCheckResult folds one more per-target CheckState into acc,
// implementing "committed beats prepared beats corrupted beats
// errors; -EXCLUDED counts as prepared; NONEXIST only propagates when
// no positive evidence exists" (spec.md §4.4).
func MergeCheckResult(acc CheckState, next CheckState, err error) CheckState {
	if err != nil {
		if dtxerr.Is(err, dtxerr.ErrExcluded) {
			next = CheckPrepared
		} else if dtxerr.Is(err, dtxerr.ErrNonexist) {
			if acc == CheckUnknown {
				return CheckError
			}
			return acc
		} else {
			next = CheckError
		}
	}
	if next > acc {
		return next
	}
	return acc
}

// Engine is the per-target dispatch/RPC surface (spec.md §4.4):
// classification, step-paced batch draining, per-opcode handlers, the
// collective broadcast path, and leader_exec_ops.
type Engine struct {
	sender transport.Sender
	cfg    *config.DtxConfig
	self   uint32
}

// New returns a dispatch Engine bound to sender, paced per cfg.
func New(sender transport.Sender, cfg *config.DtxConfig, self uint32) *Engine {
	return &Engine{sender: sender, cfg: cfg, self: self}
}

// SendCommit issues COMMIT for ids against target (spec.md §4.4
// opcode table: "committed count" output, tolerates NONEXIST).
func (e *Engine) SendCommit(ctx context.Context, target uint32, ids []dtxid.ID, ver uint32) (committed int, err error) {
	reply, err := e.sender.Send(ctx, target, transport.Request{Opcode: transport.OpCommit, XIDs: ids, Ver: ver})
	if err != nil {
		if dtxerr.IsBenign(err) {
			return len(ids), nil
		}
		return 0, err
	}
	return reply.Status, nil
}

// SendAbort issues ABORT for a single xid; epoch == 0 requests a
// corrupt-mark (vos_dtx_set_flags(CORRUPTED)) instead of a normal
// abort (spec.md §4.4 opcode table).
func (e *Engine) SendAbort(ctx context.Context, target uint32, id dtxid.ID, epoch dtxid.HLC) error {
	_, err := e.sender.Send(ctx, target, transport.Request{Opcode: transport.OpAbort, XIDs: []dtxid.ID{id}, Epoch: epoch})
	if err != nil && dtxerr.Is(err, dtxerr.ErrNonexist) {
		return nil // NONEXIST is success
	}
	return err
}

// SendCheck issues CHECK for a single xid and folds the reply into a
// CheckState via MergeCheckResult.
func (e *Engine) SendCheck(ctx context.Context, target uint32, id dtxid.ID) (CheckState, error) {
	reply, err := e.sender.Send(ctx, target, transport.Request{Opcode: transport.OpCheck, XIDs: []dtxid.ID{id}})
	if err != nil {
		return MergeCheckResult(CheckUnknown, CheckError, err), nil
	}
	return CheckState(reply.Status), nil
}

// SendRefresh issues REFRESH for a batch of xids, with flags[i]
// marking INITIAL_LEADER hints (spec.md §4.4 opcode table).
func (e *Engine) SendRefresh(ctx context.Context, target uint32, ids []dtxid.ID, flags uint32) (transport.Reply, error) {
	return e.sender.Send(ctx, target, transport.Request{Opcode: transport.OpRefresh, XIDs: ids, Flags: flags})
}

// drainBatch runs one (rank,tag) batch's sends through a Chore paced
// at stepLength/yieldEvery, invoking send for each xid.
func (e *Engine) drainBatch(batch Batch, stepLength int, send func(id dtxid.ID) error) error {
	var firstErr error
	c := NewChore([]Batch{batch}, stepLength, e.cfg.RPCYieldThreshold, func(b Batch, j int) {
		if err := send(b.XIDs[j]); err != nil && firstErr == nil {
			if !dtxerr.IsBenign(err) {
				firstErr = err
			}
		}
	})
	c.Run()
	return firstErr
}

// LeaderExecOps implements leader_exec_ops (spec.md §4.4): phase 1
// fans out to every non-delayed target in DTX_REG_RPC_STEP_LENGTH
// chunks; phase 2 fans out to delayed targets in
// DTX_PRI_RPC_STEP_LENGTH chunks with priority credit. The local
// sub-op, if provided, runs once at the start of phase 1. send
// receives the whole Batch so callers can dial on b.Rank while still
// recording the outcome against b.TargetID, the address space the
// leader handle's Subs are keyed on.
func (e *Engine) LeaderExecOps(ctx context.Context, lh *handle.LeaderHandle, nonDelayed, delayed []Batch, localOp func(ctx context.Context) error, send func(ctx context.Context, b Batch) error) error {
	g, gctx := errgroup.WithContext(ctx)

	if localOp != nil {
		g.Go(func() error { return localOp(gctx) })
	}
	for _, b := range nonDelayed {
		b := b
		g.Go(func() error {
			return e.drainBatch(b, e.cfg.RegRPCStep, func(dtxid.ID) error {
				return send(gctx, b)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(delayed) == 0 {
		return nil
	}

	g2, gctx2 := errgroup.WithContext(ctx)
	for _, b := range delayed {
		b := b
		g2.Go(func() error {
			return e.drainBatch(b, e.cfg.PriRPCStep, func(dtxid.ID) error {
				return send(gctx2, b)
			})
		})
	}
	return g2.Wait()
}
