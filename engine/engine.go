// Package engine wires C1..C5 into one Container per target: the
// membership/CoS/handle/dispatch/background-service stack a server
// process embeds for one pool/container pair.
//
// Grounded on the teacher's internal/app + internal/container
// dependency-injection shape (construct every subsystem once, thread
// explicit references through rather than a service locator) and
// shutdown/shutdown.go's priority-ordered teardown, generalized per
// SPEC_FULL.md §7 into the explicit quiesceBarrier in quiesce.go
// instead of a `while(refs>0) sleep(10ms)` poll loop.
package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mantisdb/dtxengine/bg"
	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/cos"
	"github.com/mantisdb/dtxengine/dispatch"
	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/handle"
	"github.com/mantisdb/dtxengine/logging"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/metrics"
	"github.com/mantisdb/dtxengine/placement"
	"github.com/mantisdb/dtxengine/transport"
	"github.com/mantisdb/dtxengine/vos"
)

// Container is the per-(pool, container) DTX coordination surface: it
// owns the CoS cache, the dispatch engine, and the background
// services, and admits/drains handles through a quiescence barrier so
// Close never tears down state still referenced by an in-flight
// transaction.
type Container struct {
	Self uint32

	cfg   *config.DtxConfig
	store vos.Interface
	pool  placement.Map
	cos   *cos.Cache
	disp  *dispatch.Engine
	log   *logrus.Entry
	mtr   *metrics.Handle

	quiesce *quiesceBarrier

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	BatchedCommit *bg.BatchedCommit
	Aggregate     *bg.Aggregate
	Cleanup       *bg.Cleanup
	Resync        *bg.Resync
	Refresh       *bg.Refresh
}

// Deps bundles the external collaborators a Container needs (spec.md
// §6): the local store, the pool/placement map and the RPC sender.
type Deps struct {
	Store   vos.Interface
	Pool    placement.Map
	Sender  transport.Sender
	Metrics *metrics.Handle
}

// New constructs a Container for self (this engine's target rank),
// wiring cos/dispatch and every background service with container-
// scoped callbacks. Background workers are not started; call Start.
func New(self uint32, cfg *config.DtxConfig, deps Deps) *Container {
	cosCache := cos.New()
	disp := dispatch.New(deps.Sender, cfg, self)

	c := &Container{
		Self:    self,
		cfg:     cfg,
		store:   deps.Store,
		pool:    deps.Pool,
		cos:     cosCache,
		disp:    disp,
		log:     logging.For("engine"),
		mtr:     deps.Metrics,
		quiesce: newQuiesceBarrier(),
	}

	c.BatchedCommit = bg.NewBatchedCommit(cfg, deps.Store, cosCache, c.fanOutCommit)
	c.Aggregate = bg.NewAggregate(cfg, deps.Store, c.containerStats)
	c.Cleanup = bg.NewCleanup(cfg, deps.Store, cfg.CommitThresholdAge, c.scanActive, c.retryCommit, c.refreshBatch)
	c.Resync = bg.NewResync(cfg, deps.Store, c.scanResync, c.handleLocalResync, c.forwardResyncCheck, nil)
	c.Refresh = bg.NewRefresh(deps.Store, c.sendRefresh)

	return c
}

// Start launches the continuously-running background workers
// (BatchedCommit, Aggregate); Cleanup/Resync/Refresh run on demand per
// spec.md §4.5.3-5, driven by their callers rather than a ticker.
func (c *Container) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	c.bgCancel = cancel

	c.bgWG.Add(2)
	go func() { defer c.bgWG.Done(); c.BatchedCommit.Run(bgCtx) }()
	go func() { defer c.bgWG.Done(); c.Aggregate.Run(bgCtx) }()
}

// Close stops accepting new handles, waits for in-flight handles to
// drain, then stops the background workers (spec.md DESIGN NOTES §9
// quiescence).
func (c *Container) Close(ctx context.Context) error {
	if err := c.quiesce.Close(ctx); err != nil {
		return err
	}
	if c.bgCancel != nil {
		c.bgCancel()
	}
	c.bgWG.Wait()
	return nil
}

// Begin admits a non-leader handle (spec.md §4.3 "handle_begin"); the
// returned token must be released via End.
func (c *Container) Begin(ctx context.Context, id dtxid.ID, epoch dtxid.HLC, ver uint32, leaderOID placement.OID, mbs *membership.Ref, subCnt int, flags handle.Flags) (*handle.Handle, *quiesceToken, error) {
	tok, ok := c.quiesce.Enter()
	if !ok {
		return nil, nil, dtxerr.ErrShutdown
	}
	h, err := handle.New(ctx, c.store, c.cos, c.cfg, id, epoch, ver, leaderOID, mbs, subCnt, flags)
	if err != nil {
		tok.Release()
		return nil, nil, err
	}
	return h, tok, nil
}

// End resolves a non-leader handle and releases its quiescence token.
func (c *Container) End(ctx context.Context, tok *quiesceToken, h *handle.Handle, key cos.Key, result error) error {
	defer tok.Release()
	return h.End(ctx, key, result)
}

// BeginLeader admits a leader handle (spec.md §4.3 "leader_begin").
func (c *Container) BeginLeader(ctx context.Context, id dtxid.ID, epoch dtxid.HLC, ver uint32, leaderOID placement.OID, mbs *membership.Ref, subCnt int, flags handle.Flags) (*handle.LeaderHandle, *quiesceToken, error) {
	tok, ok := c.quiesce.Enter()
	if !ok {
		return nil, nil, dtxerr.ErrShutdown
	}
	lh, err := handle.LeaderBegin(ctx, c.store, c.cos, c.cfg, id, epoch, ver, leaderOID, mbs, subCnt, flags)
	if err != nil {
		tok.Release()
		return nil, nil, err
	}
	return lh, tok, nil
}

// CommitLeader classifies lh's membership into per-target batches,
// forwards COMMIT through the dispatch engine, and resolves lh
// (spec.md §4.4 "leader_exec_ops" + §4.3 "leader_end"). Callers obtain
// lh via BeginLeader and release its token through this call.
func (c *Container) CommitLeader(ctx context.Context, tok *quiesceToken, lh *handle.LeaderHandle, key cos.Key) error {
	defer tok.Release()

	var batches []dispatch.Batch
	if lh.MBS != nil && lh.MBS.Get() != nil {
		entry := &membership.Entry{ID: lh.ID, MBS: lh.MBS}
		var err error
		batches, err = dispatch.Classify(ctx, c.pool, []*membership.Entry{entry},
			func(e *membership.Entry) *membership.Membership { return e.MBS.Get() },
			func(*membership.Entry) uint32 { return lh.Ver },
			c.Self)
		if err != nil {
			return lh.LeaderEnd(ctx, key, err)
		}
	}

	// Per-target failures are recorded on lh rather than propagated:
	// LeaderEnd decides full-commit/partial-commit/abort from
	// FailedTargets() once every sub-request has reported in, matching
	// spec.md §4.4's "the leader doesn't fail fast on one target". The
	// RPC dials b.Rank (the transport address space) but the result
	// must be recorded against b.TargetID (the VOS target address
	// space lh.Subs is keyed on) — the two are not interchangeable.
	send := func(ctx context.Context, b dispatch.Batch) error {
		_, err := c.disp.SendCommit(ctx, b.Rank, b.XIDs, lh.Ver)
		lh.RecordResult(b.TargetID, lh.Ver, err)
		return nil
	}

	execErr := c.disp.LeaderExecOps(ctx, lh, batches, nil, nil, send)
	return lh.LeaderEnd(ctx, key, execErr)
}

// fanOutCommit is BatchedCommit's Commit callback: it reloads each
// id's membership and forwards COMMIT to every eligible target before
// the caller persists the local commit (spec.md §4.5.1).
func (c *Container) fanOutCommit(ctx context.Context, ids []dtxid.ID, collective bool) error {
	entries := make([]*membership.Entry, 0, len(ids))
	for _, id := range ids {
		ref, err := c.store.LoadMBS(ctx, id)
		if err != nil {
			if dtxerr.IsBenign(err) {
				continue
			}
			return err
		}
		entries = append(entries, &membership.Entry{ID: id, MBS: ref})
	}
	if len(entries) == 0 {
		return nil
	}

	batches, err := dispatch.Classify(ctx, c.pool, entries,
		func(e *membership.Entry) *membership.Membership {
			if e.MBS == nil {
				return nil
			}
			return e.MBS.Get()
		},
		func(*membership.Entry) uint32 { return ^uint32(0) }, // batched-commit path tracks no per-entry pool-map version (see DESIGN.md)
		c.Self)
	if err != nil {
		return err
	}

	for _, b := range batches {
		if _, err := c.disp.SendCommit(ctx, b.Rank, b.XIDs, ^uint32(0)); err != nil && !dtxerr.IsBenign(err) {
			return err
		}
	}
	return nil
}

// containerStats sources Aggregate's victim-selection data from the
// store's post-commit backlog (vos_dtx_stat), not the CoS committable
// count: the two are disjoint, oppositely-trending populations (see
// vos.Interface.CommittedStats). This demo process has one container
// per store, so PoolCmtCount and CmtCount coincide; a multi-container
// engine would sum CommittedStats across its containers for the pool
// figure.
func (c *Container) containerStats(ctx context.Context) bg.ContainerStats {
	count, age, err := c.store.CommittedStats(ctx)
	if err != nil {
		return bg.ContainerStats{}
	}
	return bg.ContainerStats{CmtCount: count, PoolCmtCount: count, OldestBlobAge: age}
}

func (c *Container) scanActive(ctx context.Context) ([]bg.ActiveEntry, error) {
	return nil, nil // populated by the caller's own accounting; no generic scan exists over vos.Interface
}

func (c *Container) retryCommit(ctx context.Context, id dtxid.ID) error {
	return c.fanOutCommit(ctx, []dtxid.ID{id}, false)
}

func (c *Container) refreshBatch(ctx context.Context, ids []dtxid.ID) error {
	peers := make([]bg.SharePeer, len(ids))
	for i, id := range ids {
		peers[i] = bg.SharePeer{ID: id}
	}
	err := c.Refresh.Run(ctx, peers)
	if dtxerr.Is(err, dtxerr.ErrAgain) {
		return nil
	}
	return err
}

func (c *Container) sendRefresh(ctx context.Context, peers []bg.SharePeer) ([]bg.SharePeer, error) {
	out := make([]bg.SharePeer, 0, len(peers))
	for _, p := range peers {
		ref, err := c.store.LoadMBS(ctx, p.ID)
		if err != nil {
			if dtxerr.Is(err, dtxerr.ErrNonexist) {
				p.State = bg.PeerNonexist
				out = append(out, p)
				continue
			}
			return nil, err
		}
		m := ref.Get()
		if m == nil || len(m.Targets) == 0 {
			out = append(out, p)
			continue
		}
		reply, err := c.disp.SendRefresh(ctx, m.Targets[0].TargetID, []dtxid.ID{p.ID}, 0)
		if err != nil {
			out = append(out, p)
			continue
		}
		st, ok := reply.PerXIDState[p.ID]
		if !ok {
			st = reply.Status
		}
		p.State = bg.SharePeerState(st)
		out = append(out, p)
	}
	return out, nil
}

func (c *Container) scanResync(ctx context.Context, resyncVersion, discardVersion uint32) ([]bg.ResyncEntry, error) {
	return nil, nil // populated by the caller's own active-entry accounting
}

func (c *Container) handleLocalResync(ctx context.Context, ids []dtxid.ID) error {
	return c.store.Abort(ctx, ids)
}

func (c *Container) forwardResyncCheck(ctx context.Context, ids []dtxid.ID) error {
	return c.refreshBatch(ctx, ids)
}

// HandleRequest is the target side of the dispatch opcode table (spec.md
// §6): it applies an inbound sub-request against the local store and
// returns the reply a peer's dispatch.Engine expects back. This is the
// callee half of SendCommit/SendAbort/SendCheck/SendRefresh; collective
// opcodes are folded onto the same per-ID store calls since the tree
// fan-out happens on the caller's side (dispatch/collective.go).
func (c *Container) HandleRequest(ctx context.Context, req transport.Request) (transport.Reply, error) {
	switch req.Opcode {
	case transport.OpCommit, transport.OpCollCommit:
		if err := c.store.Commit(ctx, req.XIDs); err != nil && !dtxerr.IsBenign(err) {
			return transport.Reply{}, err
		}
		return transport.Reply{Status: len(req.XIDs)}, nil

	case transport.OpAbort, transport.OpCollAbort:
		if err := c.store.Abort(ctx, req.XIDs); err != nil && !dtxerr.IsBenign(err) {
			return transport.Reply{}, err
		}
		return transport.Reply{Status: len(req.XIDs)}, nil

	case transport.OpCheck, transport.OpCollCheck:
		state := make(map[dtxid.ID]int, len(req.XIDs))
		for _, id := range req.XIDs {
			st, err := c.store.Check(ctx, id)
			if err != nil {
				if dtxerr.Is(err, dtxerr.ErrNonexist) {
					state[id] = int(vos.StatusCommitted)
					continue
				}
				return transport.Reply{}, err
			}
			state[id] = int(st.Status)
		}
		return transport.Reply{PerXIDState: state}, nil

	case transport.OpRefresh:
		reply := transport.Reply{PerXIDState: make(map[dtxid.ID]int, len(req.XIDs))}
		for _, id := range req.XIDs {
			st, err := c.store.Stat(ctx, id)
			if err != nil {
				if dtxerr.Is(err, dtxerr.ErrNonexist) {
					reply.PerXIDState[id] = int(bg.PeerNonexist)
					continue
				}
				return transport.Reply{}, err
			}
			reply.PerXIDState[id] = int(refreshStateFor(st.Status))
		}
		return reply, nil

	default:
		return transport.Reply{}, dtxerr.ErrInval
	}
}

func refreshStateFor(st vos.Status) bg.SharePeerState {
	switch st {
	case vos.StatusCommitted, vos.StatusCommittable:
		return bg.PeerCommitted
	case vos.StatusPrepared:
		return bg.PeerInProgress
	case vos.StatusCorrupted:
		return bg.PeerUncertain
	default:
		return bg.PeerInProgress
	}
}
