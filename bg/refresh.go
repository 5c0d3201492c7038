package bg

import (
	"context"

	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/vos"
)

// SharePeerState is the wire-level state a REFRESH reply carries for
// one share-tbd peer (spec.md §4.5.5).
type SharePeerState int

const (
	PeerCommitted SharePeerState = iota
	PeerCommittable
	PeerNonexist
	PeerUncertain
	PeerInProgress
)

// SharePeer is one entry on a handle's share_tbd list awaiting
// resolution (spec.md §3 "share_{cmt,abt,act,tbd}_list").
type SharePeer struct {
	ID            dtxid.ID
	State         SharePeerState
	InitialLeader bool // INITIAL_LEADER hint suppresses abort on NONEXIST
}

// Refresh resolves a non-leader handle's share_tbd peers (spec.md
// §4.5.5): classify each by leader, batch REFRESH RPCs, and interpret
// replies.
type Refresh struct {
	store vos.Interface

	// Send issues REFRESH for peers and returns their resolved states.
	Send func(ctx context.Context, peers []SharePeer) ([]SharePeer, error)
}

// NewRefresh returns a worker bound to store.
func NewRefresh(store vos.Interface, send func(ctx context.Context, peers []SharePeer) ([]SharePeer, error)) *Refresh {
	return &Refresh{store: store, Send: send}
}

// Run resolves tbd per spec.md §4.5.5's reply-interpretation table. An
// empty tbd list is idempotent: returns nil and mutates nothing
// (invariant 10).
func (r *Refresh) Run(ctx context.Context, tbd []SharePeer) error {
	if len(tbd) == 0 {
		return nil
	}

	resolved, err := r.Send(ctx, tbd)
	if err != nil {
		// Bulk network failure: remaining tbd peers migrate to
		// act_list with INPROGRESS (spec.md §4.5.5).
		return dtxerr.ErrInProgress
	}

	inProgress := false
	for _, p := range resolved {
		switch p.State {
		case PeerCommitted, PeerCommittable:
			if err := r.store.Commit(ctx, []dtxid.ID{p.ID}); err != nil && !dtxerr.IsBenign(err) {
				return err
			}
		case PeerNonexist:
			if p.InitialLeader {
				continue
			}
			if err := r.store.Abort(ctx, []dtxid.ID{p.ID}); err != nil && !dtxerr.IsBenign(err) {
				return err
			}
		case PeerUncertain:
			// TX_UNCERTAIN: mark the entry ORPHAN before surfacing the
			// error, so a later resync/cleanup pass can find it even if
			// this caller never retries (spec.md §4.5.5).
			if err := r.store.SetFlags(ctx, p.ID, membership.Orphan); err != nil && !dtxerr.IsBenign(err) {
				return err
			}
			return dtxerr.ErrTXUncertain
		case PeerInProgress:
			// left active; surfaced to the caller below.
			inProgress = true
		}
	}

	if inProgress {
		return dtxerr.ErrInProgress
	}
	return dtxerr.ErrAgain // re-try the original op, per spec.md §4.5.5
}
