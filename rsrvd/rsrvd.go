// Package rsrvd implements the per-handle reservation arena (spec.md
// §3/§5: "VOS reservation slots — arena owned by the handle, released
// with it"; "the reservation arena lives for the handle's lifetime and
// is reset by handle_reinit").
//
// This is a generalization of the teacher's pool.ConnectionPool
// acquire/release/stats shape (pool/pool.go), stripped of its
// cgo/Rust-FFI backend: instead of pooling database connections, an
// Arena pools the single VOS reservation token that backs one
// handle's modifications, with the same acquire-on-begin,
// release-on-end lifecycle and the same waiter/stats bookkeeping
// reduced to what the DTX handle actually needs.
package rsrvd

import (
	"context"
	"sync"

	"github.com/mantisdb/dtxengine/vos"
)

// Stats mirrors the teacher's PoolStats shape, trimmed to the
// counters an Arena can meaningfully report.
type Stats struct {
	Acquired int
	Released int
	Resets   int
}

// Arena is the reservation arena owned by one handle. It is not safe
// for concurrent use by more than one handle at a time, matching the
// handle's own single-writer discipline (spec.md §5).
type Arena struct {
	mu    sync.Mutex
	store vos.Interface
	tok   *vos.RsrvdToken
	stats Stats
}

// New creates an unattached Arena; call Init before first use.
func New(store vos.Interface) *Arena {
	return &Arena{store: store}
}

// Init acquires a fresh reservation token from the store
// (vos_dtx_rsrvd_init). Calling Init on an already-initialized Arena
// is a no-op: it keeps the current token and leaves Stats.Acquired
// unchanged.
func (a *Arena) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tok != nil {
		return nil
	}
	tok, err := a.store.RsrvdInit(ctx)
	if err != nil {
		return err
	}
	a.tok = &tok
	a.stats.Acquired++
	return nil
}

// Reinit resets the arena between client retries that share the same
// handle (handle_reinit): the existing token is released and a fresh
// one acquired, so partially-staged reservations from the failed
// attempt never leak into the retry.
func (a *Arena) Reinit(ctx context.Context) error {
	a.mu.Lock()
	tok := a.tok
	a.tok = nil
	a.mu.Unlock()

	if tok != nil {
		if err := a.store.RsrvdFini(ctx, *tok); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.stats.Resets++
	a.mu.Unlock()
	return a.Init(ctx)
}

// Fini releases the arena's token (vos_dtx_rsrvd_fini), called once
// when the owning handle ends. Fini on an uninitialized Arena is a
// no-op, since handle End always calls it even on early-exit paths
// that never reached Init.
func (a *Arena) Fini(ctx context.Context) error {
	a.mu.Lock()
	tok := a.tok
	a.tok = nil
	a.mu.Unlock()

	if tok == nil {
		return nil
	}
	if err := a.store.RsrvdFini(ctx, *tok); err != nil {
		return err
	}
	a.mu.Lock()
	a.stats.Released++
	a.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the arena's lifecycle counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Token returns the currently-held reservation token, or ok=false if
// the arena has not been initialized.
func (a *Arena) Token() (vos.RsrvdToken, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tok == nil {
		return vos.RsrvdToken{}, false
	}
	return *a.tok, true
}
