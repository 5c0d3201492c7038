package vos

import (
	"context"
	"sync"
	"time"

	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
)

// Fake is an in-memory Interface used by tests. It is grounded on the
// teacher's pool/pool.go connection-pool shape (acquire/release
// tokens, simple bookkeeping maps) with the cgo/Rust-FFI backend
// stripped and replaced by a pure-Go map-of-structs store.
type Fake struct {
	mu sync.Mutex

	entries     map[dtxid.ID]*EntryStat
	mbs         map[dtxid.ID]*membership.Ref
	tokens      map[uint64]struct{}
	committedAt map[dtxid.ID]time.Time
	nextTok     uint64
	nextLoc     uint64
}

// NewFake returns an empty Fake store.
func NewFake() *Fake {
	return &Fake{
		entries:     make(map[dtxid.ID]*EntryStat),
		mbs:         make(map[dtxid.ID]*membership.Ref),
		tokens:      make(map[uint64]struct{}),
		committedAt: make(map[dtxid.ID]time.Time),
	}
}

func (f *Fake) Attach(_ context.Context, id dtxid.ID, epoch dtxid.HLC, mbs *membership.Ref, flags membership.EntryFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = &EntryStat{ID: id, Epoch: epoch, Status: StatusPrepared, Flags: flags}
	if mbs != nil {
		f.mbs[id] = mbs
	}
	return nil
}

func (f *Fake) Cleanup(_ context.Context, id dtxid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	delete(f.mbs, id)
	return nil
}

func (f *Fake) Commit(_ context.Context, ids []dtxid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		e, ok := f.entries[id]
		if !ok {
			continue // NONEXIST is idempotent success
		}
		e.Status = StatusCommitted
		if _, ok := f.committedAt[id]; !ok {
			f.committedAt[id] = time.Now()
		}
	}
	return nil
}

func (f *Fake) Abort(_ context.Context, ids []dtxid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		e, ok := f.entries[id]
		if !ok {
			continue
		}
		e.Status = StatusAborted
	}
	return nil
}

func (f *Fake) Check(_ context.Context, id dtxid.ID) (EntryStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return EntryStat{}, dtxerr.ErrNonexist
	}
	return *e, nil
}

func (f *Fake) Aggregate(_ context.Context, ageFloor int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, e := range f.entries {
		if e.Status == StatusCommitted {
			delete(f.entries, id)
			delete(f.mbs, id)
			delete(f.committedAt, id)
			n++
		}
	}
	_ = ageFloor // real aging is driven by caller-supplied clock; Fake reclaims unconditionally
	return n, nil
}

func (f *Fake) MarkCommittable(_ context.Context, id dtxid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return dtxerr.ErrNonexist
	}
	e.Status = StatusCommittable
	return nil
}

func (f *Fake) MarkSync(_ context.Context, id dtxid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; !ok {
		return dtxerr.ErrNonexist
	}
	return nil
}

func (f *Fake) Stat(ctx context.Context, id dtxid.ID) (EntryStat, error) {
	return f.Check(ctx, id)
}

func (f *Fake) SetFlags(_ context.Context, id dtxid.ID, flags membership.EntryFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return dtxerr.ErrNonexist
	}
	e.Flags |= flags
	if flags.Has(membership.Corrupted) {
		e.Status = StatusCorrupted
	} else if flags.Has(membership.PartialCommitted) {
		e.Status = StatusPartialCommitted
	}
	return nil
}

func (f *Fake) LoadMBS(_ context.Context, id dtxid.ID) (*membership.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.mbs[id]
	if !ok {
		return nil, dtxerr.ErrNonexist
	}
	return ref, nil
}

func (f *Fake) RsrvdInit(_ context.Context) (RsrvdToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTok++
	tok := f.nextTok
	f.tokens[tok] = struct{}{}
	return RsrvdToken{opaque: tok}, nil
}

func (f *Fake) RsrvdFini(_ context.Context, tok RsrvdToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[tok.opaque]; !ok {
		return dtxerr.ErrInval
	}
	delete(f.tokens, tok.opaque)
	return nil
}

func (f *Fake) LocalBegin(_ context.Context, epoch dtxid.HLC) (dtxid.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLoc++
	id := dtxid.New(epoch)
	f.entries[id] = &EntryStat{ID: id, Epoch: epoch, Status: StatusPrepared}
	return id, nil
}

func (f *Fake) LocalEnd(_ context.Context, id dtxid.ID, endErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return dtxerr.ErrNonexist
	}
	if endErr == nil {
		e.Status = StatusCommitted
	} else {
		e.Status = StatusAborted
	}
	return nil
}

func (f *Fake) Validation(_ context.Context, id dtxid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; !ok {
		return dtxerr.ErrNonexist
	}
	return nil
}

func (f *Fake) CacheReset(_ context.Context) error {
	return nil
}

func (f *Fake) RenewEpoch(_ context.Context, id dtxid.ID, epoch dtxid.HLC) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return dtxerr.ErrNonexist
	}
	e.Epoch = epoch
	return nil
}

func (f *Fake) Detach(_ context.Context, id dtxid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	return nil
}

// CommittedStats counts entries currently in StatusCommitted (the
// post-commit, pre-aggregation backlog) and reports the age of the
// oldest one, tracked from the timestamp Commit first set it.
func (f *Fake) CommittedStats(_ context.Context) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	var oldest time.Time
	for id, e := range f.entries {
		if e.Status != StatusCommitted {
			continue
		}
		count++
		if t, ok := f.committedAt[id]; ok && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}
	if oldest.IsZero() {
		return count, 0, nil
	}
	return count, time.Since(oldest), nil
}

var _ Interface = (*Fake)(nil)
