// Package cos implements the Commit-on-Share cache (spec.md §3 "CoS
// record", §4.2): a per-container, DRAM-only index of committable DTX
// entries keyed by (object, dkey-hash), with priority/expcmt/collective
// sublists and a global insertion-ordered list driving oldest-first
// commit.
//
// The backing index is a github.com/tidwall/btree.BTreeG, the same
// library the retrieval pack's storage engines use for ordered
// in-memory indexes; sublist order within one key and the global
// cross-key order are both modeled as container/list.List, matching
// the teacher's cache package's use of explicit linked structures for
// access-order bookkeeping (cache/cache_manager.go).
package cos

import (
	"container/list"
	"sync"

	"github.com/tidwall/btree"

	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
	"github.com/mantisdb/dtxengine/membership"
	"github.com/mantisdb/dtxengine/placement"
)

// Flags classify which sublist a CoS entry belongs to (spec.md §4.2).
type Flags uint32

const (
	Shared Flags = 1 << iota // priority sublist: must commit ASAP to avoid ilog blow-up
	ExpCmt                   // explicit sublist: committed via dedicated RPC (cross-RDG / EC / collective)
	Coll                     // collective DTX; at most one representative entry in CoS at a time
)

// Key identifies one (object, dkey-hash) CoS bucket.
type Key struct {
	OID      placement.OID
	DkeyHash uint64
}

func (k Key) less(other Key) bool {
	if k.OID.Hi != other.OID.Hi {
		return k.OID.Hi < other.OID.Hi
	}
	if k.OID.Lo != other.OID.Lo {
		return k.OID.Lo < other.OID.Lo
	}
	return k.DkeyHash < other.DkeyHash
}

// Entry is one CoS record: {dte, epoch, list_link, global_link}
// (spec.md §3 "CoS record").
type Entry struct {
	ID    dtxid.ID
	Ref   *membership.Entry
	Key   Key
	Epoch dtxid.HLC
	Flags Flags

	global *list.Element // position in the cross-key insertion order
	sub    *list.Element // position within its key's sublist
}

type bucket struct {
	key    Key
	reg    list.List
	prio   list.List
	expcmt list.List
}

func (b *bucket) empty() bool {
	return b.reg.Len() == 0 && b.prio.Len() == 0 && b.expcmt.Len() == 0
}

func (b *bucket) listFor(f Flags) *list.List {
	switch {
	case f&Coll != 0, f&ExpCmt != 0:
		return &b.expcmt
	case f&Shared != 0:
		return &b.prio
	default:
		return &b.reg
	}
}

// Cache is the per-container CoS index.
type Cache struct {
	mu sync.Mutex

	tree   *btree.BTreeG[*bucket]
	global list.List // insertion order across all keys, oldest at Front

	byID map[dtxid.ID]*Entry

	committableCount     int
	committableCollCount int
}

// New creates an empty CoS cache.
func New() *Cache {
	return &Cache{
		tree: btree.NewBTreeG(func(a, b *bucket) bool { return a.key.less(b.key) }),
		byID: make(map[dtxid.ID]*Entry),
	}
}

func (c *Cache) bucketFor(key Key, create bool) *bucket {
	probe := &bucket{key: key}
	if b, ok := c.tree.Get(probe); ok {
		return b
	}
	if !create {
		return nil
	}
	c.tree.Set(probe)
	return probe
}

// Add inserts a CoS record. Non-zero epoch and a valid ref are
// required (invariant 5); the caller transfers one ref to the cache.
func (c *Cache) Add(id dtxid.ID, ref *membership.Entry, key Key, epoch dtxid.HLC, flags Flags) error {
	if epoch == 0 {
		return dtxerr.ErrInval
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[id]; exists {
		return dtxerr.ErrAlready
	}
	if flags&Coll != 0 {
		for _, e := range c.byID {
			if e.Flags&Coll != 0 {
				return dtxerr.ErrAlready // invariant 8: one collective representative at a time
			}
		}
	}

	b := c.bucketFor(key, true)
	e := &Entry{ID: id, Ref: ref, Key: key, Epoch: epoch, Flags: flags}
	e.sub = b.listFor(flags).PushBack(e)
	e.global = c.global.PushBack(e)
	c.byID[id] = e

	if flags&Coll != 0 {
		c.committableCollCount++
	} else {
		c.committableCount++
	}
	return nil
}

// removeLocked detaches e from every list it participates in and
// deletes its bucket from the tree once the bucket is empty.
func (c *Cache) removeLocked(e *Entry) {
	b := c.bucketFor(e.Key, false)
	if b != nil {
		b.listFor(e.Flags).Remove(e.sub)
		if b.empty() {
			c.tree.Delete(b)
		}
	}
	c.global.Remove(e.global)
	delete(c.byID, e.ID)

	if e.Flags&Coll != 0 {
		c.committableCollCount--
	} else {
		c.committableCount--
	}
}

// Del removes the entry named by id. Demote, when true, moves the
// entry to the tail of the global list instead of removing it —
// retried on the next batched-commit pass (spec.md §4.2 "demote").
// A missing id is idempotent success (maps to nil), per the NONEXIST
// convention.
func (c *Cache) Del(id dtxid.ID, demote bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return nil
	}
	if demote {
		c.global.MoveToBack(e.global)
		return nil
	}
	c.removeLocked(e)
	return nil
}

// BatchedDel bulk-deletes ids; rmBitmap[i] selects removal (true) vs
// demote-to-tail (false) for ids[i] (spec.md §4.2 "batched_del").
func (c *Cache) BatchedDel(ids []dtxid.ID, rmBitmap []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range ids {
		e, ok := c.byID[id]
		if !ok {
			continue
		}
		if i < len(rmBitmap) && !rmBitmap[i] {
			c.global.MoveToBack(e.global)
			continue
		}
		c.removeLocked(e)
	}
}

// FetchCommittable returns up to max entries whose epoch is <=
// epochUpper, walking the global insertion order oldest-first. If oid
// is non-nil only entries on that object match, unless force is set.
// A returned collective entry is always alone, per spec.md §4.2.
func (c *Cache) FetchCommittable(max int, oid *placement.OID, epochUpper dtxid.HLC, force bool) (entries []*Entry, isColl bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.global.Front(); el != nil && len(entries) < max; el = el.Next() {
		e := el.Value.(*Entry)
		if e.Epoch > epochUpper {
			continue
		}
		if oid != nil && !force && e.Key.OID != *oid {
			continue
		}
		if e.Flags&Coll != 0 {
			if len(entries) > 0 {
				break // collective entries are never batched with others
			}
			return []*Entry{e}, true
		}
		entries = append(entries, e)
	}
	return entries, false
}

// ListCos returns up to max priority-sublist DTX ids under key, used
// to piggyback explicit commit ids on a dispatched update/punch RPC
// (spec.md §4.2 "list_cos").
func (c *Cache) ListCos(key Key, max int) []dtxid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucketFor(key, false)
	if b == nil {
		return nil
	}
	var out []dtxid.ID
	for el := b.prio.Front(); el != nil && len(out) < max; el = el.Next() {
		out = append(out, el.Value.(*Entry).ID)
	}
	return out
}

// Oldest returns the epoch of the oldest committable entry, or 0 if
// the cache is empty (spec.md §4.2 "cos_oldest").
func (c *Cache) Oldest() dtxid.HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.global.Len() == 0 {
		return 0
	}
	return c.global.Front().Value.(*Entry).Epoch
}

// Prio promotes id to the priority sublist, called from the REFRESH
// handler when a remote participant asks for expedited commit
// (spec.md §4.2 "cos_prio").
func (c *Cache) Prio(id dtxid.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return dtxerr.ErrNonexist
	}
	if e.Flags&Shared != 0 {
		return nil
	}
	b := c.bucketFor(e.Key, false)
	if b != nil {
		b.listFor(e.Flags).Remove(e.sub)
		e.Flags |= Shared
		e.sub = b.listFor(e.Flags).PushBack(e)
	} else {
		e.Flags |= Shared
	}
	return nil
}

// PutPiggyback releases the refs taken by ListCos; when done is
// false, the listed entries are promoted back to priority so the next
// dispatch attempt retries them (spec.md §4.2 "put_piggyback").
func (c *Cache) PutPiggyback(ids []dtxid.ID, done bool) {
	if done {
		return
	}
	for _, id := range ids {
		_ = c.Prio(id)
	}
}

// CommittableCount returns the sum of non-collective committable
// entries across all keys (invariant 6, via dtx_pool_cmt_count).
func (c *Cache) CommittableCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committableCount
}

// CommittableCollCount returns the number of committable collective
// entries (at most one by invariant 8).
func (c *Cache) CommittableCollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committableCollCount
}
