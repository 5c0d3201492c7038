// Package membership implements the DTX membership descriptor (mbs)
// and the handle-level entry reference (dte) from spec.md §3/§4.1.
//
// The wire format is treated as opaque bytes for transport (spec.md
// §3): Marshal/Unmarshal round-trip a Membership exactly, and once a
// Membership has been attached to an entry it is treated as immutable
// (spec.md §3, invariant 2) — an epoch change goes through
// vos.Interface.RenewEpoch and leaves the Membership as it is.
package membership

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/mantisdb/dtxengine/dtxerr"
	"github.com/mantisdb/dtxengine/dtxid"
)

// Flags is the membership-level bitset (spec.md §3).
type Flags uint32

const (
	ContainLeader Flags = 1 << iota // first target entry is the initial leader
	CollTarget                      // collective DTX spanning all VOS targets
	SrdgRep                        // single-redundancy-group replicated
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// EntryFlags is the dte-level flag subset (spec.md §3), tracked
// separately from the membership's own Flags since it describes this
// participant's view of the entry, not the transaction's shape.
type EntryFlags uint32

const (
	Leader EntryFlags = 1 << iota
	PartialCommitted
	Corrupted
	Orphan
	Invalid
)

func (f EntryFlags) Has(bit EntryFlags) bool { return f&bit != 0 }

// TargetDesc is one per-target descriptor in the mbs payload.
type TargetDesc struct {
	TargetID uint32
}

// GroupDesc is one per-redundancy-group descriptor.
type GroupDesc struct {
	Redundancy uint32 // dm_grp_cnt's per-group redundancy width
	RdonlyFlag bool
	Targets    []uint32 // indexes into the enclosing Membership's Targets
}

// CollTargets is the trailing collective-DTX block.
type CollTargets struct {
	Bitmap    []byte // one bit per local VOS target
	TargetIDs []uint32
	FDomLvl   uint32
	PDA       uint32
	PDomLvl   uint32
}

// Membership is the mbs: opaque-for-transport, structured-for-local-use.
type Membership struct {
	TgtCnt uint32
	GrpCnt uint32
	Flags  Flags

	Targets []TargetDesc
	Groups  []GroupDesc
	Coll    *CollTargets // non-nil iff Flags.Has(CollTarget)
}

// Size returns mbs_size(mbs): the encoded byte length, without
// actually encoding — used by callers deciding whether a payload needs
// the out-of-line compressed path.
func (m *Membership) Size() int {
	n := 12 // header: TgtCnt, GrpCnt, Flags
	n += 4  // target count
	n += len(m.Targets) * 4
	n += 4 // group count repeated for self-describing decode
	for _, g := range m.Groups {
		n += 4 + 1 + 4 + len(g.Targets)*4
	}
	n += 1 // coll-present byte
	if m.Coll != nil {
		n += 4 + len(m.Coll.Bitmap)
		n += 4 + len(m.Coll.TargetIDs)*4
		n += 12
	}
	return n
}

// Marshal encodes m to its wire format. When the encoded size exceeds
// inlineThreshold (DTX_INLINE_MBS_SIZE), the payload is zstd-compressed
// and prefixed with a one-byte "compressed" flag so Unmarshal can tell
// the two forms apart — this is the only place in the module that ever
// compresses anything (SPEC_FULL.md §2).
func Marshal(m *Membership, inlineThreshold int) ([]byte, error) {
	raw, err := marshalRaw(m)
	if err != nil {
		return nil, err
	}
	if len(raw) <= inlineThreshold {
		return append([]byte{0}, raw...), nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, dtxerr.Wrap(err, "membership: new zstd encoder")
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)
	return append([]byte{1}, compressed...), nil
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (*Membership, error) {
	if len(data) == 0 {
		return nil, dtxerr.ErrInval
	}
	compressed, body := data[0], data[1:]
	if compressed == 1 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, dtxerr.Wrap(err, "membership: new zstd decoder")
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, dtxerr.Wrap(err, "membership: zstd decode")
		}
		body = raw
	}
	return unmarshalRaw(body)
}

func marshalRaw(m *Membership) ([]byte, error) {
	var buf bytes.Buffer
	w := func(v any) error { return binary.Write(&buf, binary.LittleEndian, v) }

	if err := w(m.TgtCnt); err != nil {
		return nil, err
	}
	if err := w(m.GrpCnt); err != nil {
		return nil, err
	}
	if err := w(uint32(m.Flags)); err != nil {
		return nil, err
	}
	if err := w(uint32(len(m.Targets))); err != nil {
		return nil, err
	}
	for _, t := range m.Targets {
		if err := w(t.TargetID); err != nil {
			return nil, err
		}
	}
	if err := w(uint32(len(m.Groups))); err != nil {
		return nil, err
	}
	for _, g := range m.Groups {
		if err := w(g.Redundancy); err != nil {
			return nil, err
		}
		rdonly := byte(0)
		if g.RdonlyFlag {
			rdonly = 1
		}
		if err := w(rdonly); err != nil {
			return nil, err
		}
		if err := w(uint32(len(g.Targets))); err != nil {
			return nil, err
		}
		for _, tgt := range g.Targets {
			if err := w(tgt); err != nil {
				return nil, err
			}
		}
	}
	if m.Coll == nil {
		if err := w(byte(0)); err != nil {
			return nil, err
		}
	} else {
		if err := w(byte(1)); err != nil {
			return nil, err
		}
		if err := w(uint32(len(m.Coll.Bitmap))); err != nil {
			return nil, err
		}
		buf.Write(m.Coll.Bitmap)
		if err := w(uint32(len(m.Coll.TargetIDs))); err != nil {
			return nil, err
		}
		for _, id := range m.Coll.TargetIDs {
			if err := w(id); err != nil {
				return nil, err
			}
		}
		if err := w(m.Coll.FDomLvl); err != nil {
			return nil, err
		}
		if err := w(m.Coll.PDA); err != nil {
			return nil, err
		}
		if err := w(m.Coll.PDomLvl); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func unmarshalRaw(data []byte) (*Membership, error) {
	r := bytes.NewReader(data)
	read := func(v any) error {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return dtxerr.Wrap(dtxerr.ErrInval, "membership: truncated payload")
			}
			return err
		}
		return nil
	}

	m := &Membership{}
	if err := read(&m.TgtCnt); err != nil {
		return nil, err
	}
	if err := read(&m.GrpCnt); err != nil {
		return nil, err
	}
	var flags uint32
	if err := read(&flags); err != nil {
		return nil, err
	}
	m.Flags = Flags(flags)

	var ntgt uint32
	if err := read(&ntgt); err != nil {
		return nil, err
	}
	m.Targets = make([]TargetDesc, ntgt)
	for i := range m.Targets {
		if err := read(&m.Targets[i].TargetID); err != nil {
			return nil, err
		}
	}

	var ngrp uint32
	if err := read(&ngrp); err != nil {
		return nil, err
	}
	m.Groups = make([]GroupDesc, ngrp)
	for i := range m.Groups {
		g := &m.Groups[i]
		if err := read(&g.Redundancy); err != nil {
			return nil, err
		}
		var rdonly byte
		if err := read(&rdonly); err != nil {
			return nil, err
		}
		g.RdonlyFlag = rdonly != 0
		var ntargets uint32
		if err := read(&ntargets); err != nil {
			return nil, err
		}
		g.Targets = make([]uint32, ntargets)
		for j := range g.Targets {
			if err := read(&g.Targets[j]); err != nil {
				return nil, err
			}
		}
	}

	var hasColl byte
	if err := read(&hasColl); err != nil {
		return nil, err
	}
	if hasColl == 1 {
		c := &CollTargets{}
		var bitmapLen uint32
		if err := read(&bitmapLen); err != nil {
			return nil, err
		}
		c.Bitmap = make([]byte, bitmapLen)
		if _, err := io.ReadFull(r, c.Bitmap); err != nil {
			return nil, dtxerr.Wrap(dtxerr.ErrInval, "membership: truncated bitmap")
		}
		var ntids uint32
		if err := read(&ntids); err != nil {
			return nil, err
		}
		c.TargetIDs = make([]uint32, ntids)
		for i := range c.TargetIDs {
			if err := read(&c.TargetIDs[i]); err != nil {
				return nil, err
			}
		}
		if err := read(&c.FDomLvl); err != nil {
			return nil, err
		}
		if err := read(&c.PDA); err != nil {
			return nil, err
		}
		if err := read(&c.PDomLvl); err != nil {
			return nil, err
		}
		m.Coll = c
	}

	return m, nil
}

// Ref is a shared, ref-counted handle on a Membership, since mbs is
// shared between a dth, any CoS entry and any resync copy, with
// lifetime equal to the longest holder (spec.md §3 "Ownership").
type Ref struct {
	mbs *Membership
	rc  int32
}

// NewRef wraps m with an initial reference count of 1.
func NewRef(m *Membership) *Ref {
	return &Ref{mbs: m, rc: 1}
}

// Get returns the underlying Membership.
func (r *Ref) Get() *Membership { return r.mbs }

// Hold increments the reference count and returns r for chaining.
func (r *Ref) Hold() *Ref {
	atomic.AddInt32(&r.rc, 1)
	return r
}

// Release decrements the reference count; once it reaches zero the
// Membership is no longer reachable through this Ref.
func (r *Ref) Release() {
	if atomic.AddInt32(&r.rc, -1) == 0 {
		r.mbs = nil
	}
}

// Entry is the dte: the handle-level reference object (spec.md §3).
type Entry struct {
	ID      dtxid.ID
	Version uint32
	RefCnt  int32
	MBS     *Ref
	Flags   EntryFlags
}

// Get increments Entry's reference count.
func (e *Entry) Get() { atomic.AddInt32(&e.RefCnt, 1) }

// Put decrements Entry's reference count, releasing its Membership ref
// once the count reaches zero (spec.md §5 "Shared resources").
func (e *Entry) Put() {
	if atomic.AddInt32(&e.RefCnt, -1) == 0 && e.MBS != nil {
		e.MBS.Release()
	}
}
