// Package dtxid defines the DTX identifier (dti): a {uuid, hlc} pair
// that names a transaction within a container for its lifetime
// (spec.md §3, invariant 1).
package dtxid

import (
	"fmt"

	"github.com/google/uuid"
)

// HLC is a 64-bit hybrid logical clock value, combining wall time and
// a logical tick counter. It is used as both the DTX epoch and half of
// the DTX identifier.
type HLC uint64

// ID is the DTX identifier (dti). The zero value — both fields zero —
// is the legal "no DTX" sentinel (spec.md §3): it disables all
// bookkeeping and must never be rejected by code that accepts an ID.
type ID struct {
	UUID uuid.UUID
	HLC  HLC
}

// Zero is the "no DTX" sentinel.
var Zero ID

// IsZero reports whether id is the "no DTX" sentinel.
func (id ID) IsZero() bool {
	return id.UUID == uuid.Nil && id.HLC == 0
}

// New allocates a fresh ID stamped with the given HLC reading. Callers
// obtain hlc from whatever clock source the engine is configured with;
// dtxid does not generate clock readings itself.
func New(hlc HLC) ID {
	return ID{UUID: uuid.New(), HLC: hlc}
}

// Equal reports whether two IDs name the same transaction.
func (id ID) Equal(other ID) bool {
	return id.UUID == other.UUID && id.HLC == other.HLC
}

func (id ID) String() string {
	if id.IsZero() {
		return "dti(zero)"
	}
	return fmt.Sprintf("dti(%s@%d)", id.UUID, id.HLC)
}

// Less provides a total order over IDs (by HLC, then UUID), for
// callers that need a deterministic iteration order rather than
// hash-map order.
func Less(a, b ID) bool {
	if a.HLC != b.HLC {
		return a.HLC < b.HLC
	}
	for i := range a.UUID {
		if a.UUID[i] != b.UUID[i] {
			return a.UUID[i] < b.UUID[i]
		}
	}
	return false
}
