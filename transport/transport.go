// Package transport is the narrow external RPC interface this module
// consumes (spec.md §6: "request creation, send/reply, corpc creation
// with tree topology, bulk transfer, crt_req_set_timeout,
// crt_context_get_timeout, event-source registration"). Production
// deployments back it with a google.golang.org/grpc client; Fake backs
// it in-process for tests, including fault injection.
package transport

import (
	"context"
	"time"

	"github.com/mantisdb/dtxengine/dtxid"
)

// Opcode names one DTX RPC (spec.md §4.4/§6's opcode table).
type Opcode int

const (
	OpCommit Opcode = iota
	OpAbort
	OpCheck
	OpRefresh
	OpCollCommit
	OpCollAbort
	OpCollCheck
)

func (o Opcode) String() string {
	switch o {
	case OpCommit:
		return "COMMIT"
	case OpAbort:
		return "ABORT"
	case OpCheck:
		return "CHECK"
	case OpRefresh:
		return "REFRESH"
	case OpCollCommit:
		return "COLL_COMMIT"
	case OpCollAbort:
		return "COLL_ABORT"
	case OpCollCheck:
		return "COLL_CHECK"
	default:
		return "UNKNOWN"
	}
}

// Request is one outbound sub-request (spec.md §6's RPC input column,
// folded into one struct across opcodes since only a handful of
// fields are opcode-specific).
type Request struct {
	Opcode Opcode
	XIDs   []dtxid.ID
	Ver    uint32
	Epoch  dtxid.HLC
	Flags  uint32

	// Collective-only fields.
	MinRank, MaxRank uint32
	Hints            []byte // sparse, one byte per rank in [MinRank, MaxRank]
}

// Reply is one RPC's response (spec.md §6's output column).
type Reply struct {
	Status      int // per-opcode meaning: committed count, merged check state, ...
	SubResults  []error
	PerXIDState map[dtxid.ID]int
}

// Sender is the external RPC transport interface.
type Sender interface {
	// Send issues req against a single target, blocking until reply or
	// ctx cancellation (crt request creation + send/reply).
	Send(ctx context.Context, target uint32, req Request) (Reply, error)

	// SendCollective issues req to every rank in ranks and merges the
	// replies (summed Status, union of PerXIDState); it does not build a
	// tree itself — dispatch.Engine.CollBroadcast walks the KNOMIAL
	// tree over Send.
	SendCollective(ctx context.Context, ranks []uint32, req Request) (Reply, error)

	// SetTimeout overrides the per-request RPC timeout
	// (crt_req_set_timeout).
	SetTimeout(d time.Duration)

	// Timeout returns the context's current RPC timeout
	// (crt_context_get_timeout).
	Timeout() time.Duration
}
