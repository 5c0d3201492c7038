package transport

import (
	"context"
	"sync"
	"time"

	"github.com/mantisdb/dtxengine/dtxerr"
)

// faultKey identifies one (opcode, target) pair to fail.
type faultKey struct {
	opc    Opcode
	target uint32
}

// Fake is an in-process Sender used by tests. It records every Send
// call and lets tests inject failures per (opcode, target) pair,
// matching the example scenarios' "force one participant's COMMIT RPC
// to fail with -HG" requirement (spec.md §8 scenario 4).
type Fake struct {
	mu sync.Mutex

	timeout time.Duration
	faults  map[faultKey]error
	calls   []Request
	handler func(ctx context.Context, target uint32, req Request) (Reply, error)
}

// NewFake returns a Fake with no injected faults and a no-op default
// handler (every Send succeeds trivially).
func NewFake() *Fake {
	return &Fake{
		timeout: 30 * time.Second,
		faults:  make(map[faultKey]error),
	}
}

// Handle installs a callback invoked for every non-faulted Send; tests
// use this to simulate participant-side RPC handling.
func (f *Fake) Handle(h func(ctx context.Context, target uint32, req Request) (Reply, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// FailTarget injects err for every req.Opcode == opc sent to target.
func (f *Fake) FailTarget(opc Opcode, target uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[faultKey{opc, target}] = err
}

// Calls returns every Request sent so far, for assertions.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) Send(ctx context.Context, target uint32, req Request) (Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err, faulted := f.faults[faultKey{req.Opcode, target}]
	handler := f.handler
	f.mu.Unlock()

	if faulted {
		return Reply{}, err
	}
	if handler != nil {
		return handler(ctx, target, req)
	}
	return Reply{Status: 0}, nil
}

func (f *Fake) SendCollective(ctx context.Context, ranks []uint32, req Request) (Reply, error) {
	merged := Reply{PerXIDState: make(map[dtxid.ID]int)}
	for _, rank := range ranks {
		reply, err := f.Send(ctx, rank, req)
		if err != nil {
			if dtxerr.IsBenign(err) {
				continue
			}
			return merged, err
		}
		merged.Status += reply.Status
		for id, st := range reply.PerXIDState {
			merged.PerXIDState[id] = st
		}
	}
	return merged, nil
}

func (f *Fake) SetTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = d
}

func (f *Fake) Timeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeout
}

var _ Sender = (*Fake)(nil)
