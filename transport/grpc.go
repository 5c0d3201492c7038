package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/mantisdb/dtxengine/dtxid"
)

// gobCodecName is registered once with grpc's codec registry so the
// DTX RPC methods can be invoked without a protoc-generated stub; the
// wire messages are the Request/Reply structs themselves, gob-encoded.
const gobCodecName = "dtx-gob"

type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return gobCodecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// methodFor maps an Opcode to its gRPC method path; every DTX opcode
// is one unary RPC on a shared service (spec.md §6 transport surface).
func methodFor(o Opcode) string {
	switch o {
	case OpCommit:
		return "/dtx.DTXService/Commit"
	case OpAbort:
		return "/dtx.DTXService/Abort"
	case OpCheck:
		return "/dtx.DTXService/Check"
	case OpRefresh:
		return "/dtx.DTXService/Refresh"
	case OpCollCommit:
		return "/dtx.DTXService/CollCommit"
	case OpCollAbort:
		return "/dtx.DTXService/CollAbort"
	case OpCollCheck:
		return "/dtx.DTXService/CollCheck"
	default:
		return "/dtx.DTXService/Unknown"
	}
}

// RankDialer resolves a target's rank to a dialable address, since
// this module never owns cluster membership (spec.md §1: placement is
// an external collaborator).
type RankDialer interface {
	Address(target uint32) (string, error)
}

// GRPC is the production Sender, backed by google.golang.org/grpc.
// Connections are dialed lazily per target and cached for reuse.
type GRPC struct {
	mu      sync.Mutex
	dialer  RankDialer
	conns   map[uint32]*grpc.ClientConn
	timeout time.Duration
}

// NewGRPC returns a GRPC sender that resolves targets through dialer.
func NewGRPC(dialer RankDialer) *GRPC {
	return &GRPC{
		dialer:  dialer,
		conns:   make(map[uint32]*grpc.ClientConn),
		timeout: 30 * time.Second,
	}
}

func (g *GRPC) connFor(target uint32) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[target]; ok {
		return c, nil
	}
	addr, err := g.dialer.Address(target)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodecName)),
	)
	if err != nil {
		return nil, err
	}
	g.conns[target] = conn
	return conn, nil
}

func (g *GRPC) Send(ctx context.Context, target uint32, req Request) (Reply, error) {
	conn, err := g.connFor(target)
	if err != nil {
		return Reply{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.Timeout())
	defer cancel()

	var reply Reply
	if err := conn.Invoke(ctx, methodFor(req.Opcode), &req, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// SendCollective fans out req to every rank directly, modeling the
// single-hop corpc primitive a real crt context offers (spec.md §6:
// "corpc creation with tree topology"). dispatch.Engine.CollBroadcast
// does not build its KNOMIAL(e.cfg.CollTreeWidth) tree on top of this
// method — it walks the tree itself via Send so each hop is a
// distinct, individually-merged reply — so production deployments
// exercise this primitive only where a caller needs a flat multi-rank
// fan-out without per-hop merging.
func (g *GRPC) SendCollective(ctx context.Context, ranks []uint32, req Request) (Reply, error) {
	var out Reply
	out.PerXIDState = make(map[dtxid.ID]int)
	for _, rank := range ranks {
		reply, err := g.Send(ctx, rank, req)
		if err != nil {
			return out, err
		}
		out.Status += reply.Status
		for id, st := range reply.PerXIDState {
			out.PerXIDState[id] = st
		}
	}
	return out, nil
}

func (g *GRPC) SetTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timeout = d
}

func (g *GRPC) Timeout() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeout
}

var _ Sender = (*GRPC)(nil)
