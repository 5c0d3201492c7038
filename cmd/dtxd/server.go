package main

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mantisdb/dtxengine/engine"
	"github.com/mantisdb/dtxengine/transport"
)

// dtxMethod returns the grpc.MethodDesc for one DTX opcode. Every
// method shares one handler: the wire Request already carries its own
// Opcode, so there is nothing method-specific left to decode — the
// split into named RPC methods exists only so transport.GRPC's client
// Invoke calls (which address a method path, not a struct field) have
// somewhere to dial.
func dtxMethod(name string, c *engine.Container) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			var req transport.Request
			if err := dec(&req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return c.HandleRequest(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: c, FullMethod: "/dtx.DTXService/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return c.HandleRequest(ctx, req.(transport.Request))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// serviceDesc builds the DTXService descriptor dtxd registers against
// grpc.Server, one method per dispatch opcode (transport/grpc.go's
// methodFor keeps the client side in lockstep with these names).
func serviceDesc(c *engine.Container) grpc.ServiceDesc {
	names := []string{"Commit", "Abort", "Check", "Refresh", "CollCommit", "CollAbort", "CollCheck"}
	methods := make([]grpc.MethodDesc, len(names))
	for i, name := range names {
		methods[i] = dtxMethod(name, c)
	}
	return grpc.ServiceDesc{
		ServiceName: "dtx.DTXService",
		HandlerType: (*any)(nil),
		Methods:     methods,
	}
}
