package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// unary builds a grpc.MethodHandler that decodes Req and hands it to call,
// running any server interceptor in between.
func unary[S any, Req any](fullMethod string, call func(srv S, ctx context.Context, req *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Empty is the message of calls that carry no payload.
type Empty struct{}
