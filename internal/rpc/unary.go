// Package rpc builds gRPC service descriptors by hand for services whose
// messages are protobuf well-known types, so no generated stubs are needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary method descriptor dispatching to call on the registered implementation S
func Unary[S any, Req, Resp proto.Message](service, method string, newReq func() Req, call func(S, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(service, method),
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(Req))
			})
		},
	}
}

// first value of an incoming metadata key, InvalidArgument if absent
func IncomingHeader(ctx context.Context, key string) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "missing metadata")
	}
	vals := md.Get(key)
	if len(vals) == 0 || vals[0] == "" {
		return "", status.Errorf(codes.InvalidArgument, "missing %s header", key)
	}
	return vals[0], nil
}
