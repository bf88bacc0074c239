package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The ring protocol needs a single unary method carrying opaque frames, so the
// service is described by hand instead of generated from a .proto file.
const (
	serviceName    = "chordring.transport.v1.Ring"
	exchangeMethod = "/" + serviceName + "/Exchange"
)

type exchangeServer interface {
	Exchange(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var ringServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler:    exchangeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chordring/transport/v1/ring.proto",
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(exchangeServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: exchangeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(exchangeServer).Exchange(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
