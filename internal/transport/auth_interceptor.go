package transport

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthTokenHeader is the metadata key for the shared ring token.
const AuthTokenHeader = "x-ring-token"

// AuthInterceptor rejects calls that do not carry expectedToken.
// An empty expectedToken disables the check so any node may join.
func AuthInterceptor(expectedToken string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if expectedToken == "" {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		tokens := md.Get(AuthTokenHeader)
		if len(tokens) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing ring token")
		}
		if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(expectedToken)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid ring token")
		}

		return handler(ctx, req)
	}
}

// TokenInterceptor attaches token to every outgoing call. An empty token
// sends nothing.
func TokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
