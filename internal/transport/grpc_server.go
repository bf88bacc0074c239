package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg"
)

// GRPCServer exposes a Handler as the ring's Exchange service. gRPC runs
// every unary call on its own goroutine, so each inbound message is handled
// independently.
type GRPCServer struct {
	handler   Handler
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string

	address  string
	listener net.Listener
}

// NewGRPCServer creates a new gRPC server for the given Handler.
func NewGRPCServer(handler Handler, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCServer{
		handler:   handler,
		address:   address,
		authToken: authToken,
		logger:    logger.Component("grpc_server"),
	}, nil
}

// Start listens and serves in the background.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
	)
	s.server.RegisterService(&ringServiceDesc, s)
	reflection.Register(s.server)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *GRPCServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

// Exchange implements the ring service.
func (s *GRPCServer) Exchange(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	frame, err := Open(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.DataLoss, err.Error())
	}

	reply, err := s.handler.HandleFrame(ctx, frame)
	if err != nil {
		var de *wire.DecodeError
		if errors.As(err, &de) {
			s.logger.Warn().Err(err).Msg("Rejected malformed frame")
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	if reply == nil {
		return &wrapperspb.BytesValue{}, nil
	}
	return wrapperspb.Bytes(Seal(reply)), nil
}
