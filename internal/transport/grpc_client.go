package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg"
)

// Compile-time check to ensure GRPCTransport implements Transport
var _ Transport = (*GRPCTransport)(nil)

// GRPCTransport sends frames to peers over pooled gRPC connections.
type GRPCTransport struct {
	logger *pkg.Logger
	token  string

	// Connection pool
	connections map[wire.Address]*grpc.ClientConn
	connMu      sync.Mutex
	closed      bool

	// Default timeout for calls whose context has no deadline
	timeout time.Duration
}

// NewGRPCTransport creates a client-side transport. token is attached to
// every call when non-empty.
func NewGRPCTransport(logger *pkg.Logger, timeout time.Duration, token string) *GRPCTransport {
	if logger == nil {
		logger = pkg.Nop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &GRPCTransport{
		logger:      logger.Component("grpc_client"),
		token:       token,
		connections: make(map[wire.Address]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// getConnection returns a pooled connection to addr, creating one if needed.
func (t *GRPCTransport) getConnection(addr wire.Address) (*grpc.ClientConn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	if conn, ok := t.connections[addr]; ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(TokenInterceptor(t.token)),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   t.timeout,
			},
			MinConnectTimeout: t.timeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}

	t.connections[addr] = conn
	t.logger.Debug().Str("address", addr.String()).Msg("Created new gRPC connection")

	return conn, nil
}

// Dial returns a Conn to addr. Connection errors surface on the first Send.
func (t *GRPCTransport) Dial(ctx context.Context, addr wire.Address) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cc, err := t.getConnection(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, addr, err)
	}
	return &grpcConn{transport: t, cc: cc, addr: addr}, nil
}

// exchange performs one sealed round trip.
func (t *GRPCTransport) exchange(ctx context.Context, cc *grpc.ClientConn, addr wire.Address, frame []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	resp := new(wrapperspb.BytesValue)
	if err := cc.Invoke(ctx, exchangeMethod, wrapperspb.Bytes(Seal(frame)), resp); err != nil {
		return nil, classify(addr, err)
	}
	if len(resp.GetValue()) == 0 {
		return nil, nil
	}

	body, err := Open(resp.GetValue())
	if err != nil {
		return nil, fmt.Errorf("reply from %s: %w", addr, err)
	}
	return body, nil
}

// classify maps gRPC status codes onto transport errors.
func classify(addr wire.Address, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, addr, err)
	case codes.DataLoss:
		return fmt.Errorf("%s: %w", addr, ErrChecksumMismatch)
	default:
		return fmt.Errorf("exchange with %s failed: %w", addr, err)
	}
}

// Forget drops the pooled connection to addr.
func (t *GRPCTransport) Forget(addr wire.Address) {
	t.connMu.Lock()
	conn, ok := t.connections[addr]
	delete(t.connections, addr)
	t.connMu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

// Close closes all connections.
func (t *GRPCTransport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	t.logger.Info().
		Int("connections", len(t.connections)).
		Msg("Closing all gRPC connections")

	var errs []error
	for addr, conn := range t.connections {
		if err := conn.Close(); err != nil {
			t.logger.Error().
				Err(err).
				Str("address", addr.String()).
				Msg("Failed to close connection")
			errs = append(errs, err)
		}
	}

	t.connections = make(map[wire.Address]*grpc.ClientConn)
	return errors.Join(errs...)
}

// grpcConn is a Conn bound to one pooled ClientConn. Closing it does not
// close the pooled connection.
type grpcConn struct {
	transport *GRPCTransport
	cc        *grpc.ClientConn
	addr      wire.Address

	mu      sync.Mutex
	replies replyQueue
	closed  bool
}

func (c *grpcConn) Send(ctx context.Context, msg wire.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	reply, err := c.transport.exchange(ctx, c.cc, c.addr, wire.Encode(msg))
	if err != nil {
		c.transport.logger.Debug().
			Err(err).
			Str("address", c.addr.String()).
			Stringer("kind", msg.Kind).
			Msg("Exchange failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies.push(reply)
}

func (c *grpcConn) AwaitReply(ctx context.Context) (wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies.pop(ctx)
}

func (c *grpcConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.replies.pending = nil
	return nil
}
