// Package transport carries wire messages between ring nodes. The ring only
// sees success or failure: retries, framing and integrity checks stay here.
package transport

import (
	"context"
	"errors"

	"github.com/zde37/chordring/internal/wire"
)

var (
	// ErrUnreachable means the peer could not be reached or did not answer
	// in time.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrNoReply is returned by AwaitReply when the peer sent nothing back.
	ErrNoReply = errors.New("no reply")

	// ErrClosed is returned when using a closed Conn or Transport.
	ErrClosed = errors.New("transport closed")
)

// Transport opens connections to peers.
type Transport interface {
	Dial(ctx context.Context, addr wire.Address) (Conn, error)
	Close() error
}

// Conn is one request/response session with a peer. Several messages may be
// sent over the same Conn; every Conn must be closed.
type Conn interface {
	Send(ctx context.Context, msg wire.Message) error
	AwaitReply(ctx context.Context) (wire.Message, error)
	Close() error
}

// Handler serves inbound frames. A nil reply means the request kind has no
// answer. Errors abort the exchange without affecting the caller's state.
type Handler interface {
	HandleFrame(ctx context.Context, frame []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, frame []byte) ([]byte, error)

func (f HandlerFunc) HandleFrame(ctx context.Context, frame []byte) ([]byte, error) {
	return f(ctx, frame)
}

// replyQueue holds replies received by Send until AwaitReply collects them.
type replyQueue struct {
	pending []wire.Message
}

func (q *replyQueue) push(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	msg, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	q.pending = append(q.pending, msg)
	return nil
}

func (q *replyQueue) pop(ctx context.Context) (wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return wire.Message{}, err
	}
	if len(q.pending) == 0 {
		return wire.Message{}, ErrNoReply
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, nil
}
