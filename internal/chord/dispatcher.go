package chord

import (
	"context"
	"fmt"

	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/internal/wire"
)

var _ transport.Handler = (*ChordNode)(nil)

// HandleFrame serves one inbound frame. It returns the encoded reply, or nil
// for kinds that have none.
func (n *ChordNode) HandleFrame(ctx context.Context, frame []byte) ([]byte, error) {
	if n.shutdown.Load() {
		return nil, ErrShutdown
	}

	msg, err := wire.Decode(frame)
	if err != nil {
		n.logger.Debug().Err(err).Int("bytes", len(frame)).Msg("Rejected inbound frame")
		return nil, err
	}

	reply, err := n.dispatch(ctx, msg)
	if err != nil {
		n.logger.Debug().Err(err).Str("kind", msg.Kind.String()).Msg("Failed to handle message")
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return wire.Encode(*reply), nil
}

// dispatch handles a decoded request. Reply kinds arriving as requests and
// unknown kinds are decode errors and leave node state untouched.
func (n *ChordNode) dispatch(ctx context.Context, msg wire.Message) (*wire.Message, error) {
	switch msg.Kind {
	case wire.KindPing:
		reply := wire.PingReply()
		return &reply, nil

	case wire.KindSuccessor:
		id, err := msg.ID()
		if err != nil {
			return nil, err
		}
		succ, err := n.FindSuccessor(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("find successor of %s: %w", id.Short(), err)
		}
		reply := wire.SuccessorReply(succ.Addr)
		return &reply, nil

	case wire.KindPredecessor:
		var addr *wire.Address
		if pred, ok := n.Predecessor(); ok {
			addr = &pred.Addr
		}
		reply := wire.PredecessorReply(addr)
		return &reply, nil

	case wire.KindNotify:
		addr, err := msg.Address()
		if err != nil {
			return nil, err
		}
		if addr.IsZero() {
			return nil, &wire.DecodeError{Kind: msg.Kind, Reason: "zero address", Err: wire.ErrMalformedPayload}
		}
		n.notify(ctx, n.refFor(addr))
		return nil, nil

	case wire.KindGet:
		key, err := msg.ID()
		if err != nil {
			return nil, err
		}
		value, found, err := n.getLocal(ctx, key)
		if err != nil {
			return nil, err
		}
		reply := wire.GetReplyInvalid()
		if found {
			reply = wire.GetReply(value)
		}
		return &reply, nil

	case wire.KindPut, wire.KindAppend:
		key, value, err := msg.KeyValue()
		if err != nil {
			return nil, err
		}
		return nil, n.storeLocal(ctx, key, value, msg.Kind == wire.KindAppend)

	case wire.KindReplicate:
		key, value, err := msg.KeyValue()
		if err != nil {
			return nil, err
		}
		return nil, n.storage.Set(ctx, key, value)

	case wire.KindSuccessorList:
		list := n.SuccessorList()
		addrs := make([]wire.Address, len(list))
		for i, s := range list {
			addrs[i] = s.Addr
		}
		reply := wire.SuccessorListReply(addrs)
		return &reply, nil

	case wire.KindRemove:
		key, err := msg.ID()
		if err != nil {
			return nil, err
		}
		return nil, n.Remove(ctx, key)

	case wire.KindPingReply, wire.KindSuccessorReply, wire.KindPredecessorReply,
		wire.KindGetReply, wire.KindGetReplyInvalid, wire.KindSuccessorListReply:
		return nil, &wire.DecodeError{Kind: msg.Kind, Reason: "reply sent as request", Err: wire.ErrUnexpectedKind}

	default:
		return nil, &wire.DecodeError{Kind: msg.Kind, Err: wire.ErrUnknownKind}
	}
}
