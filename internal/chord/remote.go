package chord

import (
	"context"
	"fmt"

	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg/hash"
)

// call delivers msg to target and returns its reply when the kind has one.
// Messages addressed to this node are served by the local dispatcher. Every
// remote call is bounded by RPCTimeout and always releases its connection.
func (n *ChordNode) call(ctx context.Context, target NodeRef, msg wire.Message) (wire.Message, error) {
	if target.Equals(n.self) {
		reply, err := n.dispatch(ctx, msg)
		if err != nil {
			return wire.Message{}, err
		}
		if reply == nil {
			return wire.Message{}, nil
		}
		return *reply, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	defer cancel()

	conn, err := n.transport.Dial(ctx, target.Addr)
	if err != nil {
		return wire.Message{}, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	if err := conn.Send(ctx, msg); err != nil {
		return wire.Message{}, fmt.Errorf("send %s to %s: %w", msg.Kind, target, err)
	}
	if !msg.Kind.ExpectsReply() {
		return wire.Message{}, nil
	}

	reply, err := conn.AwaitReply(ctx)
	if err != nil {
		return wire.Message{}, fmt.Errorf("await %s reply from %s: %w", msg.Kind, target, err)
	}
	return reply, nil
}

// sendAll pushes msgs to target over a single connection. It stops at the
// first failure and reports how many were delivered.
func (n *ChordNode) sendAll(ctx context.Context, target NodeRef, msgs []wire.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	if target.Equals(n.self) {
		for i, msg := range msgs {
			if _, err := n.dispatch(ctx, msg); err != nil {
				return i, err
			}
		}
		return len(msgs), nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	defer cancel()

	conn, err := n.transport.Dial(ctx, target.Addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	for i, msg := range msgs {
		if err := conn.Send(ctx, msg); err != nil {
			return i, fmt.Errorf("send %s to %s: %w", msg.Kind, target, err)
		}
	}
	return len(msgs), nil
}

func expectKind(reply wire.Message, want wire.Kind) error {
	if reply.Kind != want {
		return &wire.DecodeError{
			Kind:   reply.Kind,
			Reason: fmt.Sprintf("expected %s", want),
			Err:    wire.ErrUnexpectedKind,
		}
	}
	return nil
}

func (n *ChordNode) ping(ctx context.Context, target NodeRef) error {
	reply, err := n.call(ctx, target, wire.Ping())
	if err != nil {
		return err
	}
	return expectKind(reply, wire.KindPingReply)
}

// askSuccessor asks target for the successor of id.
func (n *ChordNode) askSuccessor(ctx context.Context, target NodeRef, id hash.ID) (NodeRef, error) {
	reply, err := n.call(ctx, target, wire.Successor(id))
	if err != nil {
		return NodeRef{}, err
	}
	if err := expectKind(reply, wire.KindSuccessorReply); err != nil {
		return NodeRef{}, err
	}
	addr, err := reply.Address()
	if err != nil {
		return NodeRef{}, err
	}
	return n.refFor(addr), nil
}

// askPredecessor returns target's predecessor, or nil when it has none.
func (n *ChordNode) askPredecessor(ctx context.Context, target NodeRef) (*NodeRef, error) {
	reply, err := n.call(ctx, target, wire.Predecessor())
	if err != nil {
		return nil, err
	}
	if err := expectKind(reply, wire.KindPredecessorReply); err != nil {
		return nil, err
	}
	addr, err := reply.Address()
	if err != nil {
		return nil, err
	}
	if addr.IsZero() {
		return nil, nil
	}
	ref := n.refFor(addr)
	return &ref, nil
}

func (n *ChordNode) askSuccessorList(ctx context.Context, target NodeRef) ([]NodeRef, error) {
	reply, err := n.call(ctx, target, wire.SuccessorList())
	if err != nil {
		return nil, err
	}
	if err := expectKind(reply, wire.KindSuccessorListReply); err != nil {
		return nil, err
	}
	addrs, err := reply.Addresses()
	if err != nil {
		return nil, err
	}
	refs := make([]NodeRef, len(addrs))
	for i, a := range addrs {
		refs[i] = n.refFor(a)
	}
	return refs, nil
}

func (n *ChordNode) sendNotify(ctx context.Context, target NodeRef) error {
	_, err := n.call(ctx, target, wire.Notify(n.self.Addr))
	return err
}

// pushEntries sends every entry to target as a PUT over one connection.
func (n *ChordNode) pushEntries(ctx context.Context, target NodeRef, entries map[hash.ID][]byte) (int, error) {
	msgs := make([]wire.Message, 0, len(entries))
	for key, value := range entries {
		msgs = append(msgs, wire.Put(key, value))
	}
	return n.sendAll(ctx, target, msgs)
}
