package chord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// Get looks up the owner of key and fetches the value from it. A missing key
// is reported through found, not as an error.
func (n *ChordNode) Get(ctx context.Context, key hash.ID) ([]byte, bool, error) {
	if !n.joined.Load() {
		return nil, false, ErrNotJoined
	}

	owner, err := n.FindSuccessor(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find owner of %s: %w", key.Short(), err)
	}

	reply, err := n.call(ctx, owner, wire.Get(key))
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s from %s: %w", ErrOwnerUnreachable, key.Short(), owner, err)
	}

	switch reply.Kind {
	case wire.KindGetReply:
		return reply.Payload, true, nil
	case wire.KindGetReplyInvalid:
		return nil, false, nil
	default:
		return nil, false, expectKind(reply, wire.KindGetReply)
	}
}

// Put stores value under key on its owner, replacing the current value or,
// when appendValue is set, appending to it. The owner replicates the result
// to its successor list.
func (n *ChordNode) Put(ctx context.Context, key hash.ID, value []byte, appendValue bool) error {
	if !n.joined.Load() {
		return ErrNotJoined
	}

	owner, err := n.FindSuccessor(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to find owner of %s: %w", key.Short(), err)
	}

	msg := wire.Put(key, value)
	if appendValue {
		msg = wire.Append(key, value)
	}
	if _, err := n.call(ctx, owner, msg); err != nil {
		return fmt.Errorf("%w: %s %s on %s: %w", ErrOwnerUnreachable, msg.Kind, key.Short(), owner, err)
	}

	n.logger.Debug().
		Str("key", key.Short()).
		Str("owner", owner.String()).
		Bool("append", appendValue).
		Msg("Value stored")
	return nil
}

// Remove deletes the local copy of key only. Replicas elsewhere are untouched.
func (n *ChordNode) Remove(ctx context.Context, key hash.ID) error {
	return n.storage.Delete(ctx, key)
}

// LocalData calls fn for every entry held on this node, with the store lock
// held. fn must not call back into the node's store.
func (n *ChordNode) LocalData(ctx context.Context, fn func(key hash.ID, value []byte) bool) error {
	return n.storage.Range(ctx, fn)
}

// LocalEntries returns a copy of everything held on this node.
func (n *ChordNode) LocalEntries(ctx context.Context) (map[hash.ID][]byte, error) {
	return n.storage.Entries(ctx)
}

// ownsDirectly reports whether key lies in (predecessor, self]. Without a
// predecessor the node owns the whole ring.
func (n *ChordNode) ownsDirectly(key hash.ID) bool {
	pred, ok := n.Predecessor()
	if !ok {
		return true
	}
	return hash.InRange(key, pred.ID, false, n.self.ID, true)
}

// storeLocal applies a PUT or APPEND and, when this node owns the key,
// forwards the resulting value to every distinct successor.
func (n *ChordNode) storeLocal(ctx context.Context, key hash.ID, value []byte, appendValue bool) error {
	stored := value
	if appendValue {
		var err error
		stored, err = n.storage.Append(ctx, key, value)
		if err != nil {
			return err
		}
	} else if err := n.storage.Set(ctx, key, value); err != nil {
		return err
	}

	if n.ownsDirectly(key) {
		n.replicate(ctx, key, stored)
	}
	return nil
}

// replicate sends REPLICATE to each distinct non-self successor in
// parallel. Each send runs on the node's own context with its own RPC
// timeout, so a hung replica neither blocks the others nor inherits the
// request deadline. The caller waits at most half an RPC timeout; slower
// sends finish in the background. Failures are logged and stabilization
// pushes a full copy to any new successor.
func (n *ChordNode) replicate(ctx context.Context, key hash.ID, value []byte) {
	seen := make(map[hash.ID]bool)
	var targets []NodeRef
	for _, succ := range n.SuccessorList() {
		if succ.Equals(n.self) || seen[succ.ID] {
			continue
		}
		seen[succ.ID] = true
		targets = append(targets, succ)
	}
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, succ := range targets {
		wg.Add(1)
		go func(succ NodeRef) {
			defer wg.Done()
			if _, err := n.call(n.ctx, succ, wire.Replicate(key, value)); err != nil {
				n.logger.Debug().
					Err(err).
					Str("key", key.Short()).
					Str("replica", succ.String()).
					Msg("Replication failed")
			}
		}(succ)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(n.config.RPCTimeout / 2)
	defer timer.Stop()

	select {
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
		n.logger.Debug().
			Str("key", key.Short()).
			Msg("Replication still in flight")
	}
}

// getLocal reads key from the local store. A missing key is not an error.
func (n *ChordNode) getLocal(ctx context.Context, key hash.ID) ([]byte, bool, error) {
	value, err := n.storage.Get(ctx, key)
	if errors.Is(err, pkg.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}
