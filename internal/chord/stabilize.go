package chord

import (
	"context"

	"github.com/zde37/chordring/pkg/hash"
)

// stabilize verifies the immediate successor, refreshes the successor list
// and tells the successor about this node.
//
// A successor that does not answer is dropped from the head of the list and
// the next entry is tried. The list fills with self as it drains, so after at
// most k failures the node falls back to being its own successor.
func (n *ChordNode) stabilize(ctx context.Context) {
	start := n.Successor()
	succ := start

	var pred *NodeRef
	for attempt := 0; ; attempt++ {
		p, err := n.askPredecessor(ctx, succ)
		if err == nil {
			pred = p
			break
		}
		if ctx.Err() != nil {
			return
		}

		n.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Str("successor", succ.String()).
			Msg("Successor unreachable")
		n.broadcast(EventSuccessorFailed, &succ, "successor unreachable")

		if attempt >= n.config.SuccessorListSize {
			// self always answers, so this only trips on a broken invariant
			n.setSuccessorList(nil)
			succ = n.self
			pred = nil
			break
		}
		succ = n.popSuccessor()
	}

	adopted := false
	if pred != nil && hash.Between(pred.ID, n.self.ID, succ.ID) {
		// the closer node is only taken once it answers
		if n.refreshSuccessors(ctx, *pred) {
			n.logger.Debug().
				Str("old", succ.String()).
				Str("new", pred.String()).
				Msg("Closer successor found")
			succ = *pred
			adopted = true
		}
	}
	if !adopted {
		n.refreshSuccessors(ctx, succ)
	}

	if !succ.Equals(n.self) {
		if err := n.sendNotify(ctx, succ); err != nil {
			n.logger.Debug().Err(err).Str("successor", succ.String()).Msg("Notify failed")
		}
	}

	n.successorChanged(ctx, start)
}

// refreshSuccessors installs [succ] + succ's own list, truncated to k. The
// list is left alone when succ does not answer.
func (n *ChordNode) refreshSuccessors(ctx context.Context, succ NodeRef) bool {
	theirs, err := n.askSuccessorList(ctx, succ)
	if err != nil {
		n.logger.Debug().
			Err(err).
			Str("node", succ.String()).
			Msg("Failed to fetch successor list")
		return false
	}

	if k := n.config.SuccessorListSize; len(theirs) > k-1 {
		theirs = theirs[:k-1]
	}
	n.setSuccessorList(append([]NodeRef{succ}, theirs...))
	return true
}

// adoptSuccessor makes succ the immediate successor.
func (n *ChordNode) adoptSuccessor(ctx context.Context, succ NodeRef, tail []NodeRef) {
	prev := n.setSuccessorList(append([]NodeRef{succ}, tail...))
	n.successorChanged(ctx, prev)
}

// successorChanged pushes a full copy of the local data to a new, non-self
// successor so it holds replicas of everything this node has.
func (n *ChordNode) successorChanged(ctx context.Context, prev NodeRef) {
	succ := n.Successor()
	if succ.Equals(prev) {
		return
	}

	n.logger.Info().
		Str("old", prev.String()).
		Str("new", succ.String()).
		Msg("Successor changed")
	n.broadcast(EventSuccessorChanged, &succ, "successor changed")

	if succ.Equals(n.self) {
		return
	}

	entries, err := n.storage.Entries(ctx)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Failed to read store for snapshot push")
		return
	}
	sent, err := n.pushEntries(ctx, succ, entries)
	if err != nil {
		n.logger.Debug().
			Err(err).
			Int("sent", sent).
			Int("total", len(entries)).
			Str("successor", succ.String()).
			Msg("Snapshot push incomplete")
		return
	}
	if sent > 0 {
		n.logger.Debug().Int("entries", sent).Str("successor", succ.String()).Msg("Pushed snapshot to successor")
	}
}

// notify handles a node that believes it might be our predecessor.
func (n *ChordNode) notify(ctx context.Context, candidate NodeRef) {
	if candidate.Equals(n.self) {
		return
	}

	n.predecessorMu.Lock()
	old := n.predecessor
	accept := old == nil || hash.Between(candidate.ID, old.ID, n.self.ID)
	if accept {
		c := candidate
		n.predecessor = &c
	}
	n.predecessorMu.Unlock()

	if !accept {
		return
	}

	n.logger.Debug().
		Str("predecessor", candidate.String()).
		Msg("Predecessor updated")
	n.broadcast(EventPredecessorChanged, &candidate, "predecessor changed")

	// everything outside (candidate, self] now belongs closer to the candidate
	entries, err := n.storage.EntriesInRange(ctx, n.self.ID, false, candidate.ID, true)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Failed to select keys for hand-off")
		return
	}
	if sent, err := n.pushEntries(ctx, candidate, entries); err != nil {
		n.logger.Debug().
			Err(err).
			Int("sent", sent).
			Int("total", len(entries)).
			Msg("Hand-off to new predecessor incomplete")
	}
}

// checkPredecessor pings the predecessor and clears it when it is gone.
// Keys the dead node was responsible for are pushed to the last successor so
// the replica count is restored.
func (n *ChordNode) checkPredecessor(ctx context.Context) {
	pred, ok := n.Predecessor()
	if !ok {
		return
	}

	err := n.ping(ctx, pred)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	n.logger.Info().
		Err(err).
		Str("predecessor", pred.String()).
		Msg("Predecessor failed")

	list := n.SuccessorList()
	last := list[len(list)-1]
	if !last.Equals(n.self) {
		entries, err := n.storage.EntriesInRange(ctx, n.self.ID, false, pred.ID, true)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Failed to select keys for re-replication")
		} else if sent, err := n.pushEntries(ctx, last, entries); err != nil {
			n.logger.Debug().
				Err(err).
				Int("sent", sent).
				Int("total", len(entries)).
				Str("target", last.String()).
				Msg("Re-replication incomplete")
		}
	}

	n.predecessorMu.Lock()
	if n.predecessor != nil && n.predecessor.Equals(pred) {
		n.predecessor = nil
	}
	n.predecessorMu.Unlock()

	n.broadcast(EventPredecessorFailed, &pred, "predecessor failed")
}
