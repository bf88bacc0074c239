package chord

import (
	"context"

	"github.com/zde37/chordring/pkg/hash"
)

// FindSuccessor returns the node responsible for id.
//
// When id falls between this node and its successor the successor is the
// answer. Otherwise the finger table is scanned from the farthest entry down
// for nodes strictly between this node and id; the first one that answers
// resolves the query. Failed fingers are skipped and never retried within the
// same lookup. If nothing closer answers, the successor is returned.
func (n *ChordNode) FindSuccessor(ctx context.Context, id hash.ID) (NodeRef, error) {
	succ := n.Successor()
	if hash.InRange(id, n.self.ID, false, succ.ID, true) {
		return succ, nil
	}

	fingers := n.FingerTable()
	failed := make(map[hash.ID]bool)

	for i := hash.M - 1; i >= 0; i-- {
		candidate := fingers[i].Node
		if candidate.Equals(n.self) || failed[candidate.ID] {
			continue
		}
		if !hash.Between(candidate.ID, n.self.ID, id) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return NodeRef{}, err
		}

		result, err := n.askSuccessor(ctx, candidate, id)
		if err != nil {
			failed[candidate.ID] = true
			n.logger.Debug().
				Err(err).
				Int("finger", i).
				Str("candidate", candidate.String()).
				Msg("Finger unreachable during lookup")
			continue
		}
		return result, nil
	}

	return succ, nil
}

// nextFinger returns the cursor and advances it.
func (n *ChordNode) nextFinger() int {
	n.nextFingerMu.Lock()
	defer n.nextFingerMu.Unlock()

	i := n.nextFingerToFix
	n.nextFingerToFix = (n.nextFingerToFix + 1) % hash.M
	return i
}

// fixFingers refreshes one finger entry per call, cycling through all M.
// Entry 0 mirrors the successor, which only stabilize writes.
func (n *ChordNode) fixFingers(ctx context.Context) {
	i := n.nextFinger()
	if i == 0 {
		return
	}

	target := hash.AddPowerOfTwo(n.self.ID, i)
	node, err := n.FindSuccessor(ctx, target)
	if err != nil {
		n.logger.Debug().Err(err).Int("finger", i).Msg("Fix finger lookup failed")
		return
	}

	n.fingerMu.Lock()
	changed := !n.fingerTable[i].Node.Equals(node)
	if changed {
		n.fingerTable[i].Node = node
	}
	n.fingerMu.Unlock()

	if changed {
		n.logger.Debug().
			Int("finger", i).
			Str("node", node.String()).
			Msg("Finger updated")
	}
}
