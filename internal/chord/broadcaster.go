package chord

import "time"

// Ring update event types
const (
	EventRingCreated        = "ring_created"
	EventNodeJoin           = "node_join"
	EventNodeLeave          = "node_leave"
	EventSuccessorChanged   = "successor_changed"
	EventPredecessorChanged = "predecessor_changed"
	EventPredecessorFailed  = "predecessor_failed"
	EventSuccessorFailed    = "successor_failed"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the ChordNode to notify external systems (like WebSocket clients)
// when the ring topology changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	PeerID    string `json:"peer_id,omitempty"`
	PeerAddr  string `json:"peer_addr,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// broadcast emits an event when a broadcaster is attached. peer may be nil.
func (n *ChordNode) broadcast(eventType string, peer *NodeRef, message string) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()
	if b == nil {
		return
	}

	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.self.ID.String(),
		Timestamp: time.Now().Unix(),
		Message:   message,
	}
	if peer != nil {
		event.PeerID = peer.ID.String()
		event.PeerAddr = peer.Address()
	}

	if err := b.BroadcastRingUpdate(event); err != nil {
		n.logger.Debug().Err(err).Str("event", eventType).Msg("Failed to broadcast ring update")
	}
}
