package chord

import (
	"fmt"

	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg/hash"
)

// Identifier maps a node's wire address to its ring position.
type Identifier func(addr wire.Address) hash.ID

// DefaultIdentifier hashes the 6-byte wire form of the address.
func DefaultIdentifier(addr wire.Address) hash.ID {
	return addr.ID()
}

// NodeRef represents a node in the ring with its identifier and network address.
// It is a value type; copies never share state.
type NodeRef struct {
	ID   hash.ID
	Addr wire.Address
}

// NewNodeRef builds a NodeRef whose identifier is derived from addr.
func NewNodeRef(addr wire.Address, ident Identifier) NodeRef {
	if ident == nil {
		ident = DefaultIdentifier
	}
	return NodeRef{ID: ident(addr), Addr: addr}
}

// Equals compares identity. Two refs with the same id are the same node.
func (n NodeRef) Equals(other NodeRef) bool {
	return n.ID == other.ID
}

// Host returns the node's IPv4 address.
func (n NodeRef) Host() string {
	return n.Addr.Host()
}

// Port returns the node's port.
func (n NodeRef) Port() int {
	return int(n.Addr.Port)
}

// Address returns the network address in "host:port" format.
func (n NodeRef) Address() string {
	return n.Addr.String()
}

// String returns a short human-readable form, e.g. "NodeRef{a1b2c3d4@10.0.0.1:7000}".
func (n NodeRef) String() string {
	return fmt.Sprintf("NodeRef{%s@%s}", n.ID.Short(), n.Addr)
}

// FingerEntry represents an entry in the finger table.
// Entry i tracks the successor of (n + 2^i) mod 2^M.
type FingerEntry struct {
	Start hash.ID // (n + 2^i) mod 2^M
	Node  NodeRef // first node that succeeds or equals Start
}

func (f FingerEntry) String() string {
	return fmt.Sprintf("FingerEntry{Start: %s, Node: %s}", f.Start.Short(), f.Node)
}

// padSuccessors returns exactly k entries: list truncated to k, or extended
// by repeating earlier entries from index 0. An empty list pads with fill.
func padSuccessors(list []NodeRef, k int, fill NodeRef) []NodeRef {
	out := make([]NodeRef, 0, k)
	for i := 0; i < len(list) && len(out) < k; i++ {
		out = append(out, list[i])
	}
	if len(out) == 0 {
		out = append(out, fill)
	}
	for i := 0; len(out) < k; i++ {
		out = append(out, out[i])
	}
	return out
}
