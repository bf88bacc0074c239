package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/zde37/chordring/internal/wire"
)

// Compile-time check to ensure MemoryNetwork implements Transport
var _ Transport = (*MemoryNetwork)(nil)

// MemoryNetwork connects handlers in the same process. Frames are delivered
// synchronously on the caller's goroutine, which keeps multi-node tests
// deterministic. Killed addresses behave like crashed peers.
type MemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[wire.Address]Handler
	dead     map[wire.Address]bool
	sent     map[wire.Kind]int
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers: make(map[wire.Address]Handler),
		dead:     make(map[wire.Address]bool),
		sent:     make(map[wire.Kind]int),
	}
}

// Register attaches h at addr, replacing any previous handler.
func (n *MemoryNetwork) Register(addr wire.Address, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
	delete(n.dead, addr)
}

// Kill makes addr unreachable until Revive.
func (n *MemoryNetwork) Kill(addr wire.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dead[addr] = true
}

// Revive makes a killed addr reachable again.
func (n *MemoryNetwork) Revive(addr wire.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.dead, addr)
}

// Sent returns how many messages of kind were delivered.
func (n *MemoryNetwork) Sent(kind wire.Kind) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sent[kind]
}

func (n *MemoryNetwork) lookup(addr wire.Address) (Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[addr]
	if !ok || n.dead[addr] {
		return nil, false
	}
	return h, true
}

// Dial fails immediately for unknown or killed addresses.
func (n *MemoryNetwork) Dial(ctx context.Context, addr wire.Address) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := n.lookup(addr); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	return &memoryConn{network: n, addr: addr}, nil
}

// Close is a no-op; the network outlives the nodes using it.
func (n *MemoryNetwork) Close() error { return nil }

type memoryConn struct {
	network *MemoryNetwork
	addr    wire.Address

	mu      sync.Mutex
	replies replyQueue
	closed  bool
}

func (c *memoryConn) Send(ctx context.Context, msg wire.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, c.addr, err)
	}

	// the peer may have died since Dial
	h, ok := c.network.lookup(c.addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, c.addr)
	}

	c.network.mu.Lock()
	c.network.sent[msg.Kind]++
	c.network.mu.Unlock()

	reply, err := h.HandleFrame(ctx, wire.Encode(msg))
	if err != nil {
		return fmt.Errorf("exchange with %s failed: %w", c.addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies.push(reply)
}

func (c *memoryConn) AwaitReply(ctx context.Context) (wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies.pop(ctx)
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.replies.pending = nil
	return nil
}
