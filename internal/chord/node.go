package chord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

var (
	// ErrNotJoined is returned by operations that need ring membership
	// before Create or Join succeeded.
	ErrNotJoined = errors.New("node has not created or joined a ring")

	// ErrOwnerUnreachable is returned when the node responsible for a key
	// could not be reached.
	ErrOwnerUnreachable = errors.New("key owner unreachable")

	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("node is shut down")
)

// ChordNode represents a node in the Chord ring.
type ChordNode struct {
	self  NodeRef
	ident Identifier

	config    *config.Config
	storage   *ChordStorage
	logger    *pkg.Logger
	transport transport.Transport

	broadcaster   RingUpdateBroadcaster
	broadcasterMu sync.RWMutex

	// finger[i] points to successor of (n + 2^i) mod 2^M.
	// Lock order: successorMu before fingerMu.
	fingerTable [hash.M]FingerEntry
	fingerMu    sync.RWMutex

	// exactly SuccessorListSize entries, nearest first
	successorList []NodeRef
	successorMu   sync.RWMutex

	predecessor   *NodeRef
	predecessorMu sync.RWMutex

	nextFingerToFix int
	nextFingerMu    sync.Mutex

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	joined   atomic.Bool
	started  atomic.Bool
	shutdown atomic.Bool
}

// Option customizes a ChordNode.
type Option func(*ChordNode)

// WithIdentifier replaces the function that derives node ids from addresses.
// Every node on a ring must use the same function.
func WithIdentifier(fn Identifier) Option {
	return func(n *ChordNode) {
		if fn != nil {
			n.ident = fn
		}
	}
}

// WithStorage supplies the data store instead of a fresh in-memory one.
func WithStorage(s *ChordStorage) Option {
	return func(n *ChordNode) {
		if s != nil {
			n.storage = s
		}
	}
}

// WithBroadcaster attaches a ring event sink.
func WithBroadcaster(b RingUpdateBroadcaster) Option {
	return func(n *ChordNode) {
		n.broadcaster = b
	}
}

// NewChordNode creates a node that is alone on its own ring. Call Create or
// Join before Start.
func NewChordNode(cfg *config.Config, logger *pkg.Logger, tr transport.Transport, opts ...Option) (*ChordNode, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	addr, err := wire.NewAddress(cfg.Host, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid node address: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &ChordNode{
		ident:     DefaultIdentifier,
		config:    cfg,
		transport: tr,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.storage == nil {
		n.storage = NewDefaultChordStorage()
	}

	n.self = NewNodeRef(addr, n.ident)
	n.logger = logger.WithFields(pkg.Fields{"node_id": n.self.ID.Short()})
	n.resetToSelf()

	if cfg.SnapshotPath != "" {
		loaded, err := n.storage.LoadSnapshot(ctx, cfg.SnapshotPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		if loaded > 0 {
			n.logger.Info().
				Int("entries", loaded).
				Str("path", cfg.SnapshotPath).
				Msg("Restored data from snapshot")
		}
	}

	n.logger.Info().
		Str("address", n.self.Address()).
		Str("id", n.self.ID.String()).
		Msg("ChordNode created")

	return n, nil
}

// resetToSelf makes the node a ring of one.
func (n *ChordNode) resetToSelf() {
	n.successorMu.Lock()
	n.fingerMu.Lock()
	for i := 0; i < hash.M; i++ {
		n.fingerTable[i] = FingerEntry{Start: hash.AddPowerOfTwo(n.self.ID, i), Node: n.self}
	}
	n.successorList = padSuccessors(nil, n.config.SuccessorListSize, n.self)
	n.fingerMu.Unlock()
	n.successorMu.Unlock()

	n.predecessorMu.Lock()
	n.predecessor = nil
	n.predecessorMu.Unlock()
}

// ID returns the node's identifier.
func (n *ChordNode) ID() hash.ID {
	return n.self.ID
}

// Self returns the node's own reference.
func (n *ChordNode) Self() NodeRef {
	return n.self
}

// Config returns the node's configuration.
func (n *ChordNode) Config() *config.Config {
	return n.config
}

// Storage returns the node's local data store.
func (n *ChordNode) Storage() *ChordStorage {
	return n.storage
}

// SetBroadcaster attaches or replaces the ring event sink.
func (n *ChordNode) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

// Successor returns the immediate successor (finger[0]).
func (n *ChordNode) Successor() NodeRef {
	n.successorMu.RLock()
	defer n.successorMu.RUnlock()
	return n.successorList[0]
}

// SuccessorList returns a copy of the successor list.
func (n *ChordNode) SuccessorList() []NodeRef {
	n.successorMu.RLock()
	defer n.successorMu.RUnlock()
	return append([]NodeRef(nil), n.successorList...)
}

// Predecessor returns the predecessor and whether one is known.
func (n *ChordNode) Predecessor() (NodeRef, bool) {
	n.predecessorMu.RLock()
	defer n.predecessorMu.RUnlock()
	if n.predecessor == nil {
		return NodeRef{}, false
	}
	return *n.predecessor, true
}

// FingerTable returns a copy of all finger entries.
func (n *ChordNode) FingerTable() []FingerEntry {
	n.fingerMu.RLock()
	defer n.fingerMu.RUnlock()
	out := make([]FingerEntry, hash.M)
	copy(out, n.fingerTable[:])
	return out
}

func (n *ChordNode) finger(i int) FingerEntry {
	n.fingerMu.RLock()
	defer n.fingerMu.RUnlock()
	return n.fingerTable[i]
}

// setSuccessorList installs list (padded to k) and mirrors its head into
// finger[0]. It returns the previous successor.
func (n *ChordNode) setSuccessorList(list []NodeRef) NodeRef {
	padded := padSuccessors(list, n.config.SuccessorListSize, n.self)

	n.successorMu.Lock()
	defer n.successorMu.Unlock()
	n.fingerMu.Lock()
	defer n.fingerMu.Unlock()

	prev := n.successorList[0]
	n.successorList = padded
	n.fingerTable[0].Node = padded[0]
	return prev
}

// popSuccessor drops the head of the successor list, filling the tail with
// self, and returns the new head.
func (n *ChordNode) popSuccessor() NodeRef {
	n.successorMu.Lock()
	defer n.successorMu.Unlock()
	n.fingerMu.Lock()
	defer n.fingerMu.Unlock()

	list := append(n.successorList[1:len(n.successorList):len(n.successorList)], n.self)
	n.successorList = list
	n.fingerTable[0].Node = list[0]
	return list[0]
}

// refFor turns a wire address into a NodeRef using this ring's identifier.
func (n *ChordNode) refFor(addr wire.Address) NodeRef {
	return NewNodeRef(addr, n.ident)
}

// Create starts a new ring with this node as the only member.
func (n *ChordNode) Create() error {
	if n.shutdown.Load() {
		return ErrShutdown
	}

	n.logger.Info().Msg("Creating new Chord ring")
	n.resetToSelf()
	n.joined.Store(true)
	n.broadcast(EventRingCreated, nil, "ring created")
	return nil
}

// Join enters the ring that seed belongs to. It asks the seed for this
// node's successor once; an unreachable seed fails the join immediately.
func (n *ChordNode) Join(ctx context.Context, seed wire.Address) error {
	if n.shutdown.Load() {
		return ErrShutdown
	}
	if seed == n.self.Addr {
		return fmt.Errorf("cannot join through own address %s", seed)
	}

	n.logger.Info().
		Str("bootstrap", seed.String()).
		Msg("Joining Chord ring")

	succ, err := n.askSuccessor(ctx, n.refFor(seed), n.self.ID)
	if err != nil {
		return fmt.Errorf("failed to find successor via bootstrap node: %w", err)
	}

	n.predecessorMu.Lock()
	n.predecessor = nil
	n.predecessorMu.Unlock()

	n.adoptSuccessor(ctx, succ, nil)

	// Every finger starts at the successor until fixFingers refines it.
	n.fingerMu.Lock()
	for i := range n.fingerTable {
		n.fingerTable[i].Node = succ
	}
	n.fingerMu.Unlock()

	n.joined.Store(true)

	n.logger.Info().
		Str("successor", succ.String()).
		Msg("Joined Chord ring")
	n.broadcast(EventNodeJoin, &succ, "joined ring")
	return nil
}

// Start launches the maintenance loops.
func (n *ChordNode) Start() error {
	if n.shutdown.Load() {
		return ErrShutdown
	}
	if !n.joined.Load() {
		return ErrNotJoined
	}
	if !n.started.CompareAndSwap(false, true) {
		return nil
	}

	n.runEvery(n.config.StabilizeInterval, "stabilize", n.stabilize)
	n.runEvery(n.config.CheckPredecessorInterval, "check_predecessor", n.checkPredecessor)
	n.runEvery(n.config.FixFingersInterval, "fix_fingers", n.fixFingers)
	n.runEvery(n.config.GCInterval, "gc", n.collectGarbage)

	n.logger.Debug().Msg("Background tasks started")
	return nil
}

// runEvery calls task on every tick until shutdown. Ticks never overlap
// within one loop; different loops may run concurrently.
func (n *ChordNode) runEvery(interval time.Duration, name string, task func(context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-n.ctx.Done():
				n.logger.Debug().Str("loop", name).Msg("Loop stopped")
				return
			case <-ticker.C:
				task(n.ctx)
			}
		}
	}()
}

func (n *ChordNode) collectGarbage(ctx context.Context) {
	if removed := n.storage.CollectGarbage(); removed > 0 {
		n.logger.Debug().Int("removed", removed).Msg("Collected empty entries")
	}
}

// Shutdown stops the loops, saves a snapshot when configured, and closes
// the store. It is safe to call more than once.
func (n *ChordNode) Shutdown() error {
	if !n.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	n.logger.Info().Msg("Shutting down ChordNode")
	n.cancel()
	n.wg.Wait()

	n.broadcast(EventNodeLeave, nil, "node shutting down")

	var errs []error
	if n.config.SnapshotPath != "" {
		count, err := n.storage.SaveSnapshot(context.Background(), n.config.SnapshotPath, n.self.ID)
		if err != nil {
			errs = append(errs, err)
		} else {
			n.logger.Info().
				Int("entries", count).
				Str("path", n.config.SnapshotPath).
				Msg("Saved snapshot")
		}
	}
	if err := n.storage.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// IsShutdown reports whether Shutdown has been called.
func (n *ChordNode) IsShutdown() bool {
	return n.shutdown.Load()
}
