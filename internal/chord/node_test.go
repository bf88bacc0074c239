package chord

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// octetIdentifier places 10.0.0.N at ring position N so tests can reason
// about small ids.
func octetIdentifier(addr wire.Address) hash.ID {
	return hash.FromUint64(uint64(addr.IP[3]))
}

func testAddr(t testing.TB, octet int) wire.Address {
	t.Helper()
	addr, err := wire.NewAddress(fmt.Sprintf("10.0.0.%d", octet), 7000)
	require.NoError(t, err)
	return addr
}

func testConfig(octet int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = fmt.Sprintf("10.0.0.%d", octet)
	cfg.Port = 7000
	cfg.StabilizeInterval = 20 * time.Millisecond
	cfg.CheckPredecessorInterval = 20 * time.Millisecond
	cfg.FixFingersInterval = 5 * time.Millisecond
	cfg.RPCTimeout = 500 * time.Millisecond
	return cfg
}

// createTestNode builds a node registered on network.
func createTestNode(t *testing.T, network *transport.MemoryNetwork, cfg *config.Config) *ChordNode {
	t.Helper()

	node, err := NewChordNode(cfg, pkg.Nop(), network, WithIdentifier(octetIdentifier))
	require.NoError(t, err)
	require.NotNil(t, node)

	network.Register(node.Self().Addr, node)
	t.Cleanup(func() { _ = node.Shutdown() })
	return node
}

type recordingBroadcaster struct {
	events chan RingUpdateEvent
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{events: make(chan RingUpdateEvent, 256)}
}

func (r *recordingBroadcaster) BroadcastRingUpdate(update any) error {
	if event, ok := update.(RingUpdateEvent); ok {
		select {
		case r.events <- event:
		default:
		}
	}
	return nil
}

func (r *recordingBroadcaster) types() []string {
	var out []string
	for {
		select {
		case e := <-r.events:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestNewChordNode(t *testing.T) {
	network := transport.NewMemoryNetwork()

	t.Run("valid config", func(t *testing.T) {
		node := createTestNode(t, network, testConfig(1))

		assert.Equal(t, hash.FromUint64(1), node.ID())
		assert.Equal(t, "10.0.0.1:7000", node.Self().Address())
		assert.False(t, node.IsShutdown())

		// a fresh node is a ring of one
		assert.True(t, node.Successor().Equals(node.Self()))
		_, ok := node.Predecessor()
		assert.False(t, ok)
		for _, s := range node.SuccessorList() {
			assert.True(t, s.Equals(node.Self()))
		}
		fingers := node.FingerTable()
		require.Len(t, fingers, hash.M)
		for i, f := range fingers {
			assert.Equal(t, hash.AddPowerOfTwo(node.ID(), i), f.Start)
			assert.True(t, f.Node.Equals(node.Self()))
		}
	})

	t.Run("default identifier", func(t *testing.T) {
		node, err := NewChordNode(testConfig(2), pkg.Nop(), network)
		require.NoError(t, err)
		defer node.Shutdown()

		assert.Equal(t, testAddr(t, 2).ID(), node.ID())
	})

	t.Run("nil config", func(t *testing.T) {
		node, err := NewChordNode(nil, pkg.Nop(), network)
		assert.Error(t, err)
		assert.Nil(t, node)
		assert.Contains(t, err.Error(), "config cannot be nil")
	})

	t.Run("nil logger", func(t *testing.T) {
		node, err := NewChordNode(testConfig(1), nil, network)
		assert.Error(t, err)
		assert.Nil(t, node)
		assert.Contains(t, err.Error(), "logger cannot be nil")
	})

	t.Run("nil transport", func(t *testing.T) {
		node, err := NewChordNode(testConfig(1), pkg.Nop(), nil)
		assert.Error(t, err)
		assert.Nil(t, node)
		assert.Contains(t, err.Error(), "transport cannot be nil")
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(1)
		cfg.Port = -1

		node, err := NewChordNode(cfg, pkg.Nop(), network)
		assert.Error(t, err)
		assert.Nil(t, node)
		assert.Contains(t, err.Error(), "invalid config")
	})
}

func TestChordNode_Create(t *testing.T) {
	network := transport.NewMemoryNetwork()
	events := newRecordingBroadcaster()

	node, err := NewChordNode(testConfig(1), pkg.Nop(), network,
		WithIdentifier(octetIdentifier), WithBroadcaster(events))
	require.NoError(t, err)
	defer node.Shutdown()

	require.NoError(t, node.Create())

	assert.True(t, node.Successor().Equals(node.Self()))
	_, ok := node.Predecessor()
	assert.False(t, ok)
	assert.Contains(t, events.types(), EventRingCreated)
}

func TestChordNode_SingleNodeData(t *testing.T) {
	network := transport.NewMemoryNetwork()
	node := createTestNode(t, network, testConfig(1))
	ctx := context.Background()

	key := hash.HashString("alpha")

	t.Run("operations before create", func(t *testing.T) {
		_, _, err := node.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotJoined)
		assert.ErrorIs(t, node.Put(ctx, key, []byte("v"), false), ErrNotJoined)
		assert.ErrorIs(t, node.Start(), ErrNotJoined)
	})

	require.NoError(t, node.Create())

	t.Run("get missing", func(t *testing.T) {
		value, found, err := node.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, value)
	})

	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, node.Put(ctx, key, []byte("one"), false))

		value, found, err := node.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("one"), value)
	})

	t.Run("append", func(t *testing.T) {
		require.NoError(t, node.Put(ctx, key, []byte("-two"), true))

		value, found, err := node.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("one-two"), value)
	})

	t.Run("append creates", func(t *testing.T) {
		other := hash.HashString("beta")
		require.NoError(t, node.Put(ctx, other, []byte("x"), true))

		value, found, err := node.Get(ctx, other)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("x"), value)
	})

	t.Run("local data", func(t *testing.T) {
		entries, err := node.LocalEntries(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 2)

		count := 0
		require.NoError(t, node.LocalData(ctx, func(k hash.ID, v []byte) bool {
			count++
			return true
		}))
		assert.Equal(t, 2, count)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, node.Remove(ctx, key))

		_, found, err := node.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("no messages leave a ring of one", func(t *testing.T) {
		assert.Zero(t, network.Sent(wire.KindReplicate))
		assert.Zero(t, network.Sent(wire.KindGet))
	})
}

func TestChordNode_Join(t *testing.T) {
	t.Run("unreachable seed fails", func(t *testing.T) {
		network := transport.NewMemoryNetwork()
		node := createTestNode(t, network, testConfig(1))

		err := node.Join(context.Background(), testAddr(t, 99))
		require.Error(t, err)
		assert.ErrorIs(t, err, transport.ErrUnreachable)
		assert.ErrorIs(t, node.Start(), ErrNotJoined)
	})

	t.Run("own address rejected", func(t *testing.T) {
		network := transport.NewMemoryNetwork()
		node := createTestNode(t, network, testConfig(1))

		err := node.Join(context.Background(), node.Self().Addr)
		assert.Error(t, err)
	})

	t.Run("seeds successor and fingers", func(t *testing.T) {
		network := transport.NewMemoryNetwork()
		seed := createTestNode(t, network, testConfig(10))
		require.NoError(t, seed.Create())

		events := newRecordingBroadcaster()
		node := createTestNode(t, network, testConfig(50))
		node.SetBroadcaster(events)

		require.NoError(t, node.Join(context.Background(), seed.Self().Addr))

		assert.True(t, node.Successor().Equals(seed.Self()))
		for _, f := range node.FingerTable() {
			assert.True(t, f.Node.Equals(seed.Self()))
		}
		_, ok := node.Predecessor()
		assert.False(t, ok)

		types := events.types()
		assert.Contains(t, types, EventSuccessorChanged)
		assert.Contains(t, types, EventNodeJoin)
	})

	t.Run("after shutdown", func(t *testing.T) {
		network := transport.NewMemoryNetwork()
		node := createTestNode(t, network, testConfig(1))
		require.NoError(t, node.Shutdown())

		assert.ErrorIs(t, node.Create(), ErrShutdown)
		assert.ErrorIs(t, node.Join(context.Background(), testAddr(t, 2)), ErrShutdown)
		assert.ErrorIs(t, node.Start(), ErrShutdown)
	})
}

func TestChordNode_Notify(t *testing.T) {
	network := transport.NewMemoryNetwork()
	node := createTestNode(t, network, testConfig(100))
	require.NoError(t, node.Create())
	ctx := context.Background()

	ref := func(octet int) NodeRef {
		return NewNodeRef(testAddr(t, octet), octetIdentifier)
	}

	tests := []struct {
		name      string
		candidate NodeRef
		want      int
	}{
		{"first candidate accepted", ref(20), 20},
		{"closer candidate accepted", ref(60), 60},
		{"farther candidate rejected", ref(40), 60},
		{"self rejected", node.Self(), 60},
		{"wrapping candidate rejected", ref(200), 60},
		{"closest candidate accepted", ref(99), 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node.notify(ctx, tt.candidate)

			pred, ok := node.Predecessor()
			require.True(t, ok)
			assert.Equal(t, hash.FromUint64(uint64(tt.want)), pred.ID)
		})
	}
}

func TestChordNode_NotifyHandsOffKeys(t *testing.T) {
	network := transport.NewMemoryNetwork()
	owner := createTestNode(t, network, testConfig(100))
	require.NoError(t, owner.Create())
	newcomer := createTestNode(t, network, testConfig(50))
	ctx := context.Background()

	// 30 and 50 now belong to the newcomer; 80 and 100 stay
	for _, k := range []uint64{30, 50, 80, 100} {
		require.NoError(t, owner.Storage().Set(ctx, hash.FromUint64(k), []byte(fmt.Sprint(k))))
	}

	owner.notify(ctx, newcomer.Self())

	entries, err := newcomer.LocalEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Contains(t, entries, hash.FromUint64(30))
	assert.Contains(t, entries, hash.FromUint64(50))
}

func TestChordNode_CheckPredecessor(t *testing.T) {
	network := transport.NewMemoryNetwork()
	node := createTestNode(t, network, testConfig(100))
	require.NoError(t, node.Create())
	pred := createTestNode(t, network, testConfig(50))
	ctx := context.Background()

	node.notify(ctx, pred.Self())

	t.Run("live predecessor kept", func(t *testing.T) {
		node.checkPredecessor(ctx)
		p, ok := node.Predecessor()
		require.True(t, ok)
		assert.True(t, p.Equals(pred.Self()))
	})

	t.Run("dead predecessor cleared", func(t *testing.T) {
		events := newRecordingBroadcaster()
		node.SetBroadcaster(events)

		network.Kill(pred.Self().Addr)
		node.checkPredecessor(ctx)

		_, ok := node.Predecessor()
		assert.False(t, ok)
		assert.Contains(t, events.types(), EventPredecessorFailed)
	})

	t.Run("no predecessor is a no-op", func(t *testing.T) {
		before := network.Sent(wire.KindPing)
		node.checkPredecessor(ctx)
		assert.Equal(t, before, network.Sent(wire.KindPing))
	})
}

func TestChordNode_StabilizeDropsDeadSuccessors(t *testing.T) {
	network := transport.NewMemoryNetwork()
	ring := newTestRing(t, network, 3, 10, 50, 120)
	ring.converge()
	ctx := context.Background()

	n10 := ring.node(10)
	require.True(t, n10.Successor().Equals(ring.node(50).Self()))

	network.Kill(ring.node(50).Self().Addr)
	n10.stabilize(ctx)

	assert.True(t, n10.Successor().Equals(ring.node(120).Self()))
	assert.True(t, n10.finger(0).Node.Equals(ring.node(120).Self()))

	network.Kill(ring.node(120).Self().Addr)
	n10.stabilize(ctx)

	// every successor gone: the node falls back to itself
	assert.True(t, n10.Successor().Equals(n10.Self()))
}

func TestChordNode_Snapshot(t *testing.T) {
	network := transport.NewMemoryNetwork()
	path := filepath.Join(t.TempDir(), "node.snap")
	ctx := context.Background()

	cfg := testConfig(1)
	cfg.SnapshotPath = path

	first, err := NewChordNode(cfg, pkg.Nop(), network, WithIdentifier(octetIdentifier))
	require.NoError(t, err)
	require.NoError(t, first.Create())
	require.NoError(t, first.Put(ctx, hash.HashString("k1"), []byte("v1"), false))
	require.NoError(t, first.Put(ctx, hash.HashString("k2"), []byte("v2"), false))
	require.NoError(t, first.Shutdown())
	assert.FileExists(t, path)

	second, err := NewChordNode(cfg, pkg.Nop(), network, WithIdentifier(octetIdentifier))
	require.NoError(t, err)
	defer second.Shutdown()
	require.NoError(t, second.Create())

	value, found, err := second.Get(ctx, hash.HashString("k1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), value)
	assert.Equal(t, 2, second.Storage().Len())
}

func TestChordNode_BackgroundTasks(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seed := createTestNode(t, network, testConfig(10))
	require.NoError(t, seed.Create())
	require.NoError(t, seed.Start())

	others := []*ChordNode{
		createTestNode(t, network, testConfig(90)),
		createTestNode(t, network, testConfig(170)),
	}
	for _, n := range others {
		require.NoError(t, n.Join(context.Background(), seed.Self().Addr))
		require.NoError(t, n.Start())
	}

	// starting twice is harmless
	require.NoError(t, seed.Start())

	all := append([]*ChordNode{seed}, others...)
	assert.Eventually(t, func() bool {
		for i, n := range all {
			next := all[(i+1)%len(all)]
			prev := all[(i+len(all)-1)%len(all)]
			if !n.Successor().Equals(next.Self()) {
				return false
			}
			p, ok := n.Predecessor()
			if !ok || !p.Equals(prev.Self()) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestChordNode_Shutdown(t *testing.T) {
	network := transport.NewMemoryNetwork()
	events := newRecordingBroadcaster()

	node, err := NewChordNode(testConfig(1), pkg.Nop(), network,
		WithIdentifier(octetIdentifier), WithBroadcaster(events))
	require.NoError(t, err)
	require.NoError(t, node.Create())
	require.NoError(t, node.Start())

	require.NoError(t, node.Shutdown())
	assert.True(t, node.IsShutdown())
	assert.Contains(t, events.types(), EventNodeLeave)

	// second call is a no-op
	assert.NoError(t, node.Shutdown())

	_, err = node.HandleFrame(context.Background(), wire.Encode(wire.Ping()))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestChordNode_ConcurrentAccess(t *testing.T) {
	network := transport.NewMemoryNetwork()
	ring := newTestRing(t, network, 3, 10, 80, 160, 240)
	ring.converge()
	ctx := context.Background()

	done := make(chan struct{})
	for i, n := range ring.nodes {
		go func(i int, n *ChordNode) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				key := hash.HashString(fmt.Sprintf("key-%d-%d", i, j))
				_ = n.Put(ctx, key, []byte("v"), j%2 == 0)
				_, _, _ = n.Get(ctx, key)
				n.stabilize(ctx)
				n.fixFingers(ctx)
				_ = n.FingerTable()
				_ = n.SuccessorList()
			}
		}(i, n)
	}
	for range ring.nodes {
		<-done
	}

	ring.assertConverged()
}

func BenchmarkChordNode_FindSuccessor(b *testing.B) {
	network := transport.NewMemoryNetwork()
	nodes := make([]*ChordNode, 0, 8)
	for _, octet := range []int{10, 40, 70, 100, 130, 160, 190, 220} {
		node, err := NewChordNode(testConfig(octet), pkg.Nop(), network, WithIdentifier(octetIdentifier))
		require.NoError(b, err)
		network.Register(node.Self().Addr, node)
		nodes = append(nodes, node)
	}
	ctx := context.Background()
	require.NoError(b, nodes[0].Create())
	for _, n := range nodes[1:] {
		require.NoError(b, n.Join(ctx, nodes[0].Self().Addr))
	}
	for round := 0; round < 2*len(nodes); round++ {
		for _, n := range nodes {
			n.stabilize(ctx)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = nodes[0].FindSuccessor(ctx, hash.FromUint64(uint64(i%256)))
	}
}

func TestChordNode_SuccessorListMirrorsFinger(t *testing.T) {
	node := createTestNode(t, transport.NewMemoryNetwork(), testConfig(10))
	require.NoError(t, node.Create())

	list := []NodeRef{
		node.refFor(testAddr(t, 20)),
		node.refFor(testAddr(t, 30)),
		node.refFor(testAddr(t, 40)),
	}

	var wg sync.WaitGroup
	var mismatches atomic.Int32
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 500; i++ {
			node.setSuccessorList(list)
			node.popSuccessor()
			node.popSuccessor()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}

			node.successorMu.RLock()
			node.fingerMu.RLock()
			head := node.successorList[0]
			finger := node.fingerTable[0].Node
			node.fingerMu.RUnlock()
			node.successorMu.RUnlock()

			if !head.Equals(finger) {
				mismatches.Add(1)
			}
		}
	}()

	wg.Wait()
	assert.Zero(t, mismatches.Load())
	assert.Equal(t, node.Successor(), node.finger(0).Node)
}
