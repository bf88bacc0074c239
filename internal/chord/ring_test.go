package chord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/internal/wire"
	"github.com/zde37/chordring/pkg/hash"
)

// testRing drives maintenance by hand so ring tests are deterministic.
type testRing struct {
	t       *testing.T
	network *transport.MemoryNetwork
	k       int
	nodes   []*ChordNode
	dead    map[hash.ID]bool
}

func newTestRing(t *testing.T, network *transport.MemoryNetwork, k int, octets ...int) *testRing {
	t.Helper()

	r := &testRing{
		t:       t,
		network: network,
		k:       k,
		dead:    make(map[hash.ID]bool),
	}
	for _, octet := range octets {
		r.join(octet)
	}
	return r
}

// join adds a node through the first live node, then runs a few rounds.
func (r *testRing) join(octet int) *ChordNode {
	r.t.Helper()

	cfg := testConfig(octet)
	cfg.SuccessorListSize = r.k
	node := createTestNode(r.t, r.network, cfg)

	alive := r.alive()
	if len(alive) == 0 {
		require.NoError(r.t, node.Create())
	} else {
		require.NoError(r.t, node.Join(context.Background(), alive[0].Self().Addr))
	}
	r.nodes = append(r.nodes, node)
	r.rounds(3)
	return node
}

func (r *testRing) kill(octet int) {
	n := r.node(octet)
	r.network.Kill(n.Self().Addr)
	r.dead[n.ID()] = true
}

func (r *testRing) node(octet int) *ChordNode {
	id := hash.FromUint64(uint64(octet))
	for _, n := range r.nodes {
		if n.ID() == id {
			return n
		}
	}
	r.t.Fatalf("no node at octet %d", octet)
	return nil
}

// alive returns the live nodes in ring order.
func (r *testRing) alive() []*ChordNode {
	out := make([]*ChordNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if !r.dead[n.ID()] {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b *ChordNode) int { return hash.Compare(a.ID(), b.ID()) })
	return out
}

func (r *testRing) rounds(count int) {
	ctx := context.Background()
	for i := 0; i < count; i++ {
		for _, n := range r.alive() {
			n.checkPredecessor(ctx)
			n.stabilize(ctx)
		}
	}
}

func (r *testRing) fixAllFingers() {
	ctx := context.Background()
	for _, n := range r.alive() {
		for i := 0; i < hash.M; i++ {
			n.fixFingers(ctx)
		}
	}
}

func (r *testRing) converge() {
	r.rounds(3*len(r.alive()) + 3)
	r.fixAllFingers()
}

// ownerOf returns the first live node at or after key.
func (r *testRing) ownerOf(key hash.ID) *ChordNode {
	alive := r.alive()
	for _, n := range alive {
		if hash.Compare(n.ID(), key) >= 0 {
			return n
		}
	}
	return alive[0]
}

func (r *testRing) assertConverged() {
	r.t.Helper()

	alive := r.alive()
	count := len(alive)
	for i, n := range alive {
		next := alive[(i+1)%count]
		prev := alive[(i+count-1)%count]

		assert.Truef(r.t, n.Successor().Equals(next.Self()),
			"%s: successor %s, want %s", n.Self(), n.Successor(), next.Self())

		pred, ok := n.Predecessor()
		if count == 1 {
			assert.False(r.t, ok)
			continue
		}
		if assert.Truef(r.t, ok, "%s has no predecessor", n.Self()) {
			assert.Truef(r.t, pred.Equals(prev.Self()),
				"%s: predecessor %s, want %s", n.Self(), pred, prev.Self())
		}

		if count > r.k {
			list := n.SuccessorList()
			require.Len(r.t, list, r.k)
			for j, s := range list {
				want := alive[(i+1+j)%count]
				assert.Truef(r.t, s.Equals(want.Self()),
					"%s: successor list[%d] %s, want %s", n.Self(), j, s, want.Self())
			}
		}
	}
}

func (r *testRing) assertFingers() {
	r.t.Helper()

	for _, n := range r.alive() {
		for i, f := range n.FingerTable() {
			want := r.ownerOf(f.Start)
			assert.Truef(r.t, f.Node.Equals(want.Self()),
				"%s: finger[%d] %s, want %s", n.Self(), i, f.Node, want.Self())
		}
	}
}

func TestRing_Convergence(t *testing.T) {
	tests := []struct {
		name   string
		k      int
		octets []int
	}{
		{"two nodes", 3, []int{10, 200}},
		{"ascending joins", 3, []int{10, 50, 120, 200}},
		{"arbitrary order", 3, []int{200, 10, 120, 50, 230, 90, 160}},
		{"single successor", 1, []int{70, 20, 140, 250, 5}},
		{"long successor list", 5, []int{33, 66, 99, 132, 165, 198, 231}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring := newTestRing(t, transport.NewMemoryNetwork(), tt.k, tt.octets...)
			ring.converge()

			ring.assertConverged()
			ring.assertFingers()
		})
	}
}

func TestRing_KeyOwnership(t *testing.T) {
	ring := newTestRing(t, transport.NewMemoryNetwork(), 3, 30, 90, 150, 210)
	ring.converge()
	ctx := context.Background()

	for k := 0; k < 256; k++ {
		key := hash.FromUint64(uint64(k))

		owners := 0
		for _, n := range ring.alive() {
			pred, ok := n.Predecessor()
			require.True(t, ok)
			if hash.InRange(key, pred.ID, false, n.ID(), true) {
				owners++
				assert.Equal(t, ring.ownerOf(key).ID(), n.ID())
			}
		}
		assert.Equalf(t, 1, owners, "key %d", k)
	}

	// every node resolves every key to the same owner
	for i := 0; i < 20; i++ {
		key := hash.HashString(fmt.Sprintf("key-%d", i))
		want := ring.ownerOf(key)
		for _, n := range ring.alive() {
			got, err := n.FindSuccessor(ctx, key)
			require.NoError(t, err)
			assert.True(t, got.Equals(want.Self()))
		}
	}
}

func TestRing_PutGetAcrossNodes(t *testing.T) {
	ring := newTestRing(t, transport.NewMemoryNetwork(), 3, 30, 90, 150, 210)
	ring.converge()
	ctx := context.Background()

	alive := ring.alive()
	for i := 0; i < 20; i++ {
		key := hash.HashString(fmt.Sprintf("key-%d", i))
		value := []byte(fmt.Sprintf("value-%d", i))

		writer := alive[i%len(alive)]
		reader := alive[(i+1)%len(alive)]

		require.NoError(t, writer.Put(ctx, key, value, false))

		got, found, err := reader.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, value, got)

		// the owner holds it locally
		local, err := ring.ownerOf(key).Storage().Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, local)
	}

	t.Run("missing key", func(t *testing.T) {
		_, found, err := alive[0].Get(ctx, hash.HashString("never-written"))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("append across nodes", func(t *testing.T) {
		key := hash.HashString("log")
		for i, n := range alive {
			require.NoError(t, n.Put(ctx, key, []byte(fmt.Sprint(i)), true))
		}
		got, found, err := alive[2].Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("0123"), got)
	})
}

func TestRing_Scenario(t *testing.T) {
	ring := newTestRing(t, transport.NewMemoryNetwork(), 3, 10, 50, 120, 200)
	ring.converge()
	ctx := context.Background()

	key := hash.FromUint64(60)
	require.True(t, hash.InRange(key, hash.FromUint64(50), false, hash.FromUint64(120), true))

	require.NoError(t, ring.node(10).Put(ctx, key, []byte("x"), false))
	ring.converge()

	for _, n := range ring.alive() {
		owner, err := n.FindSuccessor(ctx, key)
		require.NoError(t, err)
		assert.True(t, owner.Equals(ring.node(120).Self()))
	}

	local, err := ring.node(120).Storage().Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), local)

	value, found, err := ring.node(200).Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), value)
}

func TestRing_HandOffOnJoin(t *testing.T) {
	ring := newTestRing(t, transport.NewMemoryNetwork(), 3, 10, 200)
	ring.converge()
	ctx := context.Background()

	key := hash.FromUint64(60)
	require.NoError(t, ring.node(10).Put(ctx, key, []byte("x"), false))

	_, err := ring.node(200).Storage().Get(ctx, key)
	require.NoError(t, err, "owner before the join holds the key")

	ring.join(120)
	ring.converge()
	ring.assertConverged()

	local, err := ring.node(120).Storage().Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), local)

	value, found, err := ring.node(10).Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), value)
}

func TestRing_ReplicationSurvivesOwnerFailure(t *testing.T) {
	network := transport.NewMemoryNetwork()
	ring := newTestRing(t, network, 3, 10, 50, 120, 200, 230)
	ring.converge()
	ctx := context.Background()

	key := hash.FromUint64(60)
	before := network.Sent(wire.KindReplicate)
	require.NoError(t, ring.node(10).Put(ctx, key, []byte("x"), false))
	assert.Equal(t, 3, network.Sent(wire.KindReplicate)-before, "owner replicates to each distinct successor")

	for _, octet := range []int{200, 230, 10} {
		replica, err := ring.node(octet).Storage().Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), replica)
	}

	ring.kill(120)
	ring.converge()
	ring.assertConverged()
	ring.assertFingers()

	value, found, err := ring.node(10).Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), value)

	holders := 0
	for _, n := range ring.alive() {
		if _, err := n.Storage().Get(ctx, key); err == nil {
			holders++
		}
	}
	assert.GreaterOrEqual(t, holders, 3, "replica count restored after the failure")
}

func TestRing_OwnerUnreachable(t *testing.T) {
	ring := newTestRing(t, transport.NewMemoryNetwork(), 1, 10, 120)
	ring.converge()
	ctx := context.Background()

	// 10 still routes key 60 to 120 until stabilization notices
	ring.network.Kill(ring.node(120).Self().Addr)

	_, _, err := ring.node(10).Get(ctx, hash.FromUint64(60))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOwnerUnreachable)

	err = ring.node(10).Put(ctx, hash.FromUint64(60), []byte("x"), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOwnerUnreachable)
}

func TestRing_FixFingersIdempotent(t *testing.T) {
	ring := newTestRing(t, transport.NewMemoryNetwork(), 3, 15, 75, 135, 195, 250)
	ring.converge()

	before := make(map[hash.ID][]FingerEntry)
	for _, n := range ring.alive() {
		before[n.ID()] = n.FingerTable()
	}

	ring.fixAllFingers()
	ring.fixAllFingers()

	for _, n := range ring.alive() {
		assert.Equal(t, before[n.ID()], n.FingerTable())
	}
}

// crashingHandler answers every frame with an error, like a node that
// accepts connections but dies mid-request.
func crashingHandler(hits *atomic.Int32) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, frame []byte) ([]byte, error) {
		hits.Add(1)
		return nil, errors.New("node crashed mid-request")
	})
}

func TestRing_FindSuccessorSkipsFailedFinger(t *testing.T) {
	network := transport.NewMemoryNetwork()
	ring := newTestRing(t, network, 3, 10, 20, 80, 90, 150)
	ring.converge()
	ring.assertFingers()

	ctx := context.Background()
	n10 := ring.node(10)

	// fingers 4..6 of node 10 all point at 80, finger 7 at 150
	require.Equal(t, hash.FromUint64(80), n10.finger(6).Node.ID)
	require.Equal(t, hash.FromUint64(80), n10.finger(4).Node.ID)
	require.Equal(t, hash.FromUint64(150), n10.finger(7).Node.ID)

	t.Run("falls back to a closer finger", func(t *testing.T) {
		var hits80 atomic.Int32
		network.Register(ring.node(80).Self().Addr, crashingHandler(&hits80))

		before := network.Sent(wire.KindSuccessor)
		owner, err := n10.FindSuccessor(ctx, hash.FromUint64(140))
		require.NoError(t, err)

		assert.Equal(t, hash.FromUint64(150), owner.ID)
		assert.Equal(t, int32(1), hits80.Load())
		// 10 -> 80 (fails), 10 -> 20, 20 -> 90
		assert.Equal(t, before+3, network.Sent(wire.KindSuccessor))
	})

	t.Run("exhausted scan returns the successor", func(t *testing.T) {
		var hits20, hits80 atomic.Int32
		network.Register(ring.node(20).Self().Addr, crashingHandler(&hits20))
		network.Register(ring.node(80).Self().Addr, crashingHandler(&hits80))

		owner, err := n10.FindSuccessor(ctx, hash.FromUint64(140))
		require.NoError(t, err)

		assert.Equal(t, n10.Successor().ID, owner.ID)
		assert.Equal(t, hash.FromUint64(20), owner.ID)
		assert.Equal(t, int32(1), hits20.Load())
		assert.Equal(t, int32(1), hits80.Load())
	})
}

func TestRing_ReplicationSkipsHungReplica(t *testing.T) {
	network := transport.NewMemoryNetwork()

	cfg := testConfig(100)
	cfg.SuccessorListSize = 3
	owner := createTestNode(t, network, cfg)
	require.NoError(t, owner.Create())

	replica := createTestNode(t, network, testConfig(120))
	require.NoError(t, replica.Create())

	// 50 accepts the request and never answers
	var hungHits atomic.Int32
	hung := testAddr(t, 50)
	network.Register(hung, transport.HandlerFunc(func(ctx context.Context, frame []byte) ([]byte, error) {
		hungHits.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	owner.setSuccessorList([]NodeRef{owner.refFor(hung), replica.Self()})
	require.Equal(t, hung, owner.Successor().Addr)

	key := hash.FromUint64(90)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
	defer cancel()

	start := time.Now()
	reply, err := owner.HandleFrame(ctx, wire.Encode(wire.Put(key, []byte("v"))))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Less(t, elapsed, cfg.RPCTimeout)

	got, err := replica.Storage().Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	local, err := owner.Storage().Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), local)

	assert.Eventually(t, func() bool { return hungHits.Load() == 1 }, time.Second, 10*time.Millisecond)
}
