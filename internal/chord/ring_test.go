package chord

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/metrics"
)

func TestTwoNodeRing(t *testing.T) {
	ctx := context.Background()
	net := newMemNetwork()
	a := newTestNode(t, net, 10, 9001)
	b := newTestNode(t, net, 200, 9002)

	a.Create()
	require.NoError(t, b.Join(ctx, "127.0.0.1", 9001))

	t.Run("pointers right after join", func(t *testing.T) {
		assert.True(t, b.Successor().Equals(a.Address()))
		assert.True(t, b.Predecessor().Equals(a.Address()))
		assert.True(t, a.Predecessor().Equals(b.Address()))
	})

	a.StabilizeOnce(ctx)
	b.StabilizeOnce(ctx)

	t.Run("pointers after one round", func(t *testing.T) {
		assert.True(t, a.Successor().Equals(b.Address()))
		assert.True(t, a.Predecessor().Equals(b.Address()))
		assert.True(t, b.Successor().Equals(a.Address()))
		assert.True(t, b.Predecessor().Equals(a.Address()))
	})

	t.Run("lookups", func(t *testing.T) {
		tests := []struct {
			key  int64
			want *Node
		}{
			{100, b},
			{201, a},
			{10, a},
			{11, b},
			{200, b},
			{5, a},
			{255, a},
		}
		for _, tt := range tests {
			for _, from := range []*Node{a, b} {
				got, err := from.FindSuccessor(ctx, big.NewInt(tt.key))
				require.NoError(t, err)
				assert.True(t, got.Equals(tt.want.Address()), "key %d from %s", tt.key, from.Address())
			}
		}
	})

	t.Run("fingers", func(t *testing.T) {
		for i, f := range a.FingerTable() {
			assert.True(t, f.Node.Equals(b.Address()), "a finger %d", i)
		}
		bf := b.FingerTable()
		for i := 0; i < 7; i++ {
			assert.True(t, bf[i].Node.Equals(a.Address()), "b finger %d", i)
		}
		assert.Equal(t, int64(72), bf[7].Start.Int64())
		assert.True(t, bf[7].Node.Equals(b.Address()))
	})
}

func TestRingConvergence(t *testing.T) {
	ctx := context.Background()
	ids := []int64{10, 200, 75, 160, 40, 230, 120, 250}

	net := newMemNetwork()
	nodes := buildRing(t, net, ids...)

	rounds := converge(ctx, nodes, len(nodes))
	require.NotEqual(t, -1, rounds, "ring did not converge")

	t.Run("every node agrees on every key", func(t *testing.T) {
		assert.True(t, lookupsAgree(ctx, nodes))
	})

	t.Run("traced lookups", func(t *testing.T) {
		for _, from := range nodes {
			id, succ, path, err := from.Lookup(ctx, "some-key")
			require.NoError(t, err)
			require.NotEmpty(t, path)
			assert.True(t, path[0].Equals(from.Address()), "path starts at the origin")
			assert.LessOrEqual(t, len(path), testCapacity)
			assert.True(t, succ.Equals(owner(nodes, id.Int64()).Address()))
		}
	})
}

func TestRingConvergence_Incremental(t *testing.T) {
	ctx := context.Background()
	net := newMemNetwork()

	var nodes []*Node
	for i, id := range []int64{10, 90, 170} {
		cfg := testConfig(9000 + i)
		cfg.FingerRefresh = config.FingerRefreshIncremental
		n := newTestNodeWithConfig(t, net, id, cfg)
		if i == 0 {
			n.Create()
		} else {
			require.NoError(t, n.Join(ctx, "127.0.0.1", 9000))
		}
		nodes = append(nodes, n)
		stabilizeAll(ctx, nodes)
	}

	// One entry per pass: a full sweep needs capacity-1 passes.
	assert.NotEqual(t, -1, converge(ctx, nodes, testCapacity))
}

func TestJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("capacity mismatch", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		a.Create()

		cfg := testConfig(9002)
		cfg.Capacity = 16
		b := newTestNodeWithConfig(t, net, 300, cfg)

		err := b.Join(ctx, "127.0.0.1", 9001)
		assert.ErrorIs(t, err, ErrCapacityMismatch)
		assert.True(t, b.Successor().Equals(b.Address()), "state untouched")
		assert.Nil(t, a.Predecessor())
	})

	t.Run("identifier collision", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		a.Create()
		dup := newTestNode(t, net, 10, 9002)

		err := dup.Join(ctx, "127.0.0.1", 9001)
		assert.ErrorIs(t, err, ErrIdentifierCollision)
		assert.True(t, dup.Successor().Equals(dup.Address()))
		assert.Nil(t, a.Predecessor())
	})

	t.Run("bootstrap unreachable", func(t *testing.T) {
		net := newMemNetwork()
		b := newTestNode(t, net, 200, 9002)

		err := b.Join(ctx, "127.0.0.1", 9001)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.True(t, b.Successor().Equals(b.Address()))
		assert.Nil(t, b.Predecessor())
	})

	t.Run("successor notify fails", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		a.Create()
		b := newTestNode(t, net, 200, 9002)

		net.fail("notify")
		err := b.Join(ctx, "127.0.0.1", 9001)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.True(t, b.Successor().Equals(b.Address()))
	})

	t.Run("falls back to bootstrap when lookup fails", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		a.Create()
		b := newTestNode(t, net, 200, 9002)

		net.fail("find_successor")
		require.NoError(t, b.Join(ctx, "127.0.0.1", 9001))
		net.heal("find_successor")

		assert.True(t, b.Successor().Equals(a.Address()))
		assert.True(t, a.Predecessor().Equals(b.Address()))
	})

	t.Run("bootstrap is self", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		require.NoError(t, a.Join(ctx, "127.0.0.1", 9001))
		assert.True(t, a.Successor().Equals(a.Address()))
		assert.Equal(t, 0, net.callCount("get_info"))
	})

	t.Run("bootstrap is another address of self", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		net.alias("localhost:9001", a)

		require.NoError(t, a.Join(ctx, "localhost", 9001))
		assert.True(t, a.State().IsAlone())
		assert.Nil(t, a.Predecessor())
		assert.Equal(t, 1, net.callCount("get_info"))
		assert.Equal(t, 0, net.callCount("notify"))
	})

	t.Run("keeps a closer predecessor that notified mid-join", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		a.Create()

		hook := &notifyHookClient{RemoteClient: net.client()}
		b := newTestNode(t, net, 200, 9002, WithRemote(hook))
		closer := NewNodeRef(big.NewInt(100), "127.0.0.1", 9003)
		hook.hook = func() { b.Notify(closer) }

		require.NoError(t, b.Join(ctx, "127.0.0.1", 9001))
		assert.True(t, b.Successor().Equals(a.Address()))
		assert.True(t, b.Predecessor().Equals(closer), "inbound notify not overwritten")
	})

	t.Run("no remote", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		a.SetRemote(nil)
		assert.ErrorIs(t, a.Join(ctx, "127.0.0.1", 9002), ErrNoRemote)
	})

	t.Run("join between existing nodes", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, 3))

		events := &recordingBroadcaster{}
		c := newTestNode(t, net, 150, 9100, WithBroadcaster(events))
		require.NoError(t, c.Join(ctx, "127.0.0.1", nodes[0].Address().Port))

		assert.True(t, c.Successor().Equals(nodes[2].Address()))
		assert.True(t, c.Predecessor().Equals(nodes[1].Address()))
		assert.True(t, nodes[2].Predecessor().Equals(c.Address()))
		assert.Contains(t, events.types(), EventNodeJoin)

		all := append(nodes, c)
		assert.NotEqual(t, -1, converge(ctx, all, len(all)))
	})
}

func TestLeave(t *testing.T) {
	ctx := context.Background()

	t.Run("two nodes", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 200)
		a, b := nodes[0], nodes[1]

		require.NoError(t, b.Leave(ctx))
		assert.True(t, a.Successor().Equals(a.Address()))
		assert.Nil(t, a.Predecessor())
		assert.True(t, b.Successor().Equals(b.Address()))
		assert.Nil(t, b.Predecessor())
	})

	t.Run("neighbours are relinked", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 75, 160, 230)
		require.NotEqual(t, -1, converge(ctx, nodes, len(nodes)))

		pred, leaving, succ := nodes[1], nodes[2], nodes[3]
		events := &recordingBroadcaster{}
		leaving.SetBroadcaster(events)

		require.NoError(t, leaving.Leave(ctx))
		net.kill(leaving)

		assert.True(t, pred.Successor().Equals(succ.Address()))
		assert.True(t, succ.Predecessor().Equals(pred.Address()))
		assert.True(t, leaving.Successor().Equals(leaving.Address()))
		assert.Contains(t, events.types(), EventNodeLeave)

		pred.StabilizeOnce(ctx)
		succ.StabilizeOnce(ctx)

		rest := without(nodes, leaving)
		for _, n := range rest {
			assert.False(t, n.Successor().SameID(leaving.Address()))
			assert.False(t, n.Predecessor().SameID(leaving.Address()))
		}
		assert.NotEqual(t, -1, converge(ctx, rest, len(rest)))
	})

	t.Run("alone", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		a.Create()
		assert.NoError(t, a.Leave(ctx))
		assert.Equal(t, 0, net.callCount("set_successor"))
	})

	t.Run("unreachable neighbours", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, 3))

		net.kill(nodes[0])
		net.kill(nodes[2])
		err := nodes[1].Leave(ctx)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.True(t, nodes[1].Successor().Equals(nodes[1].Address()), "reset regardless")
	})
}

func TestFailureMonitor(t *testing.T) {
	ctx := context.Background()

	t.Run("splices out a dead successor", func(t *testing.T) {
		net := newMemNetwork()
		m := metrics.New()
		events := &recordingBroadcaster{}

		a := newTestNode(t, net, 10, 9001, WithMetrics(m), WithBroadcaster(events))
		a.Create()
		nodes := []*Node{a}
		for i, id := range []int64{75, 160, 230} {
			n := newTestNode(t, net, id, 9002+i)
			require.NoError(t, n.Join(ctx, "127.0.0.1", 9001))
			nodes = append(nodes, n)
			stabilizeAll(ctx, nodes)
		}
		require.NotEqual(t, -1, converge(ctx, nodes, len(nodes)))

		dead, next := nodes[1], nodes[2]
		net.kill(dead)

		a.CheckSuccessor(ctx)
		assert.True(t, a.Successor().Equals(next.Address()))
		assert.True(t, next.Predecessor().Equals(a.Address()))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.SpliceOuts))
		assert.GreaterOrEqual(t, testutil.ToFloat64(m.RPCFailures.WithLabelValues("ping")), 1.0)
		assert.Contains(t, events.types(), EventSpliceOut)

		for _, f := range a.FingerTable() {
			assert.False(t, f.Node.SameID(dead.Address()), "dead node purged from fingers")
		}

		rest := without(nodes, dead)
		assert.NotEqual(t, -1, converge(ctx, rest, len(rest)))
	})

	t.Run("live successor is left alone", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 200)
		before := nodes[0].State().Snapshot()

		nodes[0].CheckSuccessor(ctx)
		assert.Equal(t, before, nodes[0].State().Snapshot())
		assert.Equal(t, 0, net.callCount("set_predecessor"))
	})

	t.Run("last peer dies", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 200)
		net.kill(nodes[1])

		nodes[0].MonitorOnce(ctx)
		assert.True(t, nodes[0].Successor().Equals(nodes[0].Address()))
		assert.Nil(t, nodes[0].Predecessor())
	})

	t.Run("dead predecessor is cleared", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, 3))

		net.kill(nodes[0])
		nodes[1].CheckPredecessor(ctx)
		assert.Nil(t, nodes[1].Predecessor())
	})

	t.Run("detected within one polling interval", func(t *testing.T) {
		net := newMemNetwork()
		clock := clockwork.NewFakeClock()

		var nodes []*Node
		for i, id := range []int64{10, 100, 200} {
			n := newTestNode(t, net, id, 9001+i, WithClock(clock))
			if i == 0 {
				n.Create()
			} else {
				require.NoError(t, n.Join(ctx, "127.0.0.1", 9001))
			}
			nodes = append(nodes, n)
			stabilizeAll(ctx, nodes)
		}
		require.NotEqual(t, -1, converge(ctx, nodes, 3))

		a, dead, c := nodes[0], nodes[1], nodes[2]
		net.kill(dead)
		require.NoError(t, a.Start())
		require.NoError(t, c.Start())

		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, clock.BlockUntilContext(wctx, 4))
		clock.Advance(a.config.FailureCheckInterval)

		require.Eventually(t, func() bool {
			return a.Successor().Equals(c.Address()) && c.Predecessor().Equals(a.Address())
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestStabilize(t *testing.T) {
	ctx := context.Background()

	t.Run("drops a self predecessor", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)
		a.Create()

		a.state.mu.Lock()
		a.state.predecessor = a.state.self.Copy()
		a.state.mu.Unlock()

		a.StabilizeOnce(ctx)
		assert.Nil(t, a.Predecessor())
	})

	t.Run("lone node adopts live predecessor", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 200)
		a, b := nodes[0], nodes[1]

		a.state.SetSuccessor(nil)
		a.StabilizeOnce(ctx)
		assert.True(t, a.Successor().Equals(b.Address()))
	})

	t.Run("dead successor with no fallback collapses", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 200)
		a := nodes[0]
		net.kill(nodes[1])

		a.StabilizeOnce(ctx)
		assert.True(t, a.Successor().Equals(a.Address()))
		assert.Nil(t, a.Predecessor())
		for _, f := range a.FingerTable() {
			assert.True(t, f.Node.Equals(a.Address()))
		}
	})

	t.Run("does not adopt an unreachable predecessor of the successor", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, 3))
		a, b, c := nodes[0], nodes[1], nodes[2]

		// a believes c is its successor while c still points back at the dead b.
		net.kill(b)
		a.state.SetSuccessor(c.Address())

		a.StabilizeOnce(ctx)
		assert.True(t, a.Successor().Equals(c.Address()))
		assert.True(t, c.Predecessor().Equals(a.Address()), "dead predecessor replaced")
	})

	t.Run("counts rounds", func(t *testing.T) {
		net := newMemNetwork()
		m := metrics.New()
		a := newTestNode(t, net, 10, 9001, WithMetrics(m))
		a.Create()

		a.StabilizeOnce(ctx)
		a.StabilizeOnce(ctx)
		assert.Equal(t, 2.0, testutil.ToFloat64(m.StabilizeRounds))
	})
}

func TestLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("unreachable next hop", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, 3))
		a := nodes[0]

		net.kill(nodes[1])
		before := a.State().Snapshot()

		_, err := a.FindSuccessor(ctx, big.NewInt(150))
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, before, a.State().Snapshot(), "lookup failures do not touch state")
	})

	t.Run("hanging next hop times out as unavailable", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, 3))
		a := nodes[0]
		a.SetRemote(&blockingClient{RemoteClient: net.client(), address: nodes[1].Address().Address()})

		start := time.Now()
		_, err := a.FindSuccessor(ctx, big.NewInt(150))
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, ErrUnavailable)
		assert.LessOrEqual(t, elapsed, a.config.RPCTimeout+500*time.Millisecond)
	})

	t.Run("hop limit", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, 3))
		a := nodes[0]

		_, err := a.ForwardFindSuccessor(ctx, big.NewInt(150), testCapacity)
		assert.ErrorIs(t, err, ErrHopLimit)
		assert.ErrorIs(t, err, ErrUnavailable)

		// One forward left: the next node refuses it.
		_, err = a.ForwardFindSuccessor(ctx, big.NewInt(150), testCapacity-1)
		assert.ErrorIs(t, err, ErrHopLimit)

		// Answered locally, so no forward is needed.
		got, err := a.ForwardFindSuccessor(ctx, big.NewInt(50), testCapacity-1)
		require.NoError(t, err)
		assert.True(t, got.Equals(nodes[1].Address()))
	})

	t.Run("invalid ids", func(t *testing.T) {
		net := newMemNetwork()
		a := newTestNode(t, net, 10, 9001)

		_, err := a.FindSuccessor(ctx, nil)
		assert.ErrorIs(t, err, ErrInvalidID)
		_, err = a.FindSuccessor(ctx, big.NewInt(256))
		assert.ErrorIs(t, err, ErrInvalidID)
		_, err = a.FindSuccessor(ctx, big.NewInt(-1))
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("path records every hop", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, 3))

		succ, path, err := nodes[0].FindSuccessorWithPath(ctx, big.NewInt(150))
		require.NoError(t, err)
		assert.True(t, succ.Equals(nodes[2].Address()))
		require.Len(t, path, 2)
		assert.True(t, path[0].Equals(nodes[0].Address()))
		assert.True(t, path[1].Equals(nodes[1].Address()))
	})
}

func TestFullFingerRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("a failed lookup skips only its entry", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 20, 50, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, len(nodes)))
		a := nodes[0]

		// Starts 26, 42, 74 and 138 lie past the successor and need a lookup.
		stale := nodes[1].Address()
		for i := 4; i < testCapacity; i++ {
			a.State().SetFinger(i, stale)
		}
		client := &selectiveClient{RemoteClient: net.client(), failKey: big.NewInt(26)}
		a.SetRemote(client)

		assert.Equal(t, 3, a.BuildFingers(ctx))
		assert.Equal(t, int32(4), client.lookups.Load())
		assert.True(t, a.State().Finger(4).Node.Equals(stale), "failed entry unchanged")
		assert.True(t, a.State().Finger(5).Node.Equals(nodes[2].Address()))
		assert.True(t, a.State().Finger(6).Node.Equals(nodes[3].Address()))
		assert.True(t, a.State().Finger(7).Node.Equals(nodes[4].Address()))
	})

	t.Run("stops when the successor is gone", func(t *testing.T) {
		net := newMemNetwork()
		nodes := buildRing(t, net, 10, 20, 50, 100, 200)
		require.NotEqual(t, -1, converge(ctx, nodes, len(nodes)))
		a := nodes[0]

		client := &selectiveClient{RemoteClient: net.client(), failKey: big.NewInt(-1)}
		a.SetRemote(client)
		net.kill(nodes[1])

		assert.Equal(t, 0, a.BuildFingers(ctx))
		assert.Equal(t, int32(1), client.lookups.Load())
	})
}

func TestConcurrentMaintenance(t *testing.T) {
	ctx := context.Background()
	net := newMemNetwork()
	nodes := buildRing(t, net, 10, 75, 160, 230)

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(2)
		go func(n *Node) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				n.StabilizeOnce(ctx)
				n.MonitorOnce(ctx)
			}
		}(n)
		go func(n *Node) {
			defer wg.Done()
			for key := int64(0); key < 256; key += 7 {
				_, _ = n.FindSuccessor(ctx, big.NewInt(key))
				_ = n.GetInfo()
			}
		}(n)
	}
	wg.Wait()

	assert.NotEqual(t, -1, converge(ctx, nodes, len(nodes)))
}
