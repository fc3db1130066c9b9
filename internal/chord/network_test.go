package chord

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
)

// memNetwork connects nodes in-process. Calls go straight to the target
// node's handlers, so no lock is held across them on the caller side.
type memNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	down   map[string]bool
	failOp map[string]bool
	calls  map[string]int
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes:  make(map[string]*Node),
		down:   make(map[string]bool),
		failOp: make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (m *memNetwork) add(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Address().Address()] = n
}

// alias makes n reachable under a second address as well.
func (m *memNetwork) alias(address string, n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[address] = n
}

func (m *memNetwork) kill(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[n.Address().Address()] = true
}

func (m *memNetwork) revive(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.down, n.Address().Address())
}

// fail makes every call of op fail until heal is called.
func (m *memNetwork) fail(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOp[op] = true
}

func (m *memNetwork) heal(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failOp, op)
}

func (m *memNetwork) callCount(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

func (m *memNetwork) get(ctx context.Context, op, address string) (*Node, error) {
	m.mu.Lock()
	m.calls[op]++
	n, ok := m.nodes[address]
	down := m.down[address]
	failing := m.failOp[op]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok || down || failing || n.IsShutdown() {
		return nil, fmt.Errorf("%w: %s %s refused", ErrUnavailable, op, address)
	}
	return n, nil
}

func (m *memNetwork) client() RemoteClient {
	return &memClient{net: m}
}

type memClient struct {
	net *memNetwork
}

func (c *memClient) Ping(ctx context.Context, address string) error {
	_, err := c.net.get(ctx, "ping", address)
	return err
}

func (c *memClient) FindSuccessor(ctx context.Context, address string, id *big.Int, hops int) (*NodeRef, error) {
	n, err := c.net.get(ctx, "find_successor", address)
	if err != nil {
		return nil, err
	}
	return n.ForwardFindSuccessor(ctx, id, hops)
}

func (c *memClient) FindSuccessorWithPath(ctx context.Context, address string, id *big.Int, hops int) (*NodeRef, []*NodeRef, error) {
	n, err := c.net.get(ctx, "find_successor", address)
	if err != nil {
		return nil, nil, err
	}
	return n.ForwardFindSuccessorWithPath(ctx, id, hops)
}

func (c *memClient) Notify(ctx context.Context, address string, node *NodeRef) (*NodeRef, error) {
	n, err := c.net.get(ctx, "notify", address)
	if err != nil {
		return nil, err
	}
	return n.Notify(node.Copy()), nil
}

func (c *memClient) GetInfo(ctx context.Context, address string) (*NodeInfo, error) {
	n, err := c.net.get(ctx, "get_info", address)
	if err != nil {
		return nil, err
	}
	return n.GetInfo(), nil
}

func (c *memClient) SetPredecessor(ctx context.Context, address string, node *NodeRef) error {
	n, err := c.net.get(ctx, "set_predecessor", address)
	if err != nil {
		return err
	}
	n.SetPredecessor(node.Copy())
	return nil
}

func (c *memClient) SetSuccessor(ctx context.Context, address string, node *NodeRef) error {
	n, err := c.net.get(ctx, "set_successor", address)
	if err != nil {
		return err
	}
	n.SetSuccessor(node.Copy())
	return nil
}

func (c *memClient) Stabilize(ctx context.Context, address string) error {
	n, err := c.net.get(ctx, "stabilize", address)
	if err != nil {
		return err
	}
	n.RequestStabilize()
	return nil
}

// blockingClient hangs every FindSuccessor sent to address until the caller's
// context ends.
type blockingClient struct {
	RemoteClient
	address string
}

func (c *blockingClient) FindSuccessor(ctx context.Context, address string, id *big.Int, hops int) (*NodeRef, error) {
	if address == c.address {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	return c.RemoteClient.FindSuccessor(ctx, address, id, hops)
}

// selectiveClient fails FindSuccessor for one key and counts the lookups it sends.
type selectiveClient struct {
	RemoteClient
	failKey *big.Int
	lookups atomic.Int32
}

func (c *selectiveClient) FindSuccessor(ctx context.Context, address string, id *big.Int, hops int) (*NodeRef, error) {
	c.lookups.Add(1)
	if id.Cmp(c.failKey) == 0 {
		return nil, fmt.Errorf("%w: lookup of %s refused", ErrUnavailable, id)
	}
	return c.RemoteClient.FindSuccessor(ctx, address, id, hops)
}

// notifyHookClient runs hook once, right after the first Notify returns.
type notifyHookClient struct {
	RemoteClient
	once sync.Once
	hook func()
}

func (c *notifyHookClient) Notify(ctx context.Context, address string, node *NodeRef) (*NodeRef, error) {
	prev, err := c.RemoteClient.Notify(ctx, address, node)
	c.once.Do(func() {
		if c.hook != nil {
			c.hook()
		}
	})
	return prev, err
}

// recordingBroadcaster keeps every event it receives.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []RingUpdateEvent
}

func (r *recordingBroadcaster) BroadcastRingUpdate(update any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := update.(RingUpdateEvent); ok {
		r.events = append(r.events, ev)
	}
	return nil
}

func (r *recordingBroadcaster) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

const testCapacity = 8

func testConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.HTTPPort = 0
	cfg.Capacity = testCapacity
	cfg.StabilizeInterval = 10 * time.Second
	cfg.FailureCheckInterval = time.Second
	cfg.RPCTimeout = time.Second
	cfg.PingTimeout = 500 * time.Millisecond
	cfg.LeaveTimeout = time.Second
	return cfg
}

// newTestNode creates a node with a fixed id on net. Port doubles as a unique address.
func newTestNode(t *testing.T, net *memNetwork, id int64, port int, opts ...Option) *Node {
	t.Helper()
	return newTestNodeWithConfig(t, net, id, testConfig(port), opts...)
}

func newTestNodeWithConfig(t *testing.T, net *memNetwork, id int64, cfg *config.Config, opts ...Option) *Node {
	t.Helper()

	opts = append([]Option{withID(big.NewInt(id)), WithRemote(net.client()), WithMetrics(metrics.New())}, opts...)
	n, err := NewNode(cfg, pkg.NewNop(), opts...)
	require.NoError(t, err)
	net.add(n)
	t.Cleanup(n.sched.Stop)
	return n
}

// buildRing creates one node per id, joins them one by one through the first
// and runs a stabilization round after every join.
func buildRing(t *testing.T, net *memNetwork, ids ...int64) []*Node {
	t.Helper()
	ctx := context.Background()

	nodes := make([]*Node, 0, len(ids))
	for i, id := range ids {
		n := newTestNode(t, net, id, 9000+i)
		if i == 0 {
			n.Create()
		} else {
			boot := nodes[0].Address()
			require.NoError(t, n.Join(ctx, boot.Host, boot.Port))
		}
		nodes = append(nodes, n)
		stabilizeAll(ctx, nodes)
	}
	return nodes
}

func stabilizeAll(ctx context.Context, nodes []*Node) {
	for _, n := range nodes {
		n.StabilizeOnce(ctx)
	}
}

// sortedByID returns nodes ordered by id.
func sortedByID(nodes []*Node) []*Node {
	out := append([]*Node(nil), nodes...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Cmp(out[j].ID()) < 0 })
	return out
}

// ringConsistent reports whether every successor and predecessor pointer matches
// the sorted order of nodes.
func ringConsistent(nodes []*Node) bool {
	sorted := sortedByID(nodes)
	for i, n := range sorted {
		next := sorted[(i+1)%len(sorted)]
		prev := sorted[(i+len(sorted)-1)%len(sorted)]
		if !n.Successor().Equals(next.Address()) {
			return false
		}
		if len(sorted) == 1 {
			if n.Predecessor() != nil {
				return false
			}
			continue
		}
		if !n.Predecessor().Equals(prev.Address()) {
			return false
		}
	}
	return true
}

// owner returns the node with the smallest id >= key, wrapping to the smallest id.
func owner(nodes []*Node, key int64) *Node {
	sorted := sortedByID(nodes)
	for _, n := range sorted {
		if n.ID().Int64() >= key {
			return n
		}
	}
	return sorted[0]
}

// lookupsAgree reports whether every node resolves every key to its owner.
func lookupsAgree(ctx context.Context, nodes []*Node) bool {
	for key := int64(0); key < 1<<testCapacity; key++ {
		want := owner(nodes, key).Address()
		for _, n := range nodes {
			got, err := n.FindSuccessor(ctx, big.NewInt(key))
			if err != nil || !got.Equals(want) {
				return false
			}
		}
	}
	return true
}

// converge runs stabilization rounds until the ring is consistent and lookups
// agree, for at most rounds rounds. It reports how many rounds it used, or -1.
func converge(ctx context.Context, nodes []*Node, rounds int) int {
	for i := 0; i <= rounds; i++ {
		if ringConsistent(nodes) && lookupsAgree(ctx, nodes) {
			return i
		}
		if i < rounds {
			for _, n := range nodes {
				n.MonitorOnce(ctx)
			}
			stabilizeAll(ctx, nodes)
		}
	}
	return -1
}

func without(nodes []*Node, gone *Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n != gone {
			out = append(out, n)
		}
	}
	return out
}
