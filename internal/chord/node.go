package chord

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/internal/scheduler"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// Names of the periodic tasks.
const (
	taskStabilize = "stabilize"
	taskMonitor   = "check_successor"
)

// Node is one member of the ring. It owns a RingState, answers the peer protocol
// through its exported methods and keeps the ring healthy with background tasks.
type Node struct {
	space  *hash.Space
	state  *RingState
	config *config.Config
	logger *pkg.Logger

	// Remote client for RPC calls to other nodes
	remote RemoteClient

	refresher FingerRefresher
	metrics   *metrics.Metrics
	clock     clockwork.Clock

	broadcaster   RingUpdateBroadcaster
	broadcasterMu sync.RWMutex
	sched       *scheduler.Scheduler

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc

	shutdown     bool
	shutdownMu   sync.RWMutex
	shutdownOnce sync.Once

	fixedID *big.Int
}

// Option customises a Node at construction.
type Option func(*Node)

// WithRemote sets the outbound client.
func WithRemote(remote RemoteClient) Option {
	return func(n *Node) { n.remote = remote }
}

// WithMetrics sets the collectors the node reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithBroadcaster sets the sink for ring update events.
func WithBroadcaster(b RingUpdateBroadcaster) Option {
	return func(n *Node) { n.broadcaster = b }
}

// WithClock sets the clock driving the background tasks.
func WithClock(clock clockwork.Clock) Option {
	return func(n *Node) { n.clock = clock }
}

// withID overrides the hashed identifier.
func withID(id *big.Int) Option {
	return func(n *Node) { n.fixedID = new(big.Int).Set(id) }
}

// NewNode creates a node for cfg. Its id is the hash of "host:port" truncated to
// cfg.Capacity bits. The node starts as a ring of one; call Create or Join, then Start.
func NewNode(cfg *config.Config, logger *pkg.Logger, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	space, err := hash.NewSpace(cfg.Capacity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		space:  space,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = clockwork.NewRealClock()
	}

	id := space.HashAddress(cfg.Host, cfg.Port)
	if n.fixedID != nil {
		if !space.IsValidID(n.fixedID) {
			cancel()
			return nil, fmt.Errorf("%w: %s does not fit in %d bits", ErrInvalidID, n.fixedID, cfg.Capacity)
		}
		id = n.fixedID
	}

	self := NewNodeRef(id, cfg.Host, cfg.Port)
	n.state = newRingState(space, self)
	n.logger = logger.WithFields(pkg.Fields{"node_id": self.shortID()})
	n.refresher = newFingerRefresher(cfg.FingerRefresh)
	n.sched = scheduler.New(n.clock, n.logger, n.metrics)

	n.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("capacity", cfg.Capacity).
		Msg("Node created")

	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() *big.Int {
	return new(big.Int).Set(n.state.self.ID)
}

// Address returns the node's own ref.
func (n *Node) Address() *NodeRef {
	return n.state.Self()
}

// Space returns the identifier space the node lives in.
func (n *Node) Space() *hash.Space {
	return n.space
}

// Capacity returns the identifier width in bits.
func (n *Node) Capacity() int {
	return n.space.Bits()
}

// State exposes the node's ring pointers.
func (n *Node) State() *RingState {
	return n.state
}

// SetRemote sets the remote client for making RPC calls to other nodes.
// It must be called before Join or Start.
func (n *Node) SetRemote(remote RemoteClient) {
	n.remote = remote
}

// SetBroadcaster sets the sink for ring update events.
func (n *Node) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

// GetInfo returns the node's identity, capacity and pointers.
func (n *Node) GetInfo() *NodeInfo {
	snap := n.state.Snapshot()
	return &NodeInfo{
		Node:        snap.Self,
		Capacity:    n.space.Bits(),
		Predecessor: snap.Predecessor,
		Successor:   snap.Successor,
	}
}

// Predecessor returns the current predecessor, or nil.
func (n *Node) Predecessor() *NodeRef {
	return n.state.Predecessor()
}

// Successor returns the current successor.
func (n *Node) Successor() *NodeRef {
	return n.state.Successor()
}

// FingerTable returns a copy of the finger table.
func (n *Node) FingerTable() []*FingerEntry {
	return n.state.Fingers()
}

// Start launches stabilization and the failure monitor.
func (n *Node) Start() error {
	if n.IsShutdown() {
		return ErrShutdown
	}
	if n.remote == nil {
		return ErrNoRemote
	}
	if err := n.sched.Every(taskStabilize, n.config.StabilizeInterval, n.StabilizeOnce); err != nil {
		return err
	}
	if err := n.sched.Every(taskMonitor, n.config.FailureCheckInterval, n.MonitorOnce); err != nil {
		return err
	}
	if err := n.sched.Start(n.ctx); err != nil {
		return err
	}

	n.logger.Info().
		Dur("stabilize_interval", n.config.StabilizeInterval).
		Dur("failure_check_interval", n.config.FailureCheckInterval).
		Msg("Background tasks started")
	return nil
}

// RequestStabilize asks for a stabilization pass as soon as possible. It is
// what a peer's STABILIZE call lands on. Before Start it only logs.
func (n *Node) RequestStabilize() {
	if !n.sched.Trigger(taskStabilize) {
		n.logger.Debug().Msg("Stabilization requested while background tasks are not running")
	}
}

// IsShutdown returns true if the node has been shut down.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}

// Shutdown stops the background tasks and leaves the ring, bounded by the
// configured leave timeout and by ctx. It is safe to call more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	var err error
	n.shutdownOnce.Do(func() {
		n.logger.Info().Msg("Shutting down node")

		n.sched.Stop()

		leaveCtx, cancel := context.WithTimeout(ctx, n.config.LeaveTimeout)
		err = n.Leave(leaveCtx)
		cancel()

		n.shutdownMu.Lock()
		n.shutdown = true
		n.shutdownMu.Unlock()
		n.cancel()

		n.logger.Info().Msg("Node shutdown complete")
	})
	return err
}

// rpcContext bounds a control call.
func (n *Node) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, n.config.RPCTimeout)
}

// isSelf reports whether ref carries the local id.
func (n *Node) isSelf(ref *NodeRef) bool {
	return n.state.isSelf(ref)
}

// alive pings ref within the ping timeout. The node itself is always alive.
func (n *Node) alive(ctx context.Context, ref *NodeRef) bool {
	if ref == nil {
		return false
	}
	if n.isSelf(ref) {
		return true
	}
	if n.remote == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, n.config.PingTimeout)
	defer cancel()

	if err := n.remote.Ping(pctx, ref.Address()); err != nil {
		n.metrics.RPCFailed("ping")
		n.logger.Debug().
			Err(err).
			Str("peer", ref.Address()).
			Msg("Ping failed")
		return false
	}
	return true
}

// infoOf answers GET_INFO for ref, locally when ref is the node itself.
func (n *Node) infoOf(ctx context.Context, ref *NodeRef) (*NodeInfo, error) {
	if n.isSelf(ref) {
		return n.GetInfo(), nil
	}
	if n.remote == nil {
		return nil, ErrNoRemote
	}
	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	info, err := n.remote.GetInfo(cctx, ref.Address())
	if err != nil {
		n.metrics.RPCFailed("get_info")
		return nil, unavailable("get info from", ref.Address(), err)
	}
	if info == nil || info.Node == nil || info.Successor == nil {
		n.metrics.RPCFailed("get_info")
		return nil, unavailable("get info from", ref.Address(), errMalformed)
	}
	return info, nil
}

// setSuccessorOf sets target's successor, locally when target is the node itself.
func (n *Node) setSuccessorOf(ctx context.Context, target, succ *NodeRef) error {
	if n.isSelf(target) {
		n.SetSuccessor(succ)
		return nil
	}
	if n.remote == nil {
		return ErrNoRemote
	}
	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	if err := n.remote.SetSuccessor(cctx, target.Address(), succ); err != nil {
		n.metrics.RPCFailed("set_successor")
		return unavailable("set successor of", target.Address(), err)
	}
	return nil
}

// setPredecessorOf sets target's predecessor, locally when target is the node itself.
func (n *Node) setPredecessorOf(ctx context.Context, target, pred *NodeRef) error {
	if n.isSelf(target) {
		n.SetPredecessor(pred)
		return nil
	}
	if n.remote == nil {
		return ErrNoRemote
	}
	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	if err := n.remote.SetPredecessor(cctx, target.Address(), pred); err != nil {
		n.metrics.RPCFailed("set_predecessor")
		return unavailable("set predecessor of", target.Address(), err)
	}
	return nil
}

// stabilizeOf asks target to stabilize, locally when target is the node itself.
func (n *Node) stabilizeOf(ctx context.Context, target *NodeRef) error {
	if n.isSelf(target) {
		n.RequestStabilize()
		return nil
	}
	if n.remote == nil {
		return ErrNoRemote
	}
	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	if err := n.remote.Stabilize(cctx, target.Address()); err != nil {
		n.metrics.RPCFailed("stabilize")
		return unavailable("request stabilize from", target.Address(), err)
	}
	return nil
}

// notifyOf sends NOTIFY(self) to target and returns target's previous predecessor.
func (n *Node) notifyOf(ctx context.Context, target *NodeRef) (*NodeRef, error) {
	if n.remote == nil {
		return nil, ErrNoRemote
	}
	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	prev, err := n.remote.Notify(cctx, target.Address(), n.state.Self())
	if err != nil {
		n.metrics.RPCFailed("notify")
		return nil, unavailable("notify", target.Address(), err)
	}
	return prev, nil
}

// emit publishes a ring event if a broadcaster is set.
func (n *Node) emit(eventType, message string) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()
	if b == nil {
		return
	}
	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.state.self.ID.Text(16),
		Address:   n.state.self.Address(),
		Timestamp: n.clock.Now().Unix(),
		Message:   message,
	}
	if err := b.BroadcastRingUpdate(event); err != nil {
		n.logger.Debug().Err(err).Str("event", eventType).Msg("Failed to broadcast ring update")
	}
}

// successorChanged logs, counts and publishes a new successor.
func (n *Node) successorChanged(succ *NodeRef, reason string) {
	n.metrics.PointerChanged("successor")
	n.logger.Info().
		Str("successor_id", succ.shortID()).
		Str("successor_addr", succ.Address()).
		Str("reason", reason).
		Msg("Successor updated")
	n.emit(EventSuccessorChanged, fmt.Sprintf("successor is now %s (%s)", succ.Address(), reason))
}

// predecessorChanged logs, counts and publishes a new predecessor.
func (n *Node) predecessorChanged(pred *NodeRef, reason string) {
	n.metrics.PointerChanged("predecessor")
	n.logger.Info().
		Str("predecessor_id", pred.shortID()).
		Str("predecessor_addr", pred.Address()).
		Str("reason", reason).
		Msg("Predecessor updated")
	addr := "none"
	if pred != nil {
		addr = pred.Address()
	}
	n.emit(EventPredecessorChanged, fmt.Sprintf("predecessor is now %s (%s)", addr, reason))
}
