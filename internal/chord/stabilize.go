package chord

import (
	"context"
)

// StabilizeOnce runs one stabilization pass:
//
//  1. drop a predecessor that carries the node's own id;
//  2. replace an unreachable successor (see failover);
//  3. a lone node with a live predecessor adopts it as successor;
//  4. adopt the successor's predecessor when it sits between the node and the successor;
//  5. notify the successor;
//  6. refresh the finger table.
//
// Remote failures are logged and counted; the pass carries on with what it has.
func (n *Node) StabilizeOnce(ctx context.Context) {
	defer n.metrics.StabilizeRound()

	if n.state.ClearSelfPredecessor() {
		n.predecessorChanged(nil, "self reference")
	}

	succ := n.state.Successor()
	if !n.isSelf(succ) && !n.alive(ctx, succ) {
		n.failover(ctx, succ)
	}

	n.adoptPredecessorIfAlone(ctx)

	succ = n.state.Successor()
	if !n.isSelf(succ) {
		n.checkSuccessorPredecessor(ctx, succ)
	}

	succ = n.state.Successor()
	if !n.isSelf(succ) {
		n.notifySuccessor(ctx, succ)
	}

	if ctx.Err() == nil {
		n.BuildFingers(ctx)
	}
}

// adoptPredecessorIfAlone merges a ring of one back into the ring its
// predecessor belongs to.
func (n *Node) adoptPredecessorIfAlone(ctx context.Context) {
	if !n.state.IsAlone() {
		return
	}
	pred := n.state.Predecessor()
	if pred == nil || n.isSelf(pred) || !n.alive(ctx, pred) {
		return
	}
	if n.state.CompareAndSwapSuccessor(n.state.Self(), pred) {
		n.successorChanged(pred, "adopted predecessor")
	}
}

// checkSuccessorPredecessor asks succ for its predecessor x and moves to x if x
// lies strictly between the node and succ and answers a ping.
func (n *Node) checkSuccessorPredecessor(ctx context.Context, succ *NodeRef) {
	info, err := n.infoOf(ctx, succ)
	if err != nil {
		n.logger.Debug().Err(err).Msg("Failed to get successor's predecessor")
		return
	}

	x := info.Predecessor
	if x == nil || n.isSelf(x) || x.ID == nil {
		return
	}
	self := n.state.Self()
	if !n.space.Between(x.ID, self.ID, succ.ID) {
		return
	}
	if !n.alive(ctx, x) {
		n.logger.Debug().Str("peer", x.Address()).Msg("Successor's predecessor is unreachable, not adopting it")
		return
	}
	if n.state.CompareAndSwapSuccessor(succ, x) {
		n.successorChanged(x, "stabilize")
	}
}

// notifySuccessor sends NOTIFY(self) to succ. If succ is still attached to a
// predecessor between us and it that no longer answers, that predecessor is
// overwritten with the node, since notify alone would never displace it.
func (n *Node) notifySuccessor(ctx context.Context, succ *NodeRef) {
	prev, err := n.notifyOf(ctx, succ)
	if err != nil {
		n.logger.Debug().Err(err).Msg("Failed to notify successor")
		return
	}
	if prev == nil || n.isSelf(prev) || prev.ID == nil {
		return
	}
	self := n.state.Self()
	if !n.space.Between(prev.ID, self.ID, succ.ID) || n.alive(ctx, prev) {
		return
	}
	if err := n.setPredecessorOf(ctx, succ, self); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to replace successor's dead predecessor")
	}
}

// failover replaces the unreachable successor dead with the first live finger in
// ascending order, else the live predecessor. With neither the node collapses to
// a ring of one. The new successor is told about the node. It reports the new
// successor, or nil after a collapse or when another goroutine already moved the
// successor.
func (n *Node) failover(ctx context.Context, dead *NodeRef) *NodeRef {
	snap := n.state.Snapshot()

	n.logger.Warn().
		Str("successor_id", dead.shortID()).
		Str("successor_addr", dead.Address()).
		Msg("Successor unreachable, failing over")

	var candidate *NodeRef
	tried := make(map[string]bool)
	for _, f := range snap.Fingers {
		ref := f.Node
		if ref == nil || n.isSelf(ref) || ref.SameID(dead) || tried[ref.Address()] {
			continue
		}
		tried[ref.Address()] = true
		if n.alive(ctx, ref) {
			candidate = ref
			break
		}
	}
	if candidate == nil {
		pred := snap.Predecessor
		if pred != nil && !n.isSelf(pred) && !pred.SameID(dead) && !tried[pred.Address()] && n.alive(ctx, pred) {
			candidate = pred
		}
	}

	if candidate == nil {
		if n.state.Collapse(dead) {
			n.logger.Warn().Msg("No live peer left, collapsed to a ring of one")
			n.successorChanged(n.state.Self(), "collapse")
		}
		return nil
	}

	if !n.state.CompareAndSwapSuccessor(dead, candidate) {
		return nil
	}
	n.state.PurgeNode(dead.ID)
	n.successorChanged(candidate, "failover")

	n.notifySuccessor(ctx, candidate)
	return candidate
}
