package chord

import (
	"context"
	"fmt"
)

// MonitorOnce is one failure monitor tick: check the successor, then the predecessor.
func (n *Node) MonitorOnce(ctx context.Context) {
	n.CheckSuccessor(ctx)
	n.CheckPredecessor(ctx)
}

// CheckSuccessor pings the successor. When it does not answer the node fails
// over locally and then splices the dead node out of the ring.
func (n *Node) CheckSuccessor(ctx context.Context) {
	succ := n.state.Successor()
	if n.isSelf(succ) || n.alive(ctx, succ) {
		return
	}
	n.spliceOut(ctx, succ)
}

// CheckPredecessor clears a predecessor that no longer answers, so that the next
// NOTIFY from a live node is accepted.
func (n *Node) CheckPredecessor(ctx context.Context) {
	pred := n.state.Predecessor()
	if pred == nil || n.isSelf(pred) || n.alive(ctx, pred) {
		return
	}
	if n.state.CompareAndSwapPredecessor(pred, nil) {
		n.logger.Warn().
			Str("predecessor_addr", pred.Address()).
			Msg("Predecessor unreachable, cleared")
		n.predecessorChanged(nil, "unreachable")
	}
}

// spliceOut repairs the ring around dead:
//
//  1. fail over locally so lookups stop routing to dead;
//  2. found = FindSuccessor(dead.id), the node that took over dead's arc;
//  3. pred = found's predecessor, replaced by the node itself when unset, dead,
//     or not between the node and found;
//  4. unless pred is found, link pred and found directly and ask both to stabilize.
func (n *Node) spliceOut(ctx context.Context, dead *NodeRef) {
	if n.failover(ctx, dead) == nil && n.state.IsAlone() {
		return
	}

	found, err := n.FindSuccessor(ctx, dead.ID)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Splice-out lookup failed")
		return
	}
	if found.SameID(dead) {
		n.logger.Warn().Msg("Splice-out lookup still resolves to the dead node")
		return
	}

	info, err := n.infoOf(ctx, found)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Splice-out could not reach the new owner")
		return
	}

	self := n.state.Self()
	pred := info.Predecessor
	if pred == nil || pred.SameID(dead) || !(n.isSelf(pred) || n.space.Between(pred.ID, self.ID, found.ID)) {
		pred = self
	}
	if pred.Equals(found) {
		return
	}

	if err := n.setSuccessorOf(ctx, pred, found); err != nil {
		n.logger.Warn().Err(err).Msg("Splice-out failed to set successor")
	}
	if err := n.setPredecessorOf(ctx, found, pred); err != nil {
		n.logger.Warn().Err(err).Msg("Splice-out failed to set predecessor")
	}
	for _, peer := range distinctPeers(self, pred, found) {
		if err := n.stabilizeOf(ctx, peer); err != nil {
			n.logger.Debug().Err(err).Msg("Splice-out failed to request stabilization")
		}
	}

	n.metrics.SplicedOut()
	n.logger.Info().
		Str("dead_addr", dead.Address()).
		Str("predecessor_addr", pred.Address()).
		Str("successor_addr", found.Address()).
		Msg("Spliced out dead node")
	n.emit(EventSpliceOut, fmt.Sprintf("spliced out %s between %s and %s", dead.Address(), pred.Address(), found.Address()))
}
