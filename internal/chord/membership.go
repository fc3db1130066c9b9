package chord

import (
	"context"
	"errors"
	"fmt"
)

// Create makes the node the only member of a new ring.
func (n *Node) Create() {
	n.state.Reset()
	n.logger.Info().Msg("Created new ring")
	n.emit(EventNodeJoin, "created a new ring")
}

// Join enters the ring that the node at host:port belongs to.
//
// The bootstrap's capacity must match the local one. The node's successor is
// resolved through the bootstrap, falling back to the bootstrap itself when that
// lookup fails, and is then notified. The successor's previous predecessor becomes
// the node's predecessor. Nothing is changed locally unless every step up to and
// including that notify succeeded. Joining through the node's own address, or
// through any other address that reaches the node itself, creates a new ring instead.
func (n *Node) Join(ctx context.Context, host string, port int) error {
	self := n.state.Self()
	if host == self.Host && port == self.Port {
		n.logger.Warn().Msg("Bootstrap address is this node, creating a new ring")
		n.Create()
		return nil
	}
	joinedFrom := n.state.Successor()
	if n.remote == nil {
		return ErrNoRemote
	}

	bootstrap := fmt.Sprintf("%s:%d", host, port)
	n.logger.Info().Str("bootstrap", bootstrap).Msg("Joining ring")

	info, err := n.getBootstrapInfo(ctx, bootstrap)
	if err != nil {
		return err
	}
	if info.Capacity != n.space.Bits() {
		return fmt.Errorf("%w: bootstrap %s uses %d bits, this node %d",
			ErrCapacityMismatch, bootstrap, info.Capacity, n.space.Bits())
	}
	if info.Node.Equals(self) {
		n.logger.Warn().Str("bootstrap", bootstrap).Msg("Bootstrap resolves to this node, creating a new ring")
		n.Create()
		return nil
	}

	successor := n.findJoinSuccessor(ctx, bootstrap, self)
	if successor == nil || successor.Equals(self) {
		successor = info.Node
	}
	if successor.SameID(self) {
		return fmt.Errorf("%w: %s already owns id %s",
			ErrIdentifierCollision, successor.Address(), self.ID.Text(16))
	}

	prev, err := n.notifyOf(ctx, successor)
	if err != nil {
		return fmt.Errorf("failed to notify successor: %w", err)
	}

	predecessor := prev
	if predecessor == nil || n.isSelf(predecessor) {
		predecessor = successor
	}
	if !n.state.Join(joinedFrom, successor, predecessor) {
		return fmt.Errorf("%w: successor changed while joining", ErrUnavailable)
	}
	// An inbound notify may have set a closer predecessor meanwhile.
	predecessor = n.state.Predecessor()

	n.logger.Info().
		Str("successor_id", successor.shortID()).
		Str("successor_addr", successor.Address()).
		Str("predecessor_addr", predecessor.Address()).
		Msg("Joined ring")
	n.emit(EventNodeJoin, fmt.Sprintf("joined via %s, successor %s", bootstrap, successor.Address()))

	// Let the old predecessor learn about us now rather than on its next tick.
	if prev != nil && !n.isSelf(prev) && !prev.Equals(successor) {
		if _, err := n.notifyOf(ctx, prev); err != nil {
			n.logger.Warn().Err(err).Str("peer", prev.Address()).Msg("Failed to notify previous predecessor")
		}
		if err := n.stabilizeOf(ctx, prev); err != nil {
			n.logger.Warn().Err(err).Str("peer", prev.Address()).Msg("Failed to request stabilization")
		}
	}
	return nil
}

func (n *Node) getBootstrapInfo(ctx context.Context, bootstrap string) (*NodeInfo, error) {
	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	info, err := n.remote.GetInfo(cctx, bootstrap)
	if err != nil {
		n.metrics.RPCFailed("get_info")
		return nil, fmt.Errorf("bootstrap unreachable: %w", unavailable("get info from", bootstrap, err))
	}
	if info == nil || info.Node == nil {
		n.metrics.RPCFailed("get_info")
		return nil, fmt.Errorf("bootstrap unreachable: %w", unavailable("get info from", bootstrap, errMalformed))
	}
	return info, nil
}

// findJoinSuccessor asks the bootstrap for the successor of the node's id and
// returns nil if it could not tell.
func (n *Node) findJoinSuccessor(ctx context.Context, bootstrap string, self *NodeRef) *NodeRef {
	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	succ, err := n.remote.FindSuccessor(cctx, bootstrap, self.ID, 0)
	if err != nil {
		n.metrics.RPCFailed("find_successor")
		n.logger.Warn().
			Err(err).
			Str("bootstrap", bootstrap).
			Msg("Successor lookup failed, using bootstrap as successor")
		return nil
	}
	return succ
}

// Notify is the receiving side of NOTIFY: candidate believes it may be this node's
// predecessor. The predecessor is replaced if it is unset, equal to the node itself
// or farther away than candidate. The previous predecessor is returned either way.
func (n *Node) Notify(candidate *NodeRef) *NodeRef {
	prev, accepted := n.state.OfferPredecessor(candidate)
	if accepted {
		n.predecessorChanged(candidate, "notify")
	}
	return prev
}

// SetPredecessor overwrites the predecessor. A nil ref or one carrying the node's
// own id clears it.
func (n *Node) SetPredecessor(pred *NodeRef) {
	if n.state.SetPredecessor(pred) {
		n.predecessorChanged(n.state.Predecessor(), "set by peer")
	}
}

// SetSuccessor overwrites the successor. A nil ref makes the node its own successor.
func (n *Node) SetSuccessor(succ *NodeRef) {
	if n.state.SetSuccessor(succ) {
		n.successorChanged(n.state.Successor(), "set by peer")
	}
}

// Leave hands the node's arc to its neighbours and resets it to a ring of one.
// The predecessor gets the node's successor as its successor, the successor gets
// the node's predecessor as its predecessor, and both are asked to stabilize.
// Failures are logged and returned joined; the local reset happens regardless.
func (n *Node) Leave(ctx context.Context) error {
	snap := n.state.Snapshot()
	self, pred, succ := snap.Self, snap.Predecessor, snap.Successor

	alone := n.isSelf(succ) && (pred == nil || n.isSelf(pred))
	if alone || n.remote == nil {
		n.state.Reset()
		n.logger.Info().Msg("Left ring")
		return nil
	}

	n.logger.Info().
		Str("predecessor_addr", pred.Address()).
		Str("successor_addr", succ.Address()).
		Msg("Leaving ring")

	var errs []error
	if pred != nil && !n.isSelf(pred) {
		newSucc := succ
		if n.isSelf(succ) {
			newSucc = pred
		}
		if err := n.setSuccessorOf(ctx, pred, newSucc); err != nil {
			errs = append(errs, err)
		}
	}
	if !n.isSelf(succ) {
		newPred := pred
		if newPred != nil && (newPred.Equals(succ) || n.isSelf(newPred)) {
			newPred = nil
		}
		if err := n.setPredecessorOf(ctx, succ, newPred); err != nil {
			errs = append(errs, err)
		}
	}

	for _, peer := range distinctPeers(self, pred, succ) {
		if err := n.stabilizeOf(ctx, peer); err != nil {
			errs = append(errs, err)
		}
	}

	n.state.Reset()
	n.emit(EventNodeLeave, fmt.Sprintf("left the ring, handing over to %s", succ.Address()))

	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Left ring with errors")
	} else {
		n.logger.Info().Msg("Left ring")
	}
	return err
}

// distinctPeers returns refs without nils, self or duplicates, in order.
func distinctPeers(self *NodeRef, refs ...*NodeRef) []*NodeRef {
	out := make([]*NodeRef, 0, len(refs))
	for _, ref := range refs {
		if ref == nil || ref.SameID(self) {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen.Equals(ref) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ref)
		}
	}
	return out
}
